package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the ID RequestIDMiddleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware keeps the caller's X-Request-ID or assigns a new one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// SecurityHeaders sets the usual hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware recovers panics and writes JSON errors
func RecoveryMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := ledgerErr.RecoverError(rec)
					logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("handler panicked")
					handleError(w, r, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs every request once it is served.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrapWriter(w)

			next.ServeHTTP(rw, r)

			ev := logger.Info()
			if rw.statusCode >= http.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Str("request_id", RequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}

// responseWriter captures the status code. It passes Hijack through so
// websocket upgrades keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusFor maps an error to its HTTP status and reported type.
func statusFor(err error) (int, string) {
	switch {
	case ledgerErr.IsNotFound(err):
		return http.StatusNotFound, string(ledgerErr.ErrorTypeNotFound)
	case ledgerErr.IsValidation(err):
		return http.StatusBadRequest, string(ledgerErr.ErrorTypeValidation)
	case ledgerErr.IsInvalidInput(err):
		return http.StatusBadRequest, string(ledgerErr.ErrorTypeInvalidInput)
	case ledgerErr.IsTimeout(err):
		return http.StatusGatewayTimeout, string(ledgerErr.ErrorTypeTimeout)
	case ledgerErr.IsStorage(err):
		return http.StatusServiceUnavailable, string(ledgerErr.ErrorTypeStorage)
	case ledgerErr.IsInvariantViolation(err):
		return http.StatusInternalServerError, string(ledgerErr.ErrorTypeInvariantViolation)
	default:
		return http.StatusInternalServerError, string(ledgerErr.ErrorTypeInternal)
	}
}

// handleError writes an error response to the client
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := statusFor(err)
	writeJSON(w, status, failure(r, errType, err.Error()))
}

func failure(r *http.Request, errType, message string) shared.Response {
	return shared.Failure(errType, message, RequestID(r.Context()))
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, shared.OK(data, RequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
