package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
)

// Router creates and configures the HTTP router
func Router(handler *Handler, health *HealthManager, metrics *shared.Metrics, tracer *shared.Tracer, logger zerolog.Logger) http.Handler {
	router := mux.NewRouter()

	router.Use(
		RequestIDMiddleware,
		SecurityHeaders,
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
	)
	if metrics != nil {
		router.Use(MetricsMiddleware(metrics))
	}
	if tracer != nil {
		router.Use(TracingMiddleware(tracer))
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", health.HealthCheckHandler).Methods(http.MethodGet)

	var closeLedger http.Handler = http.HandlerFunc(handler.CloseLedger)
	if handler.Keys != nil {
		closeLedger = RequireAPIKey(handler.Keys)(closeLedger)
	}
	api.Handle("/ledgers", closeLedger).Methods(http.MethodPost)
	api.HandleFunc("/ledgers/latest", handler.LatestLedger).Methods(http.MethodGet)
	api.HandleFunc("/ledgers/{seq:[0-9]+}", handler.GetLedger).Methods(http.MethodGet)
	api.HandleFunc("/ledgers/{seq:[0-9]+}/meta", handler.GetLedgerMeta).Methods(http.MethodGet)
	api.HandleFunc("/entries/{type}/{id}", handler.GetEntry).Methods(http.MethodGet)
	api.HandleFunc("/stream", handler.Stream).Methods(http.MethodGet)

	if metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.NotFoundHandler = RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, failure(r, "NOT_FOUND", "no route for "+r.URL.Path))
	}))
	return router
}
