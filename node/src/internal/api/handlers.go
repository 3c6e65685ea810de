package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/feed"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

// LedgerManager is what the API needs from the ledger manager.
type LedgerManager interface {
	LastClosed() ledger.Header
	CloseLedger(ctx context.Context, data execution.CloseData) (*execution.ClosedLedger, error)
}

// Ledgers reads archived ledgers.
type Ledgers interface {
	Header(seq uint32) (ledger.Header, error)
	Meta(seq uint32) ([]byte, error)
	Results(seq uint32) (json.RawMessage, error)
}

// Handler serves the ledger inspection and submission endpoints.
type Handler struct {
	manager LedgerManager
	ledgers Ledgers
	store   storage.EntryStore
	hub     *feed.Hub
	logger  zerolog.Logger

	// CloseTimeout bounds a POST /ledgers close.
	CloseTimeout time.Duration
	// BodyLimit caps request bodies in bytes.
	BodyLimit int64
	// StreamBuffer is the feed queue length of each websocket client.
	StreamBuffer int
	// AllowClose enables POST /ledgers. Followers leave it off.
	AllowClose bool
	// Keys, when set, restricts POST /ledgers to known submitters.
	Keys APIKeys
}

// NewHandler creates a handler. hub may be nil, which disables the stream.
func NewHandler(manager LedgerManager, ledgers Ledgers, store storage.EntryStore, hub *feed.Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:      manager,
		ledgers:      ledgers,
		store:        store,
		hub:          hub,
		logger:       logger.With().Str("component", "api").Logger(),
		CloseTimeout: 30 * time.Second,
		BodyLimit:    4 << 20,
		StreamBuffer: feed.DefaultBuffer,
		AllowClose:   true,
	}
}

// LedgerView is the JSON form of one closed ledger.
type LedgerView struct {
	Header  ledger.Header   `json:"header"`
	Hash    ledger.Hash     `json:"hash"`
	Results json.RawMessage `json:"results,omitempty"`
}

// EntryView is the JSON form of a stored entry.
type EntryView struct {
	Type         ledger.EntryType `json:"type"`
	ID           string           `json:"id"`
	LastModified uint32           `json:"last_modified"`
	Body         []byte           `json:"body"`
}

func parseSeq(r *http.Request) (uint32, error) {
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 32)
	if err != nil || seq == 0 {
		return 0, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "ledger sequence must be a positive integer")
	}
	return uint32(seq), nil
}

// LatestLedger handles GET /ledgers/latest.
func (h *Handler) LatestLedger(w http.ResponseWriter, r *http.Request) {
	lcl := h.manager.LastClosed()
	view := LedgerView{Header: lcl, Hash: lcl.Hash()}
	if lcl.Seq > 0 {
		if results, err := h.ledgers.Results(lcl.Seq); err == nil {
			view.Results = results
		}
	}
	writeOK(w, r, http.StatusOK, view)
}

// GetLedger handles GET /ledgers/{seq}.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeq(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	header, err := h.ledgers.Header(seq)
	if err != nil {
		handleError(w, r, err)
		return
	}
	results, err := h.ledgers.Results(seq)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, LedgerView{Header: header, Hash: header.Hash(), Results: results})
}

// GetLedgerMeta handles GET /ledgers/{seq}/meta. With ?format=raw the
// encoded stream is returned as is.
func (h *Handler) GetLedgerMeta(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeq(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	meta, err := h.ledgers.Meta(seq)
	if err != nil {
		handleError(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "raw":
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Meta-Hash", ledger.MetaHash(meta).String())
		w.WriteHeader(http.StatusOK)
		w.Write(meta)
	case "", "json":
		records, err := ledger.UnmarshalMeta(meta)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeOK(w, r, http.StatusOK, map[string]any{
			"seq":       seq,
			"meta_hash": ledger.MetaHash(meta),
			"records":   records,
		})
	default:
		handleError(w, r, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "unknown format %q", format))
	}
}

// GetEntry handles GET /entries/{type}/{id}, id being hex. It reads the
// state as of the last closed ledger.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := ledger.ParseEntryType(vars["type"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	id, err := hex.DecodeString(vars["id"])
	if err != nil {
		handleError(w, r, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "entry id is not hex", err))
		return
	}
	key := ledger.NewEntryKey(t, id)
	if err := key.Validate(); err != nil {
		handleError(w, r, err)
		return
	}

	e, ok, err := h.store.Load(r.Context(), key)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !ok {
		handleError(w, r, ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "entry %s not found", key))
		return
	}
	writeOK(w, r, http.StatusOK, EntryView{
		Type:         e.Key.Type,
		ID:           hex.EncodeToString([]byte(e.Key.ID)),
		LastModified: e.LastModified,
		Body:         e.Body,
	})
}

// CloseLedger handles POST /ledgers: the body is a JSON transaction set
// closed on top of the last closed ledger.
func (h *Handler) CloseLedger(w http.ResponseWriter, r *http.Request) {
	if !h.AllowClose {
		writeJSON(w, http.StatusForbidden, failure(r, "FORBIDDEN", "this node does not close ledgers"))
		return
	}

	var data execution.CloseData
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.BodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handleError(w, r, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "request body exceeds %d bytes", h.BodyLimit))
			return
		}
		handleError(w, r, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "invalid transaction set", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.CloseTimeout)
	defer cancel()
	cl, err := h.manager.CloseLedger(ctx, data)
	if err != nil {
		handleError(w, r, err)
		return
	}

	results, err := json.Marshal(cl.Results)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ev := h.logger.Info().Uint32("seq", cl.Header.Seq).Int("txs", len(cl.Results)).Str("request_id", RequestID(r.Context()))
	if sub, ok := SubmitterFrom(r.Context()); ok {
		ev = ev.Str("submitter", sub.Name)
	}
	ev.Msg("ledger closed on request")
	writeOK(w, r, http.StatusCreated, LedgerView{Header: cl.Header, Hash: cl.Hash(), Results: results})
}
