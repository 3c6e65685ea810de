package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one closed ledger pushed to websocket clients.
type StreamMessage struct {
	Header  ledger.Header        `json:"header"`
	Hash    ledger.Hash          `json:"hash"`
	Meta    []byte               `json:"meta"`
	Results []execution.TxResult `json:"results,omitempty"`
	Dropped uint64               `json:"dropped,omitempty"`
}

// Stream handles GET /stream: every ledger closed after the upgrade is
// pushed as a JSON text message. Dropped counts the ledgers this client
// missed because it read too slowly.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, failure(r, "UNAVAILABLE", "ledger stream is disabled"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(h.StreamBuffer)
	defer sub.Cancel()

	// the read pump only notices the client going away
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	requestID := RequestID(r.Context())
	h.logger.Debug().Str("request_id", requestID).Msg("stream client connected")

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			msg := StreamMessage{
				Header:  ev.Header,
				Hash:    ev.Header.Hash(),
				Meta:    ev.Meta,
				Results: ev.Results,
				Dropped: sub.Dropped(),
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("request_id", requestID).Msg("stream client write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
