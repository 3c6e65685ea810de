// Package feed fans closed ledgers out to in-process subscribers such as
// replication streams and websocket clients.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
)

// DefaultBuffer is the queue length of a subscription created with size 0.
const DefaultBuffer = 64

// Event is one closed ledger.
type Event struct {
	Header  ledger.Header
	Meta    []byte
	Results []execution.TxResult
}

// Subscription receives events on C until it is cancelled. Events that do
// not fit in its buffer are dropped and counted.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Uint64
	hub     *Hub
	once    sync.Once
}

// Dropped returns how many events the subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Hub publishes every closed ledger to its subscribers without ever
// blocking the ledger close.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	metrics *shared.Metrics
	logger  zerolog.Logger
}

// NewHub creates a hub. metrics may be nil.
func NewHub(metrics *shared.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		metrics: metrics,
		logger:  logger.With().Str("component", "feed").Logger(),
	}
}

// Subscribe registers a subscriber with a queue of size events.
func (h *Hub) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	ch := make(chan Event, size)
	s := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish hands ev to every subscriber with room for it.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			if h.metrics != nil {
				h.metrics.FeedDropped.Inc()
			}
			h.logger.Warn().Uint32("seq", ev.Header.Seq).Msg("slow subscriber dropped a ledger")
		}
	}
}

// LedgerClosed implements execution.Observer.
func (h *Hub) LedgerClosed(cl *execution.ClosedLedger) {
	h.Publish(Event{Header: cl.Header, Meta: cl.Meta, Results: cl.Results})
}
