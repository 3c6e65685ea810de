package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// CheckTimeout bounds each component check.
const CheckTimeout = 2 * time.Second

// HealthManager runs the registered component checks.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager() *HealthManager {
	return &HealthManager{checkers: make(map[string]HealthChecker)}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// RunHealthChecks runs every check concurrently, each bounded by
// CheckTimeout, and returns the results by component name.
func (hm *HealthManager) RunHealthChecks(ctx context.Context) map[string]HealthStatus {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		checkers[name] = c
	}
	hm.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]HealthStatus, len(checkers))
	)
	for name, c := range checkers {
		wg.Add(1)
		go func(name string, c HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			st := c.Check(cctx)
			mu.Lock()
			out[name] = st
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return out
}

// healthProbe is a key no ledger can hold, since ids are never empty.
var healthProbe = ledger.EntryKey{Type: ledger.EntryTypeAccount}

// StorageHealthChecker checks that the entry store answers reads.
type StorageHealthChecker struct {
	store storage.EntryStore
}

// NewStorageHealthChecker creates a new storage health checker
func NewStorageHealthChecker(store storage.EntryStore) *StorageHealthChecker {
	return &StorageHealthChecker{store: store}
}

// Check implements HealthChecker
func (c *StorageHealthChecker) Check(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.store.Exists(ctx, healthProbe)
	duration := time.Since(start)

	if err != nil {
		return HealthStatus{
			Status:    "error",
			Message:   "storage health check failed",
			Timestamp: time.Now(),
			Details: map[string]any{
				"error":    err.Error(),
				"duration": duration.String(),
			},
		}
	}
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Details:   map[string]any{"duration": duration.String()},
	}
}

// LedgerHealthChecker reports the last closed ledger.
type LedgerHealthChecker struct {
	lastClosed func() ledger.Header
}

// NewLedgerHealthChecker creates a checker over the manager's last closed
// header.
func NewLedgerHealthChecker(lastClosed func() ledger.Header) *LedgerHealthChecker {
	return &LedgerHealthChecker{lastClosed: lastClosed}
}

// Check implements HealthChecker
func (c *LedgerHealthChecker) Check(ctx context.Context) HealthStatus {
	h := c.lastClosed()
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Details: map[string]any{
			"last_closed_seq":  h.Seq,
			"last_closed_hash": h.Hash().String(),
		},
	}
}

// HealthCheckHandler handles health check requests
func (hm *HealthManager) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := hm.RunHealthChecks(r.Context())

	overall := "ok"
	for _, s := range status {
		if s.Status != "ok" {
			overall = "error"
			break
		}
	}

	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeOK(w, r, code, map[string]any{
		"status":     overall,
		"timestamp":  time.Now().UTC(),
		"components": status,
	})
}
