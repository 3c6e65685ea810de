package storage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotRetention prunes old snapshot files in the background, keeping
// the newest maxSnapshots. Every snapshot is a full copy of the store, so
// older files are simply removed.
type SnapshotRetention struct {
	snapshotDir  string
	interval     time.Duration
	maxSnapshots int
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	mu           sync.RWMutex
	lastPrune    time.Time
	logger       zerolog.Logger
}

// NewSnapshotRetention creates a new SnapshotRetention instance
func NewSnapshotRetention(snapshotDir string, interval time.Duration, maxSnapshots int, logger zerolog.Logger) (*SnapshotRetention, error) {
	if maxSnapshots < 1 {
		return nil, fmt.Errorf("snapshot retention must keep at least one snapshot, got %d", maxSnapshots)
	}
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &SnapshotRetention{
		snapshotDir:  snapshotDir,
		interval:     interval,
		maxSnapshots: maxSnapshots,
		stopChan:     make(chan struct{}),
		logger:       logger.With().Str("component", "snapshot-retention").Logger(),
	}, nil
}

// Start begins the background pruning loop
func (r *SnapshotRetention) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop gracefully stops the pruning loop
func (r *SnapshotRetention) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *SnapshotRetention) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.Prune(); err != nil {
				r.logger.Warn().Err(err).Msg("snapshot pruning failed")
			}
		}
	}
}

// Prune removes all but the newest maxSnapshots files and returns how many
// were removed.
func (r *SnapshotRetention) Prune() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := listSnapshots(r.snapshotDir)
	if err != nil {
		return 0, err
	}
	if len(files) <= r.maxSnapshots {
		return 0, nil
	}

	removed := 0
	for _, file := range files[:len(files)-r.maxSnapshots] {
		if err := os.Remove(file); err != nil {
			r.logger.Warn().Err(err).Str("file", file).Msg("failed to remove old snapshot")
			continue
		}
		removed++
	}

	r.lastPrune = time.Now()
	r.logger.Debug().Int("removed", removed).Msg("pruned snapshots")
	return removed, nil
}

// LastPrune returns the time of the last pruning pass that had work to do.
func (r *SnapshotRetention) LastPrune() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPrune
}
