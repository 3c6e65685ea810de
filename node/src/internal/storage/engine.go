package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/wal"
)

// StorageMetrics tracks storage engine metrics
type StorageMetrics struct {
	TotalKeys      int64
	TotalSize      int64
	ReadCount      int64
	InsertCount    int64
	UpdateCount    int64
	DeleteCount    int64
	ErrorCount     int64
	TxCount        int64
	LastCheckpoint time.Time
}

// batchOp is one buffered write, applied to the map only after its batch
// has been logged.
type batchOp struct {
	op    string
	key   ledger.EntryKey
	entry ledger.Entry
}

// MemStore is an in-memory EntryStore. When given a WAL every committed
// batch is logged before it is applied, and Checkpoint folds the log into a
// snapshot.
type MemStore struct {
	data        map[ledger.EntryKey]ledger.Entry
	mutex       sync.RWMutex
	walWriter   wal.WALWriter
	snapshotter Snapshotter
	metrics     *StorageMetrics
	batchSeq    atomic.Uint64
	lastCheck   atomic.Int64
	logger      zerolog.Logger
}

// NewMemStore creates an empty MemStore. walWriter and snapshotter may be nil.
func NewMemStore(walWriter wal.WALWriter, snapshotter Snapshotter, logger zerolog.Logger) *MemStore {
	return &MemStore{
		data:        make(map[ledger.EntryKey]ledger.Entry),
		walWriter:   walWriter,
		snapshotter: snapshotter,
		metrics:     &StorageMetrics{},
		logger:      logger.With().Str("component", "memstore").Logger(),
	}
}

// MemStoreConfig describes the on-disk files of a durable MemStore.
type MemStoreConfig struct {
	WALPath     string
	SyncWAL     bool
	SnapshotDir string
}

// OpenMemStore restores a MemStore from the newest snapshot in
// cfg.SnapshotDir plus the committed tail of the WAL, then checkpoints so
// the log starts empty.
func OpenMemStore(cfg MemStoreConfig, logger zerolog.Logger) (*MemStore, error) {
	snapshotter, err := NewFileSnapshotter(cfg.SnapshotDir)
	if err != nil {
		return nil, err
	}
	records, err := wal.ReadAll(cfg.WALPath)
	if err != nil {
		return nil, err
	}
	w, err := wal.NewFileWAL(cfg.WALPath, cfg.SyncWAL)
	if err != nil {
		return nil, err
	}

	m := NewMemStore(w, snapshotter, logger)
	latest, err := snapshotter.Latest()
	if err != nil {
		w.Close()
		return nil, err
	}
	if latest != "" {
		if err := m.RestoreSnapshot(latest); err != nil {
			w.Close()
			return nil, err
		}
	}
	committed := wal.Committed(records)
	if err := m.replay(committed); err != nil {
		w.Close()
		return nil, err
	}
	// a fresh log also drops any torn tail and uncommitted batches
	if _, err := m.Checkpoint(); err != nil {
		w.Close()
		return nil, err
	}

	m.logger.Info().
		Str("snapshot", filepath.Base(latest)).
		Int("wal_records", len(committed)).
		Str("entries", humanize.Comma(int64(m.Len()))).
		Msg("store recovered")
	return m, nil
}

// replay applies logged records with set/remove semantics, so records
// already captured by the snapshot are harmless.
func (m *MemStore) replay(records []*wal.WALEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, r := range records {
		key, err := ledger.ParseKey(r.Key)
		if err != nil {
			return fmt.Errorf("replay wal: %w", err)
		}
		switch r.Operation {
		case wal.OpInsert, wal.OpUpdate:
			e, err := ledger.ParseEntry(r.Value)
			if err != nil {
				return fmt.Errorf("replay wal: %w", err)
			}
			m.set(e)
		case wal.OpDelete:
			m.remove(key)
		}
	}
	return nil
}

func (m *MemStore) set(e ledger.Entry) {
	if old, ok := m.data[e.Key]; ok {
		atomic.AddInt64(&m.metrics.TotalSize, -int64(len(old.Body)))
	} else {
		atomic.AddInt64(&m.metrics.TotalKeys, 1)
	}
	m.data[e.Key] = e
	atomic.AddInt64(&m.metrics.TotalSize, int64(len(e.Body)))
}

func (m *MemStore) remove(key ledger.EntryKey) {
	if old, ok := m.data[key]; ok {
		atomic.AddInt64(&m.metrics.TotalSize, -int64(len(old.Body)))
		atomic.AddInt64(&m.metrics.TotalKeys, -1)
		delete(m.data, key)
	}
}

// Exists reports whether key is stored.
func (m *MemStore) Exists(ctx context.Context, key ledger.EntryKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageError("exists", key, err)
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	atomic.AddInt64(&m.metrics.ReadCount, 1)
	_, ok := m.data[key]
	return ok, nil
}

// Load returns a copy of the entry stored under key.
func (m *MemStore) Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, false, storageError("load", key, err)
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	atomic.AddInt64(&m.metrics.ReadCount, 1)
	e, ok := m.data[key]
	if !ok {
		return ledger.Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

// InsertDurable stores a new entry.
func (m *MemStore) InsertDurable(ctx context.Context, entry ledger.Entry) error {
	return m.RunInTx(ctx, func(tx EntryStore) error { return tx.InsertDurable(ctx, entry) })
}

// UpdateDurable replaces an existing entry.
func (m *MemStore) UpdateDurable(ctx context.Context, entry ledger.Entry) error {
	return m.RunInTx(ctx, func(tx EntryStore) error { return tx.UpdateDurable(ctx, entry) })
}

// DeleteDurable removes an existing entry.
func (m *MemStore) DeleteDurable(ctx context.Context, key ledger.EntryKey) error {
	return m.RunInTx(ctx, func(tx EntryStore) error { return tx.DeleteDurable(ctx, key) })
}

// RunInTx runs fn against a buffered view of the store. The buffered writes
// are logged as one batch and applied only if fn succeeds.
func (m *MemStore) RunInTx(ctx context.Context, fn func(tx EntryStore) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	tx := &memTx{store: m, overlay: make(map[ledger.EntryKey]*ledger.Entry)}
	if err := fn(tx); err != nil {
		atomic.AddInt64(&m.metrics.ErrorCount, 1)
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		atomic.AddInt64(&m.metrics.ErrorCount, 1)
		return wrapStorage("commit", err)
	}

	if m.walWriter != nil {
		batch := m.batchSeq.Add(1)
		now := time.Now().UnixNano()
		for _, op := range tx.ops {
			rec := &wal.WALEntry{Operation: op.op, Batch: batch, Key: op.key.Bytes(), Timestamp: now}
			if op.op != wal.OpDelete {
				rec.Value = op.entry.Bytes()
			}
			if err := m.walWriter.Append(rec); err != nil {
				atomic.AddInt64(&m.metrics.ErrorCount, 1)
				return wrapStorage("append wal", err)
			}
		}
		if err := m.walWriter.Append(&wal.WALEntry{Operation: wal.OpCommit, Batch: batch, Timestamp: now}); err != nil {
			atomic.AddInt64(&m.metrics.ErrorCount, 1)
			return wrapStorage("append wal commit", err)
		}
	}

	for _, op := range tx.ops {
		switch op.op {
		case wal.OpInsert:
			m.set(op.entry)
			atomic.AddInt64(&m.metrics.InsertCount, 1)
		case wal.OpUpdate:
			m.set(op.entry)
			atomic.AddInt64(&m.metrics.UpdateCount, 1)
		case wal.OpDelete:
			m.remove(op.key)
			atomic.AddInt64(&m.metrics.DeleteCount, 1)
		}
	}
	atomic.AddInt64(&m.metrics.TxCount, 1)
	return nil
}

// Entries lists the entries of one type in canonical key order.
func (m *MemStore) Entries(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	m.mutex.RLock()
	keys := make([]ledger.EntryKey, 0, len(m.data))
	for k := range m.data {
		if k.Type == t {
			keys = append(keys, k)
		}
	}
	ledger.SortKeys(keys)
	out := make([]ledger.Entry, len(keys))
	for i, k := range keys {
		out[i] = m.data[k].Clone()
	}
	m.mutex.RUnlock()
	return out, ctx.Err()
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.data)
}

// Checkpoint writes a snapshot of the current state and truncates the WAL.
// It returns the snapshot path.
func (m *MemStore) Checkpoint() (string, error) {
	if m.snapshotter == nil {
		return "", fmt.Errorf("checkpoint: no snapshotter configured")
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	path, err := m.snapshotter.Create(m.encodeLocked())
	if err != nil {
		atomic.AddInt64(&m.metrics.ErrorCount, 1)
		return "", wrapStorage("snapshot", err)
	}
	if m.walWriter != nil {
		if err := m.walWriter.Truncate(); err != nil {
			atomic.AddInt64(&m.metrics.ErrorCount, 1)
			return "", wrapStorage("truncate wal", err)
		}
	}
	m.lastCheck.Store(time.Now().UnixNano())
	m.logger.Debug().Str("snapshot", filepath.Base(path)).Int("entries", len(m.data)).Msg("checkpoint written")
	return path, nil
}

func (m *MemStore) encodeLocked() map[string][]byte {
	data := make(map[string][]byte, len(m.data))
	for k, e := range m.data {
		data[string(k.Bytes())] = e.Bytes()
	}
	return data
}

// RestoreSnapshot replaces the current state with a snapshot.
func (m *MemStore) RestoreSnapshot(path string) error {
	if m.snapshotter == nil {
		return fmt.Errorf("restore: no snapshotter configured")
	}
	data, err := m.snapshotter.Restore(path)
	if err != nil {
		atomic.AddInt64(&m.metrics.ErrorCount, 1)
		return err
	}

	restored := make(map[ledger.EntryKey]ledger.Entry, len(data))
	var totalSize int64
	for k, v := range data {
		e, err := ledger.ParseEntry(v)
		if err != nil {
			return fmt.Errorf("restore %s: %w", filepath.Base(path), err)
		}
		if string(e.Key.Bytes()) != k {
			return fmt.Errorf("restore %s: entry %s filed under a different key", filepath.Base(path), e.Key)
		}
		restored[e.Key] = e
		totalSize += int64(len(e.Body))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.data = restored
	atomic.StoreInt64(&m.metrics.TotalKeys, int64(len(restored)))
	atomic.StoreInt64(&m.metrics.TotalSize, totalSize)
	return nil
}

// GetMetrics returns the current storage metrics
func (m *MemStore) GetMetrics() *StorageMetrics {
	var last time.Time
	if ns := m.lastCheck.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return &StorageMetrics{
		TotalKeys:      atomic.LoadInt64(&m.metrics.TotalKeys),
		TotalSize:      atomic.LoadInt64(&m.metrics.TotalSize),
		ReadCount:      atomic.LoadInt64(&m.metrics.ReadCount),
		InsertCount:    atomic.LoadInt64(&m.metrics.InsertCount),
		UpdateCount:    atomic.LoadInt64(&m.metrics.UpdateCount),
		DeleteCount:    atomic.LoadInt64(&m.metrics.DeleteCount),
		ErrorCount:     atomic.LoadInt64(&m.metrics.ErrorCount),
		TxCount:        atomic.LoadInt64(&m.metrics.TxCount),
		LastCheckpoint: last,
	}
}

// Close releases the WAL.
func (m *MemStore) Close() error {
	if m.walWriter == nil {
		return nil
	}
	return m.walWriter.Close()
}

// memTx is the view handed to RunInTx callbacks. The store mutex is held by
// RunInTx for the lifetime of the view.
type memTx struct {
	store   *MemStore
	overlay map[ledger.EntryKey]*ledger.Entry
	ops     []batchOp
}

func (tx *memTx) lookup(key ledger.EntryKey) (ledger.Entry, bool) {
	if e, ok := tx.overlay[key]; ok {
		if e == nil {
			return ledger.Entry{}, false
		}
		return *e, true
	}
	e, ok := tx.store.data[key]
	return e, ok
}

func (tx *memTx) Exists(ctx context.Context, key ledger.EntryKey) (bool, error) {
	_, ok := tx.lookup(key)
	return ok, nil
}

func (tx *memTx) Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	e, ok := tx.lookup(key)
	if !ok {
		return ledger.Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

func (tx *memTx) InsertDurable(ctx context.Context, entry ledger.Entry) error {
	if _, ok := tx.lookup(entry.Key); ok {
		return errExists(entry.Key)
	}
	e := entry.Clone()
	tx.overlay[e.Key] = &e
	tx.ops = append(tx.ops, batchOp{op: wal.OpInsert, key: e.Key, entry: e})
	return nil
}

func (tx *memTx) UpdateDurable(ctx context.Context, entry ledger.Entry) error {
	if _, ok := tx.lookup(entry.Key); !ok {
		return errMissing("update", entry.Key)
	}
	e := entry.Clone()
	tx.overlay[e.Key] = &e
	tx.ops = append(tx.ops, batchOp{op: wal.OpUpdate, key: e.Key, entry: e})
	return nil
}

func (tx *memTx) DeleteDurable(ctx context.Context, key ledger.EntryKey) error {
	if _, ok := tx.lookup(key); !ok {
		return errMissing("delete", key)
	}
	tx.overlay[key] = nil
	tx.ops = append(tx.ops, batchOp{op: wal.OpDelete, key: key})
	return nil
}
