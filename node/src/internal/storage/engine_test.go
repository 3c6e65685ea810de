package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/wal"
)

func key(id string) ledger.EntryKey {
	return ledger.EntryKey{Type: ledger.EntryTypeAccount, ID: id}
}

func entry(id, body string, seq uint32) ledger.Entry {
	return ledger.Entry{Key: key(id), LastModified: seq, Body: []byte(body)}
}

// storeContract exercises the EntryStore semantics every backend shares.
func storeContract(t *testing.T, s EntryStore) {
	ctx := context.Background()

	ok, err := s.Exists(ctx, key("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertDurable(ctx, entry("a", "1", 1)))
	err = s.InsertDurable(ctx, entry("a", "2", 1))
	require.Error(t, err)
	assert.True(t, ledgerErr.IsStorage(err))

	got, ok, err := s.Load(ctx, key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), got.Body)
	assert.Equal(t, uint32(1), got.LastModified)

	require.NoError(t, s.UpdateDurable(ctx, entry("a", "3", 2)))
	got, _, err = s.Load(ctx, key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got.Body)

	assert.True(t, ledgerErr.IsStorage(s.UpdateDurable(ctx, entry("missing", "x", 2))))
	assert.True(t, ledgerErr.IsStorage(s.DeleteDurable(ctx, key("missing"))))

	require.NoError(t, s.DeleteDurable(ctx, key("a")))
	_, ok, err = s.Load(ctx, key("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertDurable(ctx, ledger.Entry{Key: key("empty")}))
	got, ok, err = s.Load(ctx, key("empty"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.Body)
}

// txContract checks that a failing RunInTx keeps none of its writes.
func txContract(t *testing.T, s interface {
	EntryStore
	Transactional
}) {
	ctx := context.Background()
	require.NoError(t, s.InsertDurable(ctx, entry("keep", "k", 1)))

	err := s.RunInTx(ctx, func(tx EntryStore) error {
		if err := tx.InsertDurable(ctx, entry("tmp", "t", 2)); err != nil {
			return err
		}
		if err := tx.DeleteDurable(ctx, key("keep")); err != nil {
			return err
		}
		ok, err := tx.Exists(ctx, key("tmp"))
		require.NoError(t, err)
		assert.True(t, ok, "writes are visible inside the transaction")
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")

	ok, err := s.Exists(ctx, key("tmp"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, key("keep"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RunInTx(ctx, func(tx EntryStore) error {
		if err := tx.InsertDurable(ctx, entry("tmp", "t", 2)); err != nil {
			return err
		}
		return tx.UpdateDurable(ctx, entry("tmp", "t2", 2))
	}))
	got, ok, err := s.Load(ctx, key("tmp"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("t2"), got.Body)
}

func TestMemStoreContract(t *testing.T) {
	storeContract(t, NewMemStore(nil, nil, zerolog.Nop()))
	txContract(t, NewMemStore(nil, nil, zerolog.Nop()))
}

func TestMemStoreCopiesBodies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil, nil, zerolog.Nop())
	e := entry("a", "abc", 1)
	require.NoError(t, s.InsertDurable(ctx, e))
	e.Body[0] = 'X'

	got, _, err := s.Load(ctx, key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Body)
	got.Body[0] = 'Y'

	again, _, err := s.Load(ctx, key("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Body)
}

func TestMemStoreCancelledContext(t *testing.T) {
	s := NewMemStore(nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Exists(ctx, key("a"))
	assert.True(t, ledgerErr.IsStorage(err))
	err = s.InsertDurable(ctx, entry("a", "1", 1))
	assert.True(t, ledgerErr.IsStorage(err))
	assert.Equal(t, 0, s.Len())
}

func setupDurable(t *testing.T) (MemStoreConfig, *MemStore) {
	t.Helper()
	dir := t.TempDir()
	cfg := MemStoreConfig{
		WALPath:     filepath.Join(dir, "ledger.wal"),
		SyncWAL:     true,
		SnapshotDir: filepath.Join(dir, "snapshots"),
	}
	s, err := OpenMemStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	return cfg, s
}

func TestMemStoreRecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	cfg, s := setupDurable(t)

	require.NoError(t, s.InsertDurable(ctx, entry("a", "1", 1)))
	require.NoError(t, s.InsertDurable(ctx, entry("b", "2", 1)))
	require.NoError(t, s.UpdateDurable(ctx, entry("a", "3", 2)))
	require.NoError(t, s.DeleteDurable(ctx, key("b")))
	require.NoError(t, s.Close())

	records, err := wal.ReadAll(cfg.WALPath)
	require.NoError(t, err)
	assert.Len(t, wal.Committed(records), 4)

	reopened, err := OpenMemStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Load(ctx, key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got.Body)
	assert.Equal(t, uint32(2), got.LastModified)

	ok, err = reopened.Exists(ctx, key("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	metrics := reopened.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalKeys)
	assert.False(t, metrics.LastCheckpoint.IsZero())
}

func TestMemStoreCheckpointTruncatesWAL(t *testing.T) {
	ctx := context.Background()
	cfg, s := setupDurable(t)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertDurable(ctx, entry(fmt.Sprintf("k%d", i), "v", 1)))
	}
	path, err := s.Checkpoint()
	require.NoError(t, err)
	assert.FileExists(t, path)

	info, err := os.Stat(cfg.WALPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	data, err := (&FileSnapshotter{snapshotDir: cfg.SnapshotDir}).Restore(path)
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

func TestMemStoreIgnoresUncommittedBatch(t *testing.T) {
	ctx := context.Background()
	cfg, s := setupDurable(t)
	require.NoError(t, s.InsertDurable(ctx, entry("a", "1", 1)))
	require.NoError(t, s.Close())

	// a batch whose commit marker never made it to disk
	w, err := wal.NewFileWAL(cfg.WALPath, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(&wal.WALEntry{Operation: wal.OpDelete, Batch: 99, Key: key("a").Bytes()}))
	require.NoError(t, w.Close())

	reopened, err := OpenMemStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.Exists(ctx, key("a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemStoreEntriesSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil, nil, zerolog.Nop())
	for _, id := range []string{"bb", "a", "c"} {
		require.NoError(t, s.InsertDurable(ctx, entry(id, id, 1)))
	}
	require.NoError(t, s.InsertDurable(ctx, ledger.Entry{Key: ledger.EntryKey{Type: ledger.EntryTypeOffer, ID: "o"}}))

	list, err := s.Entries(ctx, ledger.EntryTypeAccount)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Key.ID)
	assert.Equal(t, "c", list[1].Key.ID)
	assert.Equal(t, "bb", list[2].Key.ID)
}
