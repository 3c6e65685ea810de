package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/api"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTxSet(t *testing.T, dir, name string, data execution.CloseData) string {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func acct(id string) ledger.EntryKey {
	return ledger.EntryKey{Type: ledger.EntryTypeAccount, ID: id}
}

func TestCloseMetaReplay(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	base := []string{"--data-dir", dataDir, "--log-level", "error"}

	first := writeTxSet(t, dir, "first.json", execution.CloseData{CloseTime: 10, Transactions: []execution.Transaction{
		{Source: "alice", Operations: []execution.Operation{
			execution.Create(ledger.NewEntry(acct("a"), []byte("1"))),
			execution.Create(ledger.NewEntry(acct("b"), []byte("2"))),
		}},
	}})
	out, err := run(t, append([]string{"close", first}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ledger 1 closed")
	assert.Contains(t, out, "1 succeeded")

	second := writeTxSet(t, dir, "second.json", execution.CloseData{CloseTime: 20, Transactions: []execution.Transaction{
		{Source: "bob", Operations: []execution.Operation{execution.Delete(acct("b"))}},
		{Source: "carol", Operations: []execution.Operation{execution.Update(ledger.NewEntry(acct("zz"), []byte("x")))}},
	}})
	out, err = run(t, append([]string{"close", second}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ledger 2 closed")
	assert.Contains(t, out, "2 (1 succeeded)")
	assert.Contains(t, out, "failed")

	out, err = run(t, append([]string{"meta", "2"}, base...)...)
	require.NoError(t, err)
	var dump metaDump
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.Equal(t, uint32(2), dump.Seq)
	require.Len(t, dump.Records, 1)
	assert.Equal(t, ledger.MetaDead, dump.Records[0].Kind)
	assert.Equal(t, acct("b"), dump.Records[0].Key)

	out, err = run(t, append([]string{"replay", "--check"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed ledgers 1..2")
	assert.Contains(t, out, "store matches history")
	assert.True(t, strings.Contains(out, "account    1"), out)
}

func TestMetaRejectsBadSequence(t *testing.T) {
	_, err := run(t, "meta", "zero", "--data-dir", t.TempDir(), "--log-level", "error")
	assert.Error(t, err)
}

func TestReadCloseDataRejectsUnknownFields(t *testing.T) {
	_, err := readCloseData("-", strings.NewReader(`{"txs": []}`))
	assert.Error(t, err)

	data, err := readCloseData("-", strings.NewReader(`{"close_time": 5}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5), data.CloseTime)
}

func TestCompareStores(t *testing.T) {
	ctx := context.Background()
	a := storage.NewMemStore(nil, nil, zerolog.Nop())
	b := storage.NewMemStore(nil, nil, zerolog.Nop())
	for _, s := range []*storage.MemStore{a, b} {
		require.NoError(t, s.InsertDurable(ctx, ledger.NewEntry(acct("x"), []byte("1"))))
	}
	diffs, err := compareStores(ctx, a, b)
	require.NoError(t, err)
	assert.Zero(t, diffs)

	require.NoError(t, b.UpdateDurable(ctx, ledger.NewEntry(acct("x"), []byte("2"))))
	require.NoError(t, b.InsertDurable(ctx, ledger.NewEntry(acct("y"), []byte("3"))))
	diffs, err = compareStores(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, diffs)
}

func TestCheckpointerFollowsInterval(t *testing.T) {
	dir := t.TempDir()
	mem, err := storage.OpenMemStore(storage.MemStoreConfig{
		WALPath:     filepath.Join(dir, "wal", "entries.wal"),
		SnapshotDir: filepath.Join(dir, "snapshots"),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer mem.Close()

	before := mem.GetMetrics().LastCheckpoint
	c := &checkpointer{store: mem, every: 2, logger: zerolog.Nop()}
	c.LedgerClosed(&execution.ClosedLedger{Header: ledger.Header{Seq: 1}})
	assert.Equal(t, before, mem.GetMetrics().LastCheckpoint)
	c.LedgerClosed(&execution.ClosedLedger{Header: ledger.Header{Seq: 2}})
	assert.NotEqual(t, before, mem.GetMetrics().LastCheckpoint)
}

func TestKeysIssueAndRevoke(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "keys", "issue", "alice", "--data-dir", dir, "--log-level", "error")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	require.Len(t, key, 36)

	keys, err := api.NewFileAPIKeyStore(dir)
	require.NoError(t, err)
	sub, err := keys.GetAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub.Name)

	_, err = run(t, "keys", "revoke", key, "--data-dir", dir, "--log-level", "error")
	require.NoError(t, err)
	_, err = keys.GetAPIKey(key)
	assert.Error(t, err)
}
