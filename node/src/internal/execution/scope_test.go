package execution

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

func acct(id string) ledger.EntryKey {
	return ledger.EntryKey{Type: ledger.EntryTypeAccount, ID: id}
}

func body(key ledger.EntryKey, b string) ledger.Entry {
	return ledger.NewEntry(key, []byte(b))
}

func seededStore(t *testing.T, entries ...ledger.Entry) *storage.MemStore {
	t.Helper()
	s := storage.NewMemStore(nil, nil, zerolog.Nop())
	for _, e := range entries {
		require.NoError(t, s.InsertDurable(context.Background(), e))
	}
	return s
}

func TestScopeReadsThroughChain(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, body(acct("a"), "1"), body(acct("b"), "2"))
	root := NewLedgerScope(store, 7, nil)

	require.NoError(t, root.StoreChange(ctx, body(acct("a"), "10")))
	child := root.Child()
	require.NoError(t, child.StoreDelete(ctx, acct("b")))
	grandchild := child.Child()

	e, ok, err := grandchild.Load(ctx, acct("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("10"), e.Body)
	assert.Equal(t, uint32(7), e.LastModified)

	ok, err = grandchild.Exists(ctx, acct("b"))
	require.NoError(t, err)
	assert.False(t, ok, "deleted in an ancestor")

	ok, err = root.Exists(ctx, acct("b"))
	require.NoError(t, err)
	assert.True(t, ok, "child changes are invisible to the parent")
}

func TestScopeMutationsCheckVisibleState(t *testing.T) {
	ctx := context.Background()
	metrics := shared.NewMetrics(nil)
	store := seededStore(t, body(acct("a"), "1"))
	s := NewLedgerScope(store, 2, metrics)

	err := s.StoreAdd(ctx, body(acct("a"), "x"))
	assert.True(t, ledgerErr.IsInvariantViolation(err))
	err = s.StoreChange(ctx, body(acct("zz"), "x"))
	assert.True(t, ledgerErr.IsInvariantViolation(err))
	err = s.StoreDelete(ctx, acct("zz"))
	assert.True(t, ledgerErr.IsInvariantViolation(err))

	require.NoError(t, s.StoreAddOrChange(ctx, body(acct("a"), "2")))
	require.NoError(t, s.StoreAddOrChange(ctx, body(acct("c"), "3")))
	assert.Len(t, s.Changes().ModifiedEntries(), 1)
	assert.Len(t, s.Changes().NewEntries(), 1)
}

func TestScopeDiscardLeavesParentUntouched(t *testing.T) {
	ctx := context.Background()
	root := NewLedgerScope(seededStore(t), 1, nil)
	require.NoError(t, root.StoreAdd(ctx, body(acct("a"), "1")))

	child := root.Child()
	require.NoError(t, child.StoreDelete(ctx, acct("a")))
	require.NoError(t, child.StoreAdd(ctx, body(acct("b"), "2")))
	child.Discard()

	assert.Equal(t, 1, root.Changes().Len())
	_, state := root.Changes().Lookup(acct("a"))
	assert.Equal(t, ledger.KeyLive, state)
	assert.Error(t, child.Commit(), "a discarded scope cannot be merged")
}

func TestScopeCommitMergesIntoParent(t *testing.T) {
	ctx := context.Background()
	root := NewLedgerScope(seededStore(t, body(acct("a"), "1")), 3, nil)

	child := root.Child()
	require.NoError(t, child.StoreDelete(ctx, acct("a")))
	require.NoError(t, child.StoreAdd(ctx, body(acct("a"), "again")))
	require.NoError(t, child.Commit())

	e, state := root.Changes().Lookup(acct("a"))
	assert.Equal(t, ledger.KeyLive, state)
	assert.Equal(t, []byte("again"), e.Body)
	assert.Len(t, root.Changes().ModifiedEntries(), 1, "delete then create of a stored entry is a modification")

	assert.True(t, ledgerErr.IsInvariantViolation(root.Commit()))
}
