package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storeContract(t, openSQLite(t, filepath.Join(t.TempDir(), "a.db")))
	txContract(t, openSQLite(t, filepath.Join(t.TempDir(), "b.db")))
}

func TestSQLiteTableNames(t *testing.T) {
	assert.Equal(t, "accounts", tableName(ledger.EntryTypeAccount))
	assert.Equal(t, "offers", tableName(ledger.EntryTypeOffer))
	assert.Equal(t, "trustlines", tableName(ledger.EntryTypeTrustLine))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	offer := ledger.Entry{Key: ledger.EntryKey{Type: ledger.EntryTypeOffer, ID: "\x00\x01"}, LastModified: 4, Body: []byte("sell")}
	require.NoError(t, first.InsertDurable(ctx, offer))
	require.NoError(t, first.InsertDurable(ctx, entry("bb", "2", 1)))
	require.NoError(t, first.InsertDurable(ctx, entry("c", "3", 1)))
	require.NoError(t, first.Close())

	second := openSQLite(t, path)
	got, ok, err := second.Load(ctx, offer.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, offer.Equal(got))

	accounts, err := second.Entries(ctx, ledger.EntryTypeAccount)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "c", accounts[0].Key.ID)
	assert.Equal(t, "bb", accounts[1].Key.ID)
}
