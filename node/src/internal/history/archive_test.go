package history

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

func acct(id string) ledger.EntryKey {
	return ledger.EntryKey{Type: ledger.EntryTypeAccount, ID: id}
}

// closeOne builds the next header and meta for a change set.
func closeOne(t *testing.T, prev ledger.Header, cs *ledger.ChangeSet) (ledger.Header, []byte) {
	t.Helper()
	records, err := cs.Serialize()
	require.NoError(t, err)
	meta, err := ledger.MarshalMeta(records)
	require.NoError(t, err)
	return ledger.Header{
		Seq:       prev.Seq + 1,
		PrevHash:  prev.Hash(),
		MetaHash:  ledger.MetaHash(meta),
		CloseTime: int64(1700000000 + prev.Seq),
	}, meta
}

func buildArchive(t *testing.T) (*Archive, []ledger.Header) {
	t.Helper()
	a, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	var headers []ledger.Header
	prev := ledger.Genesis()

	cs1 := ledger.NewChangeSet()
	require.NoError(t, cs1.RecordCreate(ledger.Entry{Key: acct("a"), LastModified: 1, Body: []byte("10")}))
	require.NoError(t, cs1.RecordCreate(ledger.Entry{Key: acct("b"), LastModified: 1, Body: []byte("20")}))
	h1, m1 := closeOne(t, prev, cs1)
	require.NoError(t, a.Put(h1, m1, []byte(`[{"code":"success"}]`)))
	headers = append(headers, h1)

	cs2 := ledger.NewChangeSet()
	require.NoError(t, cs2.RecordUpdate(ledger.Entry{Key: acct("a"), LastModified: 2, Body: []byte("11")}))
	require.NoError(t, cs2.RecordDelete(acct("b")))
	h2, m2 := closeOne(t, h1, cs2)
	require.NoError(t, a.Put(h2, m2, nil))
	headers = append(headers, h2)

	return a, headers
}

func TestArchivePutAndRead(t *testing.T) {
	a, headers := buildArchive(t)

	latest, ok, err := a.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, headers[1], latest)

	h1, err := a.Header(1)
	require.NoError(t, err)
	assert.Equal(t, headers[0].Hash(), h1.Hash())

	results, err := a.Results(1)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"code":"success"}]`, string(results))

	meta, err := a.Meta(2)
	require.NoError(t, err)
	assert.Equal(t, headers[1].MetaHash, ledger.MetaHash(meta))

	_, err = a.Header(3)
	assert.True(t, ledgerErr.IsNotFound(err))
	_, err = a.Meta(3)
	assert.True(t, ledgerErr.IsNotFound(err))
}

func TestArchiveRejectsGapsAndBadMeta(t *testing.T) {
	a, headers := buildArchive(t)

	gap := ledger.Header{Seq: 5, PrevHash: headers[1].Hash()}
	err := a.Put(gap, nil, nil)
	assert.True(t, ledgerErr.IsInvalidInput(err))

	next := ledger.Header{Seq: 3, PrevHash: headers[1].Hash(), MetaHash: ledger.MetaHash([]byte("x"))}
	err = a.Put(next, []byte("y"), nil)
	assert.True(t, ledgerErr.IsInvalidInput(err))
	assert.Equal(t, uint32(2), a.LatestSeq())
}

func TestArchiveReopenResumes(t *testing.T) {
	a, headers := buildArchive(t)

	reopened, err := Open(a.Dir(), zerolog.Nop())
	require.NoError(t, err)
	latest, ok, err := reopened.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, headers[1].Hash(), latest.Hash())
}

func TestEmptyArchiveLatestIsGenesis(t *testing.T) {
	a, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	h, ok, err := a.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ledger.Genesis(), h)
}

func TestReplayRebuildsState(t *testing.T) {
	ctx := context.Background()
	a, headers := buildArchive(t)
	store := storage.NewMemStore(nil, nil, zerolog.Nop())

	last, err := a.Replay(ctx, store, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, headers[1], last)

	got, ok, err := store.Load(ctx, acct("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("11"), got.Body)
	ok, err = store.Exists(ctx, acct("b"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayDetectsTamperedMeta(t *testing.T) {
	a, _ := buildArchive(t)
	require.NoError(t, os.WriteFile(a.metaPath(2), []byte{0, 0, 0, 0}, 0o644))

	_, err := a.Replay(context.Background(), nil, 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meta hash mismatch at ledger 2")
}

func TestReplayHonoursCancellation(t *testing.T) {
	a, _ := buildArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Replay(ctx, nil, 1, 2)
	assert.True(t, ledgerErr.IsTimeout(err))
}
