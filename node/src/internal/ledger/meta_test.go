package ledger

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

func TestSerializeOrdersLiveThenDead(t *testing.T) {
	cs := NewChangeSet()
	require.NoError(t, cs.RecordUpdate(val(acct("C"), "c")))
	require.NoError(t, cs.RecordDelete(acct("Z")))
	require.NoError(t, cs.RecordCreate(val(acct("B"), "b")))
	require.NoError(t, cs.RecordDelete(acct("A")))
	require.NoError(t, cs.RecordCreate(val(EntryKey{Type: EntryTypeAccount, ID: "AA"}, "aa")))

	records, err := cs.Serialize()
	require.NoError(t, err)
	require.Len(t, records, 5)

	// ids are length-prefixed, so the single byte ids sort first
	assert.Equal(t, MetaLive, records[0].Kind)
	assert.Equal(t, acct("B"), records[0].Entry.Key)
	assert.Equal(t, acct("C"), records[1].Entry.Key)
	assert.Equal(t, "AA", records[2].Entry.Key.ID)
	assert.Equal(t, DeadRecord(acct("A")), records[3])
	assert.Equal(t, DeadRecord(acct("Z")), records[4])
}

func TestSerializeDeterministicAcrossInsertionOrder(t *testing.T) {
	keys := []EntryKey{
		acct("alice"), acct("bob"), {Type: EntryTypeOffer, ID: "o1"},
		{Type: EntryTypeTrustLine, ID: "bob:USD"}, {Type: EntryTypeData, ID: "cfg"},
		acct("carol"), acct("dave"),
	}

	build := func(order []int) []byte {
		cs := NewChangeSet()
		for _, i := range order {
			k := keys[i]
			var err error
			switch i % 3 {
			case 0:
				err = cs.RecordCreate(val(k, k.ID))
			case 1:
				err = cs.RecordUpdate(val(k, k.ID+"!"))
			default:
				err = cs.RecordDelete(k)
			}
			require.NoError(t, err)
		}
		records, err := cs.Serialize()
		require.NoError(t, err)
		b, err := MarshalMeta(records)
		require.NoError(t, err)
		return b
	}

	forward := build([]int{0, 1, 2, 3, 4, 5, 6})
	backward := build([]int{6, 5, 4, 3, 2, 1, 0})
	shuffled := build([]int{3, 0, 6, 2, 5, 1, 4})

	assert.Equal(t, forward, backward)
	assert.Equal(t, forward, shuffled)
	assert.Equal(t, MetaHash(forward), MetaHash(shuffled))
}

func TestMarshalMetaLayout(t *testing.T) {
	records := []MetaRecord{
		LiveRecord(Entry{Key: acct("A"), LastModified: 7, Body: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}),
		DeadRecord(EntryKey{Type: EntryTypeData, ID: "xy"}),
	}
	b, err := MarshalMeta(records)
	require.NoError(t, err)

	want := "00000002" + // count
		"00000000" + // live
		"00000000" + "00000001" + "41000000" + // account, len 1, "A" + pad
		"00000007" + // last modified
		"00000005" + "0102030405000000" + // body + pad
		"00000001" + // dead
		"00000003" + "00000002" + "78790000" // data, len 2, "xy" + pad
	assert.Equal(t, want, hex.EncodeToString(b))
}

func TestUnmarshalMetaRoundTrip(t *testing.T) {
	cs := NewChangeSet()
	require.NoError(t, cs.RecordCreate(Entry{Key: acct("A"), LastModified: 3, Body: []byte("hello")}))
	require.NoError(t, cs.RecordUpdate(Entry{Key: acct("B"), LastModified: 3}))
	require.NoError(t, cs.RecordDelete(acct("C")))
	records, err := cs.Serialize()
	require.NoError(t, err)

	b, err := MarshalMeta(records)
	require.NoError(t, err)
	decoded, err := UnmarshalMeta(b)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.True(t, decoded[0].Entry.Equal(records[0].Entry))
	assert.Equal(t, acct("B"), decoded[1].Key)
	assert.Equal(t, records[2], decoded[2])

	again, err := MarshalMeta(decoded)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestUnmarshalMetaRejectsMalformedStreams(t *testing.T) {
	valid, err := MarshalMeta([]MetaRecord{DeadRecord(acct("A"))})
	require.NoError(t, err)

	tests := []struct {
		name   string
		stream []byte
	}{
		{"empty", nil},
		{"trailing bytes", append(append([]byte{}, valid...), 0, 0, 0, 0)},
		{"truncated", valid[:len(valid)-2]},
		{"bad kind", mustHex(t, "00000001"+"00000002"+"00000000"+"00000001"+"41000000")},
		{"unknown entry type", mustHex(t, "00000001"+"00000001"+"00000009"+"00000001"+"41000000")},
		{"non-zero padding", mustHex(t, "00000001"+"00000001"+"00000000"+"00000001"+"41000001")},
		{"count too large", mustHex(t, "7fffffff")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMeta(tt.stream)
			require.Error(t, err)
			assert.True(t, ledgerErr.IsInvalidInput(err))
		})
	}
}

func TestMetaRecordJSON(t *testing.T) {
	records := []MetaRecord{
		LiveRecord(Entry{Key: acct("A"), LastModified: 2, Body: []byte("x")}),
		DeadRecord(EntryKey{Type: EntryTypeOffer, ID: "o"}),
	}
	b, err := json.Marshal(records)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"kind":"live","entry":{"key":{"type":"account","id":"41"},"last_modified":2,"body":"eA=="}},
		{"kind":"dead","key":{"type":"offer","id":"6f"}}
	]`, string(b))

	var decoded []MetaRecord
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, records, decoded)

	var bad MetaRecord
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"live"}`), &bad))
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
