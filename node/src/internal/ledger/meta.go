package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// MetaKind tags a meta record.
type MetaKind uint32

const (
	MetaLive MetaKind = 0
	MetaDead MetaKind = 1
)

func (k MetaKind) String() string {
	switch k {
	case MetaLive:
		return "live"
	case MetaDead:
		return "dead"
	}
	return fmt.Sprintf("MetaKind(%d)", uint32(k))
}

// MetaRecord is one element of the serialized net effect of a ChangeSet.
// Live records carry the full entry, dead records only the key.
type MetaRecord struct {
	Kind  MetaKind
	Entry Entry
	Key   EntryKey
}

// LiveRecord builds a live record for e.
func LiveRecord(e Entry) MetaRecord {
	return MetaRecord{Kind: MetaLive, Entry: e.Clone(), Key: e.Key}
}

// DeadRecord builds a dead record for k.
func DeadRecord(k EntryKey) MetaRecord {
	return MetaRecord{Kind: MetaDead, Key: k}
}

type metaRecordJSON struct {
	Kind  string    `json:"kind"`
	Entry *Entry    `json:"entry,omitempty"`
	Key   *EntryKey `json:"key,omitempty"`
}

func (r MetaRecord) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case MetaLive:
		e := r.Entry
		return json.Marshal(metaRecordJSON{Kind: "live", Entry: &e})
	case MetaDead:
		k := r.Key
		return json.Marshal(metaRecordJSON{Kind: "dead", Key: &k})
	}
	return nil, fmt.Errorf("unknown meta kind %d", uint32(r.Kind))
}

func (r *MetaRecord) UnmarshalJSON(b []byte) error {
	var v metaRecordJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch {
	case v.Kind == "live" && v.Entry != nil:
		*r = LiveRecord(*v.Entry)
	case v.Kind == "dead" && v.Key != nil:
		*r = DeadRecord(*v.Key)
	default:
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "malformed meta record of kind %q", v.Kind)
	}
	return nil
}

// SerializeMeta renders the net effect of cs: a live record for every new
// and modified key, then a dead record for every deleted key. Both groups
// are ordered by canonical key encoding, so two ChangeSets with the same
// contents always produce the same sequence.
func SerializeMeta(cs *ChangeSet) []MetaRecord {
	live := make([]Entry, 0, len(cs.newEntries)+len(cs.modifiedEntries))
	for _, e := range cs.newEntries {
		live = append(live, e)
	}
	for _, e := range cs.modifiedEntries {
		live = append(live, e)
	}
	enc := make(map[EntryKey][]byte, len(live))
	for _, e := range live {
		enc[e.Key] = e.Key.Bytes()
	}
	sort.Slice(live, func(i, j int) bool {
		return bytes.Compare(enc[live[i].Key], enc[live[j].Key]) < 0
	})

	records := make([]MetaRecord, 0, cs.Len())
	for _, e := range live {
		records = append(records, LiveRecord(e))
	}
	for _, k := range cs.DeletedKeys() {
		records = append(records, DeadRecord(k))
	}
	return records
}

// MarshalMeta encodes records as a meta stream: a uint32 record count
// followed by the records, each a uint32 kind and then the canonical entry
// (live) or key (dead) encoding.
func MarshalMeta(records []MetaRecord) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(records)))
	for i, r := range records {
		switch r.Kind {
		case MetaLive:
			writeUint32(&buf, uint32(MetaLive))
			writeEntry(&buf, r.Entry)
		case MetaDead:
			writeUint32(&buf, uint32(MetaDead))
			writeKey(&buf, r.Key)
		default:
			return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "record %d has unknown kind %d", i, uint32(r.Kind))
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalMeta decodes a meta stream produced by MarshalMeta.
func UnmarshalMeta(b []byte) ([]MetaRecord, error) {
	d := &decoder{r: bytes.NewReader(b)}
	count, err := d.uint32()
	if err != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "decode meta count", err)
	}
	// every record is at least a kind, a type and an id length
	if int64(count)*12 > int64(d.r.Len()) {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "meta count %d exceeds stream size", count)
	}
	records := make([]MetaRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		kind, err := d.uint32()
		if err != nil {
			return nil, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, fmt.Sprintf("decode record %d", i), err)
		}
		switch MetaKind(kind) {
		case MetaLive:
			e, err := d.entry()
			if err != nil {
				return nil, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, fmt.Sprintf("decode live record %d", i), err)
			}
			records = append(records, MetaRecord{Kind: MetaLive, Entry: e, Key: e.Key})
		case MetaDead:
			k, err := d.key()
			if err != nil {
				return nil, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, fmt.Sprintf("decode dead record %d", i), err)
			}
			records = append(records, DeadRecord(k))
		default:
			return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "record %d has unknown kind %d", i, kind)
		}
	}
	if d.r.Len() != 0 {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "%d trailing bytes after meta stream", d.r.Len())
	}
	return records, nil
}

// Hash is a SHA-256 digest.
type Hash [sha256.Size]byte

// MetaHash returns the digest nodes compare to agree on a ledger's changes.
func MetaHash(stream []byte) Hash {
	return sha256.Sum256(stream)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "hash is not hex", err)
	}
	if len(raw) != len(h) {
		return h, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "hash has %d bytes, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}
