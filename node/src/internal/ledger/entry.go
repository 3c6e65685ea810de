// Package ledger holds the state-mutation core of a ledger node: the entry
// data model, the ChangeSet that records creates, updates and deletes made
// by one execution scope, and the canonical meta serialization of a
// ChangeSet's net effect.
package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

const (
	// MaxIDLength bounds the natural key of an entry.
	MaxIDLength = 64
	// MaxBodySize bounds the content of an entry.
	MaxBodySize = 64 * 1024
)

// EntryType is the kind of a ledger entry.
type EntryType uint32

const (
	EntryTypeAccount EntryType = iota
	EntryTypeTrustLine
	EntryTypeOffer
	EntryTypeData
)

var entryTypeNames = map[EntryType]string{
	EntryTypeAccount:   "account",
	EntryTypeTrustLine: "trustline",
	EntryTypeOffer:     "offer",
	EntryTypeData:      "data",
}

// EntryTypes lists every known entry type in ascending order.
func EntryTypes() []EntryType {
	return []EntryType{EntryTypeAccount, EntryTypeTrustLine, EntryTypeOffer, EntryTypeData}
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	_, ok := entryTypeNames[t]
	return ok
}

func (t EntryType) String() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EntryType(%d)", uint32(t))
}

// ParseEntryType maps a type name back to its EntryType.
func ParseEntryType(name string) (EntryType, error) {
	for t, n := range entryTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "unknown entry type %q", name)
}

func (t EntryType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "unknown entry type %d", uint32(t))
	}
	return json.Marshal(t.String())
}

func (t *EntryType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseEntryType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EntryKey is the canonical identity of one ledger entry. It is a value type
// and may be used as a map key. ID holds the raw bytes of the natural key.
type EntryKey struct {
	Type EntryType
	ID   string
}

// NewEntryKey builds a key from a type and raw id bytes.
func NewEntryKey(t EntryType, id []byte) EntryKey {
	return EntryKey{Type: t, ID: string(id)}
}

// Bytes returns the canonical encoding of the key.
func (k EntryKey) Bytes() []byte {
	var buf bytes.Buffer
	writeKey(&buf, k)
	return buf.Bytes()
}

// Compare orders keys by their canonical encoding.
func (k EntryKey) Compare(other EntryKey) int {
	return bytes.Compare(k.Bytes(), other.Bytes())
}

func (k EntryKey) String() string {
	return k.Type.String() + "/" + hex.EncodeToString([]byte(k.ID))
}

// Validate checks the key bounds.
func (k EntryKey) Validate() error {
	if !k.Type.Valid() {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "unknown entry type %d", uint32(k.Type))
	}
	if len(k.ID) == 0 {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "empty id for %s entry", k.Type)
	}
	if len(k.ID) > MaxIDLength {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "id of %d bytes exceeds %d", len(k.ID), MaxIDLength)
	}
	return nil
}

type entryKeyJSON struct {
	Type EntryType `json:"type"`
	ID   string    `json:"id"`
}

func (k EntryKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryKeyJSON{Type: k.Type, ID: hex.EncodeToString([]byte(k.ID))})
}

func (k *EntryKey) UnmarshalJSON(b []byte) error {
	var v entryKeyJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	id, err := hex.DecodeString(v.ID)
	if err != nil {
		return ledgerErr.New(ledgerErr.ErrorTypeValidation, "entry id is not hex", err)
	}
	*k = EntryKey{Type: v.Type, ID: string(id)}
	return nil
}

// SortKeys sorts keys in canonical order.
func SortKeys(keys []EntryKey) {
	encoded := make(map[EntryKey][]byte, len(keys))
	for _, k := range keys {
		encoded[k] = k.Bytes()
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(encoded[keys[i]], encoded[keys[j]]) < 0
	})
}

// Entry is an immutable snapshot of the content stored under one key.
type Entry struct {
	Key          EntryKey `json:"key"`
	LastModified uint32   `json:"last_modified"`
	Body         []byte   `json:"body"`
}

// NewEntry returns an entry holding its own copy of body.
func NewEntry(key EntryKey, body []byte) Entry {
	return Entry{Key: key, Body: bytes.Clone(body)}
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.Body = bytes.Clone(e.Body)
	return e
}

// WithLastModified returns a copy of e stamped with the given ledger sequence.
func (e Entry) WithLastModified(seq uint32) Entry {
	c := e.Clone()
	c.LastModified = seq
	return c
}

// Equal reports whether two entries have identical content.
func (e Entry) Equal(other Entry) bool {
	return e.Key == other.Key && e.LastModified == other.LastModified && bytes.Equal(e.Body, other.Body)
}

// Validate checks content bounds. Callers validate before recording; the
// ChangeSet itself never inspects content.
func (e Entry) Validate() error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	if len(e.Body) > MaxBodySize {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "body of %d bytes exceeds %d", len(e.Body), MaxBodySize)
	}
	return nil
}

// Bytes returns the canonical encoding of the entry.
func (e Entry) Bytes() []byte {
	var buf bytes.Buffer
	writeEntry(&buf, e)
	return buf.Bytes()
}
