package ledger

import (
	"bytes"
	"sort"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// KeyState is what a ChangeSet knows about one key.
type KeyState int

const (
	// KeyUntouched means the ChangeSet has no record of the key; the state
	// visible to the parent scope applies.
	KeyUntouched KeyState = iota
	// KeyLive means the key was created or updated in this scope.
	KeyLive
	// KeyDead means the key was deleted in this scope.
	KeyDead
)

func (s KeyState) String() string {
	switch s {
	case KeyLive:
		return "live"
	case KeyDead:
		return "dead"
	default:
		return "untouched"
	}
}

type lifecycle int

const (
	active lifecycle = iota
	consumed
	discarded
)

// ChangeSet records the creates, updates and deletes made by one execution
// scope relative to the state visible to its parent. A key is held by at
// most one of the three containers at any time.
//
// A ChangeSet is not safe for concurrent use. Scopes nest by call depth and
// are driven by a single goroutine.
type ChangeSet struct {
	newEntries      map[EntryKey]Entry
	modifiedEntries map[EntryKey]Entry
	deletedEntries  map[EntryKey]struct{}

	state    lifecycle
	poisoned error
}

// NewChangeSet returns an empty scope.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		newEntries:      make(map[EntryKey]Entry),
		modifiedEntries: make(map[EntryKey]Entry),
		deletedEntries:  make(map[EntryKey]struct{}),
	}
}

func (cs *ChangeSet) usable() error {
	switch {
	case cs.poisoned != nil:
		return ledgerErr.New(ledgerErr.ErrorTypeInvariantViolation, "change set is poisoned", cs.poisoned)
	case cs.state == consumed:
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, "change set was already merged")
	case cs.state == discarded:
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, "change set was discarded")
	}
	return nil
}

func (cs *ChangeSet) violation(format string, args ...any) error {
	err := ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, format, args...)
	cs.poisoned = err
	return err
}

// Poisoned returns the first invariant violation raised by this scope, if any.
func (cs *ChangeSet) Poisoned() error {
	return cs.poisoned
}

// RecordCreate records that entry was created. Creating a key deleted
// earlier in the same scope nets to an update.
func (cs *ChangeSet) RecordCreate(entry Entry) error {
	if err := cs.usable(); err != nil {
		return err
	}
	key := entry.Key
	if _, ok := cs.deletedEntries[key]; ok {
		delete(cs.deletedEntries, key)
		cs.modifiedEntries[key] = entry.Clone()
		return nil
	}
	if _, ok := cs.newEntries[key]; ok {
		return cs.violation("create of %s which is already new", key)
	}
	if _, ok := cs.modifiedEntries[key]; ok {
		return cs.violation("create of %s which is already modified", key)
	}
	cs.newEntries[key] = entry.Clone()
	return nil
}

// RecordDelete records that key was deleted. Deleting a key created in the
// same scope cancels both records.
func (cs *ChangeSet) RecordDelete(key EntryKey) error {
	if err := cs.usable(); err != nil {
		return err
	}
	if _, ok := cs.newEntries[key]; ok {
		delete(cs.newEntries, key)
		return nil
	}
	if _, ok := cs.deletedEntries[key]; ok {
		return cs.violation("delete of %s which is already deleted", key)
	}
	delete(cs.modifiedEntries, key)
	cs.deletedEntries[key] = struct{}{}
	return nil
}

// RecordUpdate records the latest value of an existing entry.
func (cs *ChangeSet) RecordUpdate(entry Entry) error {
	if err := cs.usable(); err != nil {
		return err
	}
	key := entry.Key
	if _, ok := cs.modifiedEntries[key]; ok {
		cs.modifiedEntries[key] = entry.Clone()
		return nil
	}
	if _, ok := cs.newEntries[key]; ok {
		cs.newEntries[key] = entry.Clone()
		return nil
	}
	if _, ok := cs.deletedEntries[key]; ok {
		return cs.violation("update of %s which is deleted", key)
	}
	cs.modifiedEntries[key] = entry.Clone()
	return nil
}

// Discard drops the scope without merging it anywhere. Every later call on
// the ChangeSet fails.
func (cs *ChangeSet) Discard() {
	if cs.state == active {
		cs.state = discarded
	}
	cs.newEntries = nil
	cs.modifiedEntries = nil
	cs.deletedEntries = nil
}

// Lookup reports what this scope alone knows about key. For KeyLive the
// returned entry is a private copy.
func (cs *ChangeSet) Lookup(key EntryKey) (Entry, KeyState) {
	if e, ok := cs.newEntries[key]; ok {
		return e.Clone(), KeyLive
	}
	if e, ok := cs.modifiedEntries[key]; ok {
		return e.Clone(), KeyLive
	}
	if _, ok := cs.deletedEntries[key]; ok {
		return Entry{}, KeyDead
	}
	return Entry{}, KeyUntouched
}

// Len returns the number of keys touched by the scope.
func (cs *ChangeSet) Len() int {
	return len(cs.newEntries) + len(cs.modifiedEntries) + len(cs.deletedEntries)
}

// NewEntries returns copies of the created entries in canonical key order.
func (cs *ChangeSet) NewEntries() []Entry {
	return sortedEntries(cs.newEntries)
}

// ModifiedEntries returns copies of the updated entries in canonical key order.
func (cs *ChangeSet) ModifiedEntries() []Entry {
	return sortedEntries(cs.modifiedEntries)
}

// DeletedKeys returns the deleted keys in canonical key order.
func (cs *ChangeSet) DeletedKeys() []EntryKey {
	keys := make([]EntryKey, 0, len(cs.deletedEntries))
	for k := range cs.deletedEntries {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Equal reports whether two ChangeSets hold the same three containers.
func (cs *ChangeSet) Equal(other *ChangeSet) bool {
	if len(cs.newEntries) != len(other.newEntries) ||
		len(cs.modifiedEntries) != len(other.modifiedEntries) ||
		len(cs.deletedEntries) != len(other.deletedEntries) {
		return false
	}
	for k, e := range cs.newEntries {
		o, ok := other.newEntries[k]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	for k, e := range cs.modifiedEntries {
		o, ok := other.modifiedEntries[k]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	for k := range cs.deletedEntries {
		if _, ok := other.deletedEntries[k]; !ok {
			return false
		}
	}
	return true
}

// Serialize renders the net effect of the scope as meta records.
func (cs *ChangeSet) Serialize() ([]MetaRecord, error) {
	if err := cs.usable(); err != nil {
		return nil, err
	}
	return SerializeMeta(cs), nil
}

func sortedEntries(m map[EntryKey]Entry) []Entry {
	type keyed struct {
		enc   []byte
		entry Entry
	}
	items := make([]keyed, 0, len(m))
	for k, e := range m {
		items = append(items, keyed{enc: k.Bytes(), entry: e})
	}
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].enc, items[j].enc) < 0
	})
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.entry.Clone()
	}
	return out
}
