// Package execution drives ledger closes: it applies transactions through
// a tree of scopes, each owning one ChangeSet, and makes the net effect of
// the root scope durable once every transaction has run.
package execution

import (
	"context"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

// Scope is one node of the execution tree: the ledger, a transaction or an
// operation. It owns its ChangeSet and knows its parent Scope, never the
// parent's containers. Reads see the scope's own changes, then each
// ancestor's, then the durable store. Writes only ever touch the scope's
// ChangeSet.
type Scope struct {
	parent  *Scope
	changes *ledger.ChangeSet
	store   storage.EntryStore
	seq     uint32
	metrics *shared.Metrics
}

// NewLedgerScope opens the root scope of the close of ledger seq.
func NewLedgerScope(store storage.EntryStore, seq uint32, metrics *shared.Metrics) *Scope {
	return &Scope{changes: ledger.NewChangeSet(), store: store, seq: seq, metrics: metrics}
}

// Child opens a nested scope.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, changes: ledger.NewChangeSet(), store: s.store, seq: s.seq, metrics: s.metrics}
}

// Seq is the sequence of the ledger being closed.
func (s *Scope) Seq() uint32 {
	return s.seq
}

// Changes exposes the scope's ChangeSet.
func (s *Scope) Changes() *ledger.ChangeSet {
	return s.changes
}

// Commit merges the scope into its parent. The scope is unusable afterwards.
func (s *Scope) Commit() error {
	if s.parent == nil {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, "commit of the ledger scope")
	}
	if err := s.parent.changes.Merge(s.changes); err != nil {
		s.countViolation(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.Merges.Inc()
	}
	return nil
}

// Discard drops every change recorded in the scope.
func (s *Scope) Discard() {
	s.changes.Discard()
}

// Load returns the entry visible to this scope under key.
func (s *Scope) Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	for sc := s; sc != nil; sc = sc.parent {
		switch e, state := sc.changes.Lookup(key); state {
		case ledger.KeyLive:
			return e, true, nil
		case ledger.KeyDead:
			return ledger.Entry{}, false, nil
		}
	}
	return s.store.Load(ctx, key)
}

// Exists reports whether key is visible to this scope.
func (s *Scope) Exists(ctx context.Context, key ledger.EntryKey) (bool, error) {
	for sc := s; sc != nil; sc = sc.parent {
		switch _, state := sc.changes.Lookup(key); state {
		case ledger.KeyLive:
			return true, nil
		case ledger.KeyDead:
			return false, nil
		}
	}
	return s.store.Exists(ctx, key)
}

// StoreAdd records the creation of an entry that must not be visible yet.
func (s *Scope) StoreAdd(ctx context.Context, e ledger.Entry) error {
	exists, err := s.Exists(ctx, e.Key)
	if err != nil {
		return err
	}
	if exists {
		return s.violation("add of existing entry %s", e.Key)
	}
	return s.record("create", s.changes.RecordCreate(e.WithLastModified(s.seq)))
}

// StoreChange records a new value for a visible entry.
func (s *Scope) StoreChange(ctx context.Context, e ledger.Entry) error {
	exists, err := s.Exists(ctx, e.Key)
	if err != nil {
		return err
	}
	if !exists {
		return s.violation("change of missing entry %s", e.Key)
	}
	return s.record("update", s.changes.RecordUpdate(e.WithLastModified(s.seq)))
}

// StoreDelete records the removal of a visible entry.
func (s *Scope) StoreDelete(ctx context.Context, key ledger.EntryKey) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return s.violation("delete of missing entry %s", key)
	}
	return s.record("delete", s.changes.RecordDelete(key))
}

// StoreAddOrChange adds e, or changes it when it is already visible.
func (s *Scope) StoreAddOrChange(ctx context.Context, e ledger.Entry) error {
	exists, err := s.Exists(ctx, e.Key)
	if err != nil {
		return err
	}
	if exists {
		return s.record("update", s.changes.RecordUpdate(e.WithLastModified(s.seq)))
	}
	return s.record("create", s.changes.RecordCreate(e.WithLastModified(s.seq)))
}

func (s *Scope) record(kind string, err error) error {
	if err != nil {
		s.countViolation(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.ChangeSetRecords.WithLabelValues(kind).Inc()
	}
	return nil
}

func (s *Scope) violation(format string, args ...any) error {
	err := ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, format, args...)
	s.countViolation(err)
	return err
}

func (s *Scope) countViolation(err error) {
	if s.metrics != nil && ledgerErr.IsInvariantViolation(err) {
		s.metrics.InvariantViolations.Inc()
	}
}
