package storage

import (
	"context"
	"time"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// OpObserver receives the outcome of every store call.
type OpObserver interface {
	ObserveStorageOp(op string, took time.Duration, err error)
}

// Instrumented wraps an EntryStore and reports every call to an observer.
// It is Transactional whether or not the wrapped store is; without backend
// transactions RunInTx simply runs fn against the wrapper.
type Instrumented struct {
	inner    EntryStore
	observer OpObserver
}

// NewInstrumented wraps inner.
func NewInstrumented(inner EntryStore, observer OpObserver) *Instrumented {
	return &Instrumented{inner: inner, observer: observer}
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() EntryStore {
	return s.inner
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.observer.ObserveStorageOp(op, time.Since(start), err)
}

func (s *Instrumented) Exists(ctx context.Context, key ledger.EntryKey) (ok bool, err error) {
	defer func(start time.Time) { s.observe("exists", start, err) }(time.Now())
	return s.inner.Exists(ctx, key)
}

func (s *Instrumented) Load(ctx context.Context, key ledger.EntryKey) (e ledger.Entry, ok bool, err error) {
	defer func(start time.Time) { s.observe("load", start, err) }(time.Now())
	return s.inner.Load(ctx, key)
}

func (s *Instrumented) InsertDurable(ctx context.Context, entry ledger.Entry) (err error) {
	defer func(start time.Time) { s.observe("insert", start, err) }(time.Now())
	return s.inner.InsertDurable(ctx, entry)
}

func (s *Instrumented) UpdateDurable(ctx context.Context, entry ledger.Entry) (err error) {
	defer func(start time.Time) { s.observe("update", start, err) }(time.Now())
	return s.inner.UpdateDurable(ctx, entry)
}

func (s *Instrumented) DeleteDurable(ctx context.Context, key ledger.EntryKey) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	return s.inner.DeleteDurable(ctx, key)
}

func (s *Instrumented) RunInTx(ctx context.Context, fn func(tx EntryStore) error) (err error) {
	defer func(start time.Time) { s.observe("tx", start, err) }(time.Now())
	inner, ok := s.inner.(Transactional)
	if !ok {
		return fn(s)
	}
	return inner.RunInTx(ctx, func(tx EntryStore) error {
		return fn(&Instrumented{inner: tx, observer: s.observer})
	})
}

// Entries forwards to the wrapped store when it can list entries.
func (s *Instrumented) Entries(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	if l, ok := s.inner.(Lister); ok {
		return l.Entries(ctx, t)
	}
	return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "store %T cannot list entries", s.inner)
}
