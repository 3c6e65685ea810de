package storage

import (
	"context"
	"fmt"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// EntryStore is the durable home of ledger entries. Every method fails with
// an error of type STORAGE on a backend fault, which includes inserting an
// existing key and updating or deleting a missing one.
type EntryStore interface {
	Exists(ctx context.Context, key ledger.EntryKey) (bool, error)
	Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error)
	InsertDurable(ctx context.Context, entry ledger.Entry) error
	UpdateDurable(ctx context.Context, entry ledger.Entry) error
	DeleteDurable(ctx context.Context, key ledger.EntryKey) error
}

// Transactional is implemented by stores that can apply a group of writes
// atomically. If fn returns an error none of its writes are kept.
type Transactional interface {
	RunInTx(ctx context.Context, fn func(tx EntryStore) error) error
}

// Lister is implemented by stores that can enumerate their entries.
type Lister interface {
	Entries(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error)
}

func storageError(op string, key ledger.EntryKey, err error) error {
	return ledgerErr.New(ledgerErr.ErrorTypeStorage, fmt.Sprintf("%s %s", op, key), err)
}

func wrapStorage(op string, err error) error {
	return ledgerErr.New(ledgerErr.ErrorTypeStorage, op, err)
}

func errExists(key ledger.EntryKey) error {
	return ledgerErr.Newf(ledgerErr.ErrorTypeStorage, "insert %s: entry already exists", key)
}

func errMissing(op string, key ledger.EntryKey) error {
	return ledgerErr.Newf(ledgerErr.ErrorTypeStorage, "%s %s: entry does not exist", op, key)
}

// ApplyMeta writes a meta stream onto store. Live records insert or update,
// dead records delete. When store is Transactional the whole stream is
// applied atomically.
func ApplyMeta(ctx context.Context, store EntryStore, records []ledger.MetaRecord) error {
	apply := func(s EntryStore) error {
		for _, r := range records {
			if err := applyRecord(ctx, s, r); err != nil {
				return err
			}
		}
		return nil
	}
	if tx, ok := store.(Transactional); ok {
		return tx.RunInTx(ctx, apply)
	}
	return apply(store)
}

func applyRecord(ctx context.Context, s EntryStore, r ledger.MetaRecord) error {
	switch r.Kind {
	case ledger.MetaLive:
		exists, err := s.Exists(ctx, r.Entry.Key)
		if err != nil {
			return err
		}
		if exists {
			return s.UpdateDurable(ctx, r.Entry)
		}
		return s.InsertDurable(ctx, r.Entry)
	case ledger.MetaDead:
		return s.DeleteDurable(ctx, r.Key)
	}
	return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "unknown meta kind %d", uint32(r.Kind))
}

// WriteChanges makes the net effect of a root ChangeSet durable: deletes
// first, then creates, then updates.
func WriteChanges(ctx context.Context, store EntryStore, cs *ledger.ChangeSet) error {
	for _, k := range cs.DeletedKeys() {
		if err := store.DeleteDurable(ctx, k); err != nil {
			return err
		}
	}
	for _, e := range cs.NewEntries() {
		if err := store.InsertDurable(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range cs.ModifiedEntries() {
		if err := store.UpdateDurable(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
