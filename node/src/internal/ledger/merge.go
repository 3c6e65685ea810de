package ledger

import (
	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// Merge folds a completed child scope into cs and consumes the child.
//
// The child's records are replayed through cs's own Record calls: all
// deletes, then all creates, then all updates, each group in canonical key
// order. A delete followed by a create of the same key in the child thus
// collapses through the same rules as if both calls had been made on cs
// directly, however deep the nesting.
func (cs *ChangeSet) Merge(child *ChangeSet) error {
	if err := cs.usable(); err != nil {
		return err
	}
	if child == nil || child == cs {
		return cs.violation("merge of a change set into itself or nil")
	}
	if err := child.usable(); err != nil {
		cs.poisoned = ledgerErr.New(ledgerErr.ErrorTypeInvariantViolation, "merge of unusable child", err)
		return cs.poisoned
	}

	deletes := child.DeletedKeys()
	creates := child.NewEntries()
	updates := child.ModifiedEntries()

	child.state = consumed
	child.newEntries = nil
	child.modifiedEntries = nil
	child.deletedEntries = nil

	for _, k := range deletes {
		if err := cs.RecordDelete(k); err != nil {
			return err
		}
	}
	for _, e := range creates {
		if err := cs.RecordCreate(e); err != nil {
			return err
		}
	}
	for _, e := range updates {
		if err := cs.RecordUpdate(e); err != nil {
			return err
		}
	}
	return nil
}
