package execution

import (
	"context"
	"encoding/json"
	"fmt"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// OpType names what an operation does to its entry.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpUpsert OpType = "upsert"
)

var opTypeCodes = map[OpType]uint32{OpCreate: 0, OpUpdate: 1, OpDelete: 2, OpUpsert: 3}

// OpResultCode is the business outcome of one operation.
type OpResultCode string

const (
	OpSuccess       OpResultCode = "success"
	OpMalformed     OpResultCode = "malformed"
	OpAlreadyExists OpResultCode = "already_exists"
	OpNotFound      OpResultCode = "not_found"
)

// Operation is one elementary mutation. Create, update and upsert carry an
// Entry; delete carries a Key.
type Operation struct {
	Type  OpType           `json:"type"`
	Entry *ledger.Entry    `json:"entry,omitempty"`
	Key   *ledger.EntryKey `json:"key,omitempty"`
}

// Create, Update, Upsert and Delete build operations.
func Create(e ledger.Entry) Operation { return Operation{Type: OpCreate, Entry: &e} }
func Update(e ledger.Entry) Operation { return Operation{Type: OpUpdate, Entry: &e} }
func Upsert(e ledger.Entry) Operation { return Operation{Type: OpUpsert, Entry: &e} }
func Delete(k ledger.EntryKey) Operation {
	return Operation{Type: OpDelete, Key: &k}
}

// target returns the key the operation touches.
func (op Operation) target() (ledger.EntryKey, bool) {
	switch {
	case op.Type == OpDelete && op.Key != nil:
		return *op.Key, true
	case op.Type != OpDelete && op.Entry != nil:
		return op.Entry.Key, true
	}
	return ledger.EntryKey{}, false
}

// validate checks the operation shape and content bounds. Its errors are
// ValidationErrors and map to OpMalformed.
func (op Operation) validate() error {
	if _, ok := opTypeCodes[op.Type]; !ok {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "unknown operation type %q", op.Type)
	}
	key, ok := op.target()
	if !ok {
		return ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "%s operation without its target", op.Type)
	}
	if op.Type == OpDelete {
		return key.Validate()
	}
	return op.Entry.Validate()
}

// Apply runs the operation against scope. Business outcomes come back as a
// result code; the error is reserved for faults that must abort the ledger
// close.
func (op Operation) Apply(ctx context.Context, scope *Scope) (OpResultCode, error) {
	if err := op.validate(); err != nil {
		return OpMalformed, nil
	}
	key, _ := op.target()

	exists, err := scope.Exists(ctx, key)
	if err != nil {
		return "", err
	}

	switch op.Type {
	case OpCreate:
		if exists {
			return OpAlreadyExists, nil
		}
		err = scope.StoreAdd(ctx, *op.Entry)
	case OpUpdate:
		if !exists {
			return OpNotFound, nil
		}
		err = scope.StoreChange(ctx, *op.Entry)
	case OpDelete:
		if !exists {
			return OpNotFound, nil
		}
		err = scope.StoreDelete(ctx, key)
	case OpUpsert:
		err = scope.StoreAddOrChange(ctx, *op.Entry)
	}
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", op.Type, key, err)
	}
	return OpSuccess, nil
}

func (op Operation) String() string {
	if key, ok := op.target(); ok {
		return fmt.Sprintf("%s(%s)", op.Type, key)
	}
	b, _ := json.Marshal(op)
	return string(b)
}
