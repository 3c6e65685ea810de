package execution

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// TxResultCode is the outcome of a whole transaction.
type TxResultCode string

const (
	TxSuccess          TxResultCode = "success"
	TxFailed           TxResultCode = "failed"
	TxMissingOperation TxResultCode = "missing_operation"
)

// Transaction is an ordered list of operations applied all-or-nothing.
type Transaction struct {
	Source     string      `json:"source"`
	Memo       string      `json:"memo,omitempty"`
	Operations []Operation `json:"operations"`
}

// TxResult reports a transaction's outcome and, up to the first failure,
// the outcome of each operation.
type TxResult struct {
	TxID      ledger.Hash    `json:"tx_id"`
	Code      TxResultCode   `json:"code"`
	OpResults []OpResultCode `json:"op_results,omitempty"`
}

// Bytes returns the canonical encoding of the transaction: source and memo
// as padded opaques, the operation count, then for each operation its type
// code followed by its entry or key encoding.
func (tx *Transaction) Bytes() []byte {
	var buf bytes.Buffer
	writeOpaque(&buf, []byte(tx.Source))
	writeOpaque(&buf, []byte(tx.Memo))
	writeUint32(&buf, uint32(len(tx.Operations)))
	for _, op := range tx.Operations {
		code, ok := opTypeCodes[op.Type]
		if !ok {
			code = ^uint32(0)
		}
		writeUint32(&buf, code)
		switch {
		case op.Type == OpDelete && op.Key != nil:
			buf.Write(op.Key.Bytes())
		case op.Entry != nil:
			buf.Write(op.Entry.Bytes())
		}
	}
	return buf.Bytes()
}

// ID is the SHA-256 of the canonical encoding.
func (tx *Transaction) ID() ledger.Hash {
	return sha256.Sum256(tx.Bytes())
}

// Apply runs the transaction inside a child of ledgerScope. Each operation
// gets its own scope, merged on success. The first failing operation
// discards its scope and the transaction scope. The returned error is
// fatal for the ledger close.
func (tx *Transaction) Apply(ctx context.Context, ledgerScope *Scope) (TxResult, error) {
	res := TxResult{TxID: tx.ID()}
	if len(tx.Operations) == 0 {
		res.Code = TxMissingOperation
		return res, nil
	}

	txScope := ledgerScope.Child()
	for i, op := range tx.Operations {
		opScope := txScope.Child()
		code, err := op.Apply(ctx, opScope)
		if err != nil {
			opScope.Discard()
			txScope.Discard()
			return TxResult{}, fmt.Errorf("tx %s op %d: %w", res.TxID, i, err)
		}
		res.OpResults = append(res.OpResults, code)
		if code != OpSuccess {
			opScope.Discard()
			txScope.Discard()
			res.Code = TxFailed
			return res, nil
		}
		if err := opScope.Commit(); err != nil {
			txScope.Discard()
			return TxResult{}, fmt.Errorf("tx %s op %d: %w", res.TxID, i, err)
		}
	}
	if err := txScope.Commit(); err != nil {
		return TxResult{}, fmt.Errorf("tx %s: %w", res.TxID, err)
	}
	res.Code = TxSuccess
	return res, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeOpaque(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}
