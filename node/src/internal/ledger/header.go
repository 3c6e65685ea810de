package ledger

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"time"
)

// Header summarizes one closed ledger. Each header commits to its
// predecessor through PrevHash and to the ledger's changes through MetaHash.
type Header struct {
	Seq       uint32 `json:"seq"`
	PrevHash  Hash   `json:"prev_hash"`
	TxSetHash Hash   `json:"tx_set_hash"`
	MetaHash  Hash   `json:"meta_hash"`
	CloseTime int64  `json:"close_time"`
	TxCount   uint32 `json:"tx_count"`
}

// Genesis is the header of the empty ledger every node starts from.
func Genesis() Header {
	return Header{}
}

// Bytes returns the canonical encoding of the header.
func (h Header) Bytes() []byte {
	var buf bytes.Buffer
	writeUint32(&buf, h.Seq)
	buf.Write(h.PrevHash[:])
	buf.Write(h.TxSetHash[:])
	buf.Write(h.MetaHash[:])
	writeUint64(&buf, uint64(h.CloseTime))
	writeUint32(&buf, h.TxCount)
	return buf.Bytes()
}

// Hash returns the ledger hash.
func (h Header) Hash() Hash {
	return sha256.Sum256(h.Bytes())
}

// ClosedAt returns the close time as a time.Time.
func (h Header) ClosedAt() time.Time {
	return time.Unix(h.CloseTime, 0).UTC()
}

// ParseHeader decodes a canonical header encoding.
func ParseHeader(b []byte) (Header, error) {
	d := &decoder{r: bytes.NewReader(b)}
	var h Header
	var err error
	if h.Seq, err = d.uint32(); err != nil {
		return Header{}, err
	}
	for _, dst := range []*Hash{&h.PrevHash, &h.TxSetHash, &h.MetaHash} {
		if _, err := io.ReadFull(d.r, dst[:]); err != nil {
			return Header{}, fmt.Errorf("read hash: %w", err)
		}
	}
	ct, err := d.uint64()
	if err != nil {
		return Header{}, err
	}
	h.CloseTime = int64(ct)
	if h.TxCount, err = d.uint32(); err != nil {
		return Header{}, err
	}
	if d.r.Len() != 0 {
		return Header{}, fmt.Errorf("%d trailing bytes after header", d.r.Len())
	}
	return h, nil
}
