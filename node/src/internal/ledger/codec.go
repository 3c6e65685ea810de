package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The canonical encoding follows XDR conventions: big-endian uint32 fields
// and variable-length opaque data prefixed by its length and zero-padded to
// a multiple of four bytes.

var zeroPad [4]byte

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeOpaque(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		buf.Write(zeroPad[:pad])
	}
}

func writeKey(buf *bytes.Buffer, k EntryKey) {
	writeUint32(buf, uint32(k.Type))
	writeOpaque(buf, []byte(k.ID))
}

func writeEntry(buf *bytes.Buffer, e Entry) {
	writeKey(buf, e.Key)
	writeUint32(buf, e.LastModified)
	writeOpaque(buf, e.Body)
}

type decoder struct {
	r *bytes.Reader
}

func (d *decoder) uint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (d *decoder) uint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (d *decoder) opaque(max int) ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(max) || int64(n) > int64(d.r.Len()) {
		return nil, fmt.Errorf("opaque length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, fmt.Errorf("read opaque: %w", err)
	}
	if pad := (4 - int(n)%4) % 4; pad > 0 {
		var p [4]byte
		if _, err := io.ReadFull(d.r, p[:pad]); err != nil {
			return nil, fmt.Errorf("read padding: %w", err)
		}
		if !bytes.Equal(p[:pad], zeroPad[:pad]) {
			return nil, fmt.Errorf("non-zero padding")
		}
	}
	return b, nil
}

func (d *decoder) key() (EntryKey, error) {
	t, err := d.uint32()
	if err != nil {
		return EntryKey{}, err
	}
	if !EntryType(t).Valid() {
		return EntryKey{}, fmt.Errorf("unknown entry type %d", t)
	}
	id, err := d.opaque(MaxIDLength)
	if err != nil {
		return EntryKey{}, err
	}
	return EntryKey{Type: EntryType(t), ID: string(id)}, nil
}

func (d *decoder) entry() (Entry, error) {
	k, err := d.key()
	if err != nil {
		return Entry{}, err
	}
	lm, err := d.uint32()
	if err != nil {
		return Entry{}, err
	}
	body, err := d.opaque(MaxBodySize)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: k, LastModified: lm, Body: body}, nil
}

// ParseKey decodes a canonical key encoding.
func ParseKey(b []byte) (EntryKey, error) {
	d := &decoder{r: bytes.NewReader(b)}
	k, err := d.key()
	if err != nil {
		return EntryKey{}, err
	}
	if d.r.Len() != 0 {
		return EntryKey{}, fmt.Errorf("%d trailing bytes after key", d.r.Len())
	}
	return k, nil
}

// ParseEntry decodes a canonical entry encoding.
func ParseEntry(b []byte) (Entry, error) {
	d := &decoder{r: bytes.NewReader(b)}
	e, err := d.entry()
	if err != nil {
		return Entry{}, err
	}
	if d.r.Len() != 0 {
		return Entry{}, fmt.Errorf("%d trailing bytes after entry", d.r.Len())
	}
	return e, nil
}
