package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Operations recorded in the log.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	// OpCommit closes a batch. Recovery ignores batch records that are not
	// followed by their commit marker.
	OpCommit = "COMMIT"
)

// WALEntry represents a single write-ahead log record. Key and Value hold
// canonical ledger encodings so the log never depends on Go struct layout.
type WALEntry struct {
	Operation string
	Batch     uint64
	Key       []byte
	Value     []byte
	Timestamp int64
}

// WALWriter defines the interface for WAL operations
type WALWriter interface {
	Append(entry *WALEntry) error
	Sync() error
	Truncate() error
	Close() error
}

// FileWAL implements WALWriter on a single append-only file. Every record
// is framed as a big-endian length, a CRC32 of the payload and a gob
// payload, so a torn tail left by a crash is detected and dropped.
type FileWAL struct {
	path     string
	file     *os.File
	syncMode bool
	mu       sync.Mutex

	entries atomic.Int64
	bytes   atomic.Int64
}

// NewFileWAL opens or creates the log at path. With syncMode every Append
// is followed by an fsync.
func NewFileWAL(path string, syncMode bool) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	return &FileWAL{
		path:     path,
		file:     file,
		syncMode: syncMode,
	}, nil
}

// Path returns the file backing the log.
func (w *FileWAL) Path() string {
	return w.path
}

// Append writes a new entry to the WAL
func (w *FileWAL) Append(entry *WALEntry) error {
	frame, err := encodeFrame(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	w.entries.Add(1)
	w.bytes.Add(int64(len(frame)))

	if w.syncMode {
		return w.file.Sync()
	}
	return nil
}

// Sync ensures all buffered data is written to disk
func (w *FileWAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Truncate discards every record. It is called once the state the log
// protects has been captured by a snapshot.
func (w *FileWAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	w.bytes.Store(0)
	return w.file.Sync()
}

// Close closes the WAL file
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}

// Stats returns the number of records appended since open and the current
// size of the log in bytes.
func (w *FileWAL) Stats() (entries, size int64) {
	return w.entries.Load(), w.bytes.Load()
}

func encodeFrame(entry *WALEntry) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode wal record: %w", err)
	}
	frame := make([]byte, 8, 8+payload.Len())
	binary.BigEndian.PutUint32(frame[0:4], uint32(payload.Len()))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload.Bytes()))
	return append(frame, payload.Bytes()...), nil
}

// ReadAll returns every intact record in the log at path. A missing file
// yields no records. Reading stops at the first torn or corrupt frame.
func ReadAll(path string) ([]*WALEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []*WALEntry
	for {
		var head [8]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return out, nil
		}
		size := binary.BigEndian.Uint32(head[0:4])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return out, nil
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(head[4:8]) {
			return out, nil
		}
		var entry WALEntry
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&entry); err != nil {
			return out, nil
		}
		out = append(out, &entry)
	}
}

// Committed filters records down to the batches that reached their commit
// marker, in log order, without the markers themselves.
func Committed(entries []*WALEntry) []*WALEntry {
	pending := make(map[uint64][]*WALEntry)
	var out []*WALEntry
	for _, e := range entries {
		if e.Operation == OpCommit {
			out = append(out, pending[e.Batch]...)
			delete(pending, e.Batch)
			continue
		}
		pending[e.Batch] = append(pending[e.Batch], e)
	}
	return out
}
