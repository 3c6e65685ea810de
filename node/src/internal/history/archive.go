// Package history keeps the archive of closed ledgers: for every sequence
// the encoded meta stream and a JSON record with the header and the
// transaction results.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

const infoFile = "archive_info.json"

// Record is the JSON side file of one archived ledger.
type Record struct {
	Header  ledger.Header   `json:"header"`
	Hash    ledger.Hash     `json:"hash"`
	Results json.RawMessage `json:"results,omitempty"`
}

type archiveInfo struct {
	Latest uint32 `json:"latest"`
}

// Archive is a directory of closed ledgers. Ledgers are appended strictly
// in sequence.
type Archive struct {
	dir    string
	mu     sync.RWMutex
	latest uint32
	logger zerolog.Logger
}

// Open opens or creates the archive in dir.
func Open(dir string, logger zerolog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	a := &Archive{dir: dir, logger: logger.With().Str("component", "history").Logger()}

	b, err := os.ReadFile(filepath.Join(dir, infoFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read archive info: %w", err)
	default:
		var info archiveInfo
		if err := json.Unmarshal(b, &info); err != nil {
			return nil, fmt.Errorf("decode archive info: %w", err)
		}
		a.latest = info.Latest
	}
	return a, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

func (a *Archive) metaPath(seq uint32) string {
	return filepath.Join(a.dir, fmt.Sprintf("ledger-%09d.meta", seq))
}

func (a *Archive) recordPath(seq uint32) string {
	return filepath.Join(a.dir, fmt.Sprintf("ledger-%09d.json", seq))
}

// Put archives one closed ledger. header.Seq must directly follow the
// latest archived ledger and meta must hash to header.MetaHash.
func (a *Archive) Put(header ledger.Header, meta []byte, results []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if header.Seq != a.latest+1 {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "archive expects ledger %d, got %d", a.latest+1, header.Seq)
	}
	if ledger.MetaHash(meta) != header.MetaHash {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "meta of ledger %d does not match its header", header.Seq)
	}

	rec, err := json.MarshalIndent(Record{Header: header, Hash: header.Hash(), Results: results}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	if err := writeFileAtomic(a.metaPath(header.Seq), meta); err != nil {
		return err
	}
	if err := writeFileAtomic(a.recordPath(header.Seq), rec); err != nil {
		return err
	}
	info, _ := json.Marshal(archiveInfo{Latest: header.Seq})
	if err := writeFileAtomic(filepath.Join(a.dir, infoFile), info); err != nil {
		return err
	}
	a.latest = header.Seq

	a.logger.Debug().
		Uint32("seq", header.Seq).
		Str("meta", humanize.Bytes(uint64(len(meta)))).
		Msg("ledger archived")
	return nil
}

// Latest returns the newest archived header, or the genesis header and
// false when the archive is empty.
func (a *Archive) Latest() (ledger.Header, bool, error) {
	a.mu.RLock()
	seq := a.latest
	a.mu.RUnlock()

	if seq == 0 {
		return ledger.Genesis(), false, nil
	}
	h, err := a.Header(seq)
	if err != nil {
		return ledger.Header{}, false, err
	}
	return h, true, nil
}

// LatestSeq returns the newest archived sequence, 0 when empty.
func (a *Archive) LatestSeq() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Record returns the JSON side file of ledger seq.
func (a *Archive) Record(seq uint32) (Record, error) {
	b, err := os.ReadFile(a.recordPath(seq))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "ledger %d is not archived", seq)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read ledger %d: %w", seq, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode ledger %d: %w", seq, err)
	}
	if rec.Header.Hash() != rec.Hash {
		return Record{}, ledgerErr.Newf(ledgerErr.ErrorTypeInternal, "ledger %d record hash mismatch", seq)
	}
	return rec, nil
}

// Header returns the header of ledger seq.
func (a *Archive) Header(seq uint32) (ledger.Header, error) {
	if seq == 0 {
		return ledger.Genesis(), nil
	}
	rec, err := a.Record(seq)
	if err != nil {
		return ledger.Header{}, err
	}
	return rec.Header, nil
}

// Results returns the raw JSON transaction results of ledger seq.
func (a *Archive) Results(seq uint32) (json.RawMessage, error) {
	rec, err := a.Record(seq)
	if err != nil {
		return nil, err
	}
	return rec.Results, nil
}

// Meta returns the encoded meta stream of ledger seq.
func (a *Archive) Meta(seq uint32) ([]byte, error) {
	b, err := os.ReadFile(a.metaPath(seq))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "ledger %d is not archived", seq)
	}
	if err != nil {
		return nil, fmt.Errorf("read meta %d: %w", seq, err)
	}
	return b, nil
}

// Replay walks ledgers from..to, checking that every meta stream matches
// its header and that every header links to its predecessor. When store is
// not nil each ledger's meta is applied to it. It returns the last header
// visited.
func (a *Archive) Replay(ctx context.Context, store storage.EntryStore, from, to uint32) (ledger.Header, error) {
	if from == 0 {
		from = 1
	}
	if latest := a.LatestSeq(); to == 0 || to > latest {
		to = latest
	}
	prev, err := a.Header(from - 1)
	if err != nil {
		return ledger.Header{}, err
	}

	start := time.Now()
	records := 0
	for seq := from; seq <= to; seq++ {
		if err := ctx.Err(); err != nil {
			return prev, ledgerErr.New(ledgerErr.ErrorTypeTimeout, "replay interrupted", err)
		}
		h, err := a.Header(seq)
		if err != nil {
			return prev, err
		}
		if h.PrevHash != prev.Hash() {
			return prev, ledgerErr.Newf(ledgerErr.ErrorTypeInternal, "ledger %d does not link to ledger %d", seq, prev.Seq)
		}
		meta, err := a.Meta(seq)
		if err != nil {
			return prev, err
		}
		if ledger.MetaHash(meta) != h.MetaHash {
			return prev, ledgerErr.Newf(ledgerErr.ErrorTypeInternal, "meta hash mismatch at ledger %d", seq)
		}
		if store != nil {
			recs, err := ledger.UnmarshalMeta(meta)
			if err != nil {
				return prev, fmt.Errorf("ledger %d: %w", seq, err)
			}
			if err := storage.ApplyMeta(ctx, store, recs); err != nil {
				return prev, fmt.Errorf("apply ledger %d: %w", seq, err)
			}
			records += len(recs)
		}
		prev = h
	}

	a.logger.Info().
		Uint32("from", from).
		Uint32("to", to).
		Str("records", humanize.Comma(int64(records))).
		Dur("took", time.Since(start)).
		Msg("replay finished")
	return prev, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
