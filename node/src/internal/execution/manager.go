package execution

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

// Archive is the part of the history archive the manager writes to.
type Archive interface {
	Put(header ledger.Header, meta []byte, results []byte) error
	Latest() (ledger.Header, bool, error)
}

// Observer is told about every ledger once it is durable. LedgerClosed is
// called with the manager lock held and must not block.
type Observer interface {
	LedgerClosed(cl *ClosedLedger)
}

// CloseData is the agreed input of one ledger close. A zero CloseTime
// takes the local clock.
type CloseData struct {
	CloseTime    int64         `json:"close_time,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

// ClosedLedger is the outcome of a close.
type ClosedLedger struct {
	Header  ledger.Header
	Meta    []byte
	Records []ledger.MetaRecord
	Results []TxResult
	// Changes is the root change set; nil for ledgers applied from a leader.
	Changes *ledger.ChangeSet
}

// Hash is the hash of the closed header.
func (cl *ClosedLedger) Hash() ledger.Hash {
	return cl.Header.Hash()
}

// ManagerOptions carries the optional collaborators of a Manager.
type ManagerOptions struct {
	Metrics *shared.Metrics
	Tracer  *shared.Tracer
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Manager closes ledgers one at a time on top of an EntryStore.
type Manager struct {
	mu        sync.Mutex
	store     storage.EntryStore
	archive   Archive
	lcl       ledger.Header
	halted    error
	observers []Observer

	metrics *shared.Metrics
	tracer  *shared.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager resumes from the latest archived ledger, or from genesis when
// archive is nil or empty.
func NewManager(store storage.EntryStore, archive Archive, opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		store:   store,
		archive: archive,
		lcl:     ledger.Genesis(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		logger:  opts.Logger.With().Str("component", "ledger").Logger(),
		now:     opts.Now,
	}
	if m.tracer == nil {
		m.tracer = shared.NoopTracer()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if archive != nil {
		h, ok, err := archive.Latest()
		if err != nil {
			return nil, fmt.Errorf("load last closed ledger: %w", err)
		}
		if ok {
			m.lcl = h
			m.logger.Info().Uint32("seq", h.Seq).Str("hash", h.Hash().String()).Msg("resumed from archive")
		}
	}
	if m.metrics != nil {
		m.metrics.LastClosedSeq.Set(float64(m.lcl.Seq))
	}
	return m, nil
}

// LastClosed returns the header of the last closed ledger.
func (m *Manager) LastClosed() ledger.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lcl
}

// Store returns the durable store the manager writes to.
func (m *Manager) Store() storage.EntryStore {
	return m.store
}

// Subscribe registers o for every later close.
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// TxSetHash hashes prev followed by the transaction IDs in apply order.
func TxSetHash(prev ledger.Hash, txs []Transaction) ledger.Hash {
	h := sha256.New()
	h.Write(prev[:])
	for i := range txs {
		id := txs[i].ID()
		h.Write(id[:])
	}
	var out ledger.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CloseLedger applies data on top of the last closed ledger and makes the
// result durable. On error nothing is written and the last closed ledger
// is unchanged.
func (m *Manager) CloseLedger(ctx context.Context, data CloseData) (*ClosedLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeInternal, "ledger manager halted", m.halted)
	}

	start := time.Now()
	seq := m.lcl.Seq + 1
	log := m.logger.With().Uint32("seq", seq).Str("attempt", uuid.NewString()).Logger()

	ctx, span := m.tracer.StartSpan(ctx, "ledger.close",
		attribute.Int64("ledger.seq", int64(seq)),
		attribute.Int("ledger.tx_count", len(data.Transactions)))
	defer span.End()

	cl, err := m.closeLocked(ctx, seq, data)
	if err != nil {
		span.RecordError(err)
		m.observeClose("aborted", start)
		log.Error().Err(err).Msg("ledger close aborted")
		return nil, err
	}

	m.observeClose("closed", start)
	if m.metrics != nil {
		m.metrics.MetaSize.Set(float64(len(cl.Meta)))
	}
	log.Info().
		Str("hash", cl.Hash().String()).
		Int("txs", len(cl.Results)).
		Int("records", len(cl.Records)).
		Str("meta", humanize.Bytes(uint64(len(cl.Meta)))).
		Dur("took", time.Since(start)).
		Msg("ledger closed")
	return cl, nil
}

func (m *Manager) closeLocked(ctx context.Context, seq uint32, data CloseData) (*ClosedLedger, error) {
	root := NewLedgerScope(m.store, seq, m.metrics)

	results := make([]TxResult, 0, len(data.Transactions))
	for i := range data.Transactions {
		tx := &data.Transactions[i]
		if err := ctx.Err(); err != nil {
			root.Discard()
			return nil, ledgerErr.New(ledgerErr.ErrorTypeTimeout, "ledger close interrupted", err)
		}
		var res TxResult
		err := m.tracer.Trace(ctx, "tx.apply", func(ctx context.Context) error {
			var err error
			res, err = tx.Apply(ctx, root)
			return err
		}, attribute.Int("tx.index", i))
		if err != nil {
			root.Discard()
			return nil, err
		}
		if m.metrics != nil {
			m.metrics.Transactions.WithLabelValues(string(res.Code)).Inc()
		}
		results = append(results, res)
	}

	records, err := root.Changes().Serialize()
	if err != nil {
		return nil, err
	}
	meta, err := ledger.MarshalMeta(records)
	if err != nil {
		return nil, err
	}

	closeTime := data.CloseTime
	if closeTime == 0 {
		closeTime = m.now().Unix()
	}
	header := ledger.Header{
		Seq:       seq,
		PrevHash:  m.lcl.Hash(),
		TxSetHash: TxSetHash(m.lcl.Hash(), data.Transactions),
		MetaHash:  ledger.MetaHash(meta),
		CloseTime: closeTime,
		TxCount:   uint32(len(data.Transactions)),
	}

	err = m.tracer.Trace(ctx, "storage.commit", func(ctx context.Context) error {
		return m.commit(ctx, root.Changes())
	}, attribute.Int("records", len(records)))
	if err != nil {
		return nil, err
	}

	cl := &ClosedLedger{Header: header, Meta: meta, Records: records, Results: results, Changes: root.Changes()}
	if err := m.publish(cl); err != nil {
		return nil, err
	}
	return cl, nil
}

func (m *Manager) commit(ctx context.Context, cs *ledger.ChangeSet) error {
	if tx, ok := m.store.(storage.Transactional); ok {
		return tx.RunInTx(ctx, func(s storage.EntryStore) error {
			return storage.WriteChanges(ctx, s, cs)
		})
	}
	return storage.WriteChanges(ctx, m.store, cs)
}

// publish archives a ledger whose entries are already durable, advances the
// last closed header and notifies observers. An archive failure halts the
// manager since the store has moved past the archive.
func (m *Manager) publish(cl *ClosedLedger) error {
	if m.archive != nil {
		results, err := json.Marshal(cl.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		if err := m.archive.Put(cl.Header, cl.Meta, results); err != nil {
			m.halted = fmt.Errorf("archive ledger %d: %w", cl.Header.Seq, err)
			return ledgerErr.New(ledgerErr.ErrorTypeStorage, "archive ledger", err)
		}
	}
	m.lcl = cl.Header
	if m.metrics != nil {
		m.metrics.LastClosedSeq.Set(float64(cl.Header.Seq))
	}
	for _, o := range m.observers {
		o.LedgerClosed(cl)
	}
	return nil
}

// ApplyClosed applies a ledger closed elsewhere. header must directly follow
// the last closed ledger and meta must hash to header.MetaHash.
func (m *Manager) ApplyClosed(ctx context.Context, header ledger.Header, meta []byte, results []TxResult) (*ClosedLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeInternal, "ledger manager halted", m.halted)
	}
	if header.Seq != m.lcl.Seq+1 {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "expected ledger %d, got %d", m.lcl.Seq+1, header.Seq)
	}
	if header.PrevHash != m.lcl.Hash() {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "ledger %d does not follow %s", header.Seq, m.lcl.Hash())
	}
	if ledger.MetaHash(meta) != header.MetaHash {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "meta of ledger %d does not match its header", header.Seq)
	}
	records, err := ledger.UnmarshalMeta(meta)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.StartSpan(ctx, "ledger.apply", attribute.Int64("ledger.seq", int64(header.Seq)))
	defer span.End()

	if err := storage.ApplyMeta(ctx, m.store, records); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("apply ledger %d: %w", header.Seq, err)
	}
	cl := &ClosedLedger{Header: header, Meta: meta, Records: records, Results: results}
	if err := m.publish(cl); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.FollowerApplied.Inc()
	}
	m.logger.Debug().Uint32("seq", header.Seq).Int("records", len(records)).Msg("ledger applied")
	return cl, nil
}

func (m *Manager) observeClose(outcome string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.LedgerCloses.WithLabelValues(outcome).Inc()
	m.metrics.CloseDuration.Observe(time.Since(start).Seconds())
}
