package shared

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of a node. Collectors live on an
// explicit registry so tests can build as many nodes as they like.
type Metrics struct {
	Registry *prometheus.Registry

	ChangeSetRecords    *prometheus.CounterVec
	Merges              prometheus.Counter
	InvariantViolations prometheus.Counter

	LedgerCloses  *prometheus.CounterVec
	CloseDuration prometheus.Histogram
	MetaSize      prometheus.Gauge
	LastClosedSeq prometheus.Gauge
	Transactions  *prometheus.CounterVec

	StorageOps    *prometheus.HistogramVec
	StorageErrors *prometheus.CounterVec

	FeedDropped     prometheus.Counter
	FollowerApplied prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers the node collectors on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ChangeSetRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudledger_changeset_records_total",
			Help: "Mutations recorded into change sets, by kind",
		}, []string{"kind"}),
		Merges: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudledger_changeset_merges_total",
			Help: "Child scopes merged into their parent",
		}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudledger_invariant_violations_total",
			Help: "Illegal mutation sequences detected",
		}),
		LedgerCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudledger_ledger_closes_total",
			Help: "Ledger close attempts, by outcome",
		}, []string{"outcome"}),
		CloseDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudledger_ledger_close_duration_seconds",
			Help:    "Duration of successful ledger closes",
			Buckets: prometheus.DefBuckets,
		}),
		MetaSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cloudledger_last_meta_bytes",
			Help: "Size of the meta stream of the last closed ledger",
		}),
		LastClosedSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cloudledger_last_closed_ledger",
			Help: "Sequence of the last closed ledger",
		}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudledger_transactions_total",
			Help: "Applied transactions, by result",
		}, []string{"result"}),
		StorageOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudledger_storage_operation_duration_seconds",
			Help:    "Duration of entry store calls",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"operation"}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudledger_storage_errors_total",
			Help: "Failed entry store calls",
		}, []string{"operation"}),
		FeedDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudledger_feed_dropped_total",
			Help: "Closed-ledger events dropped for slow subscribers",
		}),
		FollowerApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "cloudledger_follower_applied_total",
			Help: "Ledgers applied from a leader",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudledger_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// ObserveStorageOp records one entry store call.
func (m *Metrics) ObserveStorageOp(op string, took time.Duration, err error) {
	m.StorageOps.WithLabelValues(op).Observe(took.Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(op).Inc()
	}
}
