package shared

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsOnSeparateRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.LedgerCloses.WithLabelValues("success").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.LedgerCloses.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LedgerCloses.WithLabelValues("success")))
}

func TestObserveStorageOp(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveStorageOp("insert", time.Millisecond, nil)
	m.ObserveStorageOp("insert", time.Millisecond, errors.New("disk"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageErrors.WithLabelValues("insert")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StorageOps))
}
