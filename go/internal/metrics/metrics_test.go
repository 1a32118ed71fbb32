package metrics

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollectors(t *testing.T) {
	is := is.New(t)
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.RecordTransaction(OutcomeCommitted, 3, 10*time.Millisecond)
	m.RecordTransaction(OutcomeConflict, 1, time.Millisecond)
	m.RecordMirror(MirrorPromote, true)
	m.RecordSweep(4, 1, time.Second)
	m.RecordOutboxLag(7)

	is.Equal(testutil.ToFloat64(m.transactions.WithLabelValues(OutcomeCommitted)), float64(1))
	is.Equal(testutil.ToFloat64(m.mirrorActions.WithLabelValues(MirrorPromote, "success")), float64(1))
	is.Equal(testutil.ToFloat64(m.sweepRecords.WithLabelValues("deleted")), float64(4))
	is.Equal(testutil.ToFloat64(m.outboxLag), float64(7))
}

func TestNoOpSatisfiesCollector(t *testing.T) {
	var c Collector = NoOp{}
	c.RecordTransaction(OutcomeCommitted, 1, 0)
}
