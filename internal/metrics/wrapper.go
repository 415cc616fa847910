package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

// MetricsWrapper adapts Metrics to the narrow interfaces used by the
// checkpoint store, the evaluator and the training driver.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) ExportsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ExportsTotal}
}

func (w *MetricsWrapper) ErrorsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

// Stream returns the input pipeline metrics for one source.
func (w *MetricsWrapper) Stream(source string) *StreamMetrics {
	return &StreamMetrics{
		read:     w.m.RowsRead.WithLabelValues(source),
		dropped:  w.m.RowsDropped.WithLabelValues(source),
		drift:    w.m.SchemaDrift.WithLabelValues(source),
		restarts: w.m.SourceRestarts.WithLabelValues(source),
	}
}

// EpochCompleted records a finished epoch. epoch is 0-based.
func (w *MetricsWrapper) EpochCompleted(epoch, steps int, loss, mae float64, d time.Duration) {
	w.m.EpochsTotal.Inc()
	w.m.TrainSteps.Add(float64(steps))
	w.m.CurrentEpoch.Set(float64(epoch + 1))
	w.m.TrainLoss.Set(loss)
	w.m.TrainMAE.Set(mae)
	w.m.EpochDuration.Observe(d.Seconds())
}

func (w *MetricsWrapper) CheckpointWritesInc()       { w.m.CheckpointWrites.Inc() }
func (w *MetricsWrapper) CheckpointPropagationsInc() { w.m.CheckpointPropagations.Inc() }
func (w *MetricsWrapper) CheckpointErrorsInc()       { w.m.CheckpointErrors.Inc() }

func (w *MetricsWrapper) EvaluationsInc()        { w.m.Evaluations.Inc() }
func (w *MetricsWrapper) EvaluationsSkippedInc() { w.m.EvaluationsSkipped.Inc() }
func (w *MetricsWrapper) EvalFailuresInc()       { w.m.EvalFailures.Inc() }

// EvaluationCompleted records the loss and wall time of an evaluation.
func (w *MetricsWrapper) EvaluationCompleted(loss float64, d time.Duration) {
	w.m.ValLoss.Set(loss)
	w.m.EvalDuration.Observe(d.Seconds())
}

// StreamMetrics implements the generator's metrics interface for one source.
type StreamMetrics struct {
	read, dropped, drift, restarts prometheus.Counter
}

func (s *StreamMetrics) RowsReadAdd(v float64)    { s.read.Add(v) }
func (s *StreamMetrics) RowsDroppedAdd(v float64) { s.dropped.Add(v) }
func (s *StreamMetrics) SchemaDriftInc()          { s.drift.Inc() }
func (s *StreamMetrics) SourceRestartsInc()       { s.restarts.Inc() }

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}
