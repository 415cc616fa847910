// Package metrics provides Prometheus metrics collection for the trainer.
// It defines the training, input pipeline, checkpoint and evaluation metrics
// that are exposed via the Prometheus metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const sourceLabel = "source"

// Metrics holds all Prometheus metrics for a training run.
type Metrics struct {
	// Training metrics
	EpochsTotal   prometheus.Counter   // Completed epochs
	TrainSteps    prometheus.Counter   // Optimizer steps taken
	CurrentEpoch  prometheus.Gauge     // 1-based number of the last completed epoch
	TrainLoss     prometheus.Gauge     // Training MSE of the last epoch
	TrainMAE      prometheus.Gauge     // Training MAE of the last epoch
	EpochDuration prometheus.Histogram // Wall time per epoch

	// Input pipeline metrics, labelled by source (train or eval)
	RowsRead       *prometheus.CounterVec // Raw CSV rows read
	RowsDropped    *prometheus.CounterVec // Rows dropped for missing or malformed values
	SchemaDrift    *prometheus.CounterVec // Chunks reindexed to the established schema
	SourceRestarts *prometheus.CounterVec // Wrap-arounds to the first source file

	// Checkpoint metrics
	CheckpointWrites       prometheus.Counter
	CheckpointPropagations prometheus.Counter
	CheckpointErrors       prometheus.Counter

	// Evaluation metrics
	Evaluations        prometheus.Counter
	EvaluationsSkipped prometheus.Counter
	EvalFailures       prometheus.Counter
	ValLoss            prometheus.Gauge
	EvalDuration       prometheus.Histogram

	ExportsTotal prometheus.Counter
	ErrorsTotal  prometheus.Counter
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		EpochsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "train_epochs_total",
			Help: "Total number of completed training epochs",
		}),
		TrainSteps: factory.NewCounter(prometheus.CounterOpts{
			Name: "train_steps_total",
			Help: "Total number of optimizer steps",
		}),
		CurrentEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "train_current_epoch",
			Help: "Number of the last completed epoch",
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "train_loss",
			Help: "Training loss (MSE) of the last completed epoch",
		}),
		TrainMAE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "train_mae",
			Help: "Training mean absolute error of the last completed epoch",
		}),
		EpochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "train_epoch_duration_seconds",
			Help:    "Wall time of a training epoch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		RowsRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "input_rows_read_total",
			Help: "Total number of raw CSV rows read",
		}, []string{sourceLabel}),
		RowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "input_rows_dropped_total",
			Help: "Total number of rows dropped for missing or malformed values",
		}, []string{sourceLabel}),
		SchemaDrift: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "input_schema_drift_total",
			Help: "Total number of chunks whose encoded columns differed from the established schema",
		}, []string{sourceLabel}),
		SourceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "input_source_restarts_total",
			Help: "Total number of times a stream wrapped around to its first file",
		}, []string{sourceLabel}),
		CheckpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_writes_total",
			Help: "Total number of checkpoints written",
		}),
		CheckpointPropagations: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_propagations_total",
			Help: "Total number of checkpoints copied to the remote destination",
		}),
		CheckpointErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_errors_total",
			Help: "Total number of failed checkpoint writes or copies",
		}),
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "eval_runs_total",
			Help: "Total number of completed evaluations",
		}),
		EvaluationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eval_skipped_total",
			Help: "Total number of scheduled evaluations skipped for lack of a checkpoint",
		}),
		EvalFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "eval_failures_total",
			Help: "Total number of evaluations that failed",
		}),
		ValLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eval_loss",
			Help: "Loss of the most recent evaluation",
		}),
		EvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eval_duration_seconds",
			Help:    "Wall time of an evaluation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		ExportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "exports_total",
			Help: "Total number of exported models",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
