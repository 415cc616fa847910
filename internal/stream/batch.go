// Package stream turns headerless CSV sources into an endless sequence of
// fixed-size (features, labels) batches.
package stream

import "context"

// Batch is a block of encoded rows. Features has shape [n, feature_count]
// and Labels has shape [n, label_count].
type Batch struct {
	Features [][]float64
	Labels   [][]float64
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return len(b.Features)
}

// Source yields batches one at a time. Next blocks until a batch is ready.
type Source interface {
	Next(ctx context.Context) (Batch, error)
}

// MetricsInterface defines the counters a generator reports to. A nil
// MetricsInterface disables reporting.
type MetricsInterface interface {
	RowsReadAdd(float64)
	RowsDroppedAdd(float64)
	SchemaDriftInc()
	SourceRestartsInc()
}
