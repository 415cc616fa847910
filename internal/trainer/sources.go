package trainer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"candle-trainer/internal/common"
	"candle-trainer/internal/eval"
	"candle-trainer/internal/stream"
)

// trainStream is the training generator, optionally read ahead on a
// background goroutine.
type trainStream struct {
	gen      *stream.Generator
	source   stream.Source
	prefetch *stream.Prefetcher
}

func (ts *trainStream) Next(ctx context.Context) (stream.Batch, error) {
	return ts.source.Next(ctx)
}

func (ts *trainStream) Columns() []string {
	return ts.gen.Columns()
}

func (ts *trainStream) Close() error {
	if ts.prefetch != nil {
		ts.prefetch.Close()
	}
	if err := ts.gen.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close training source")
	}
	log.Debug().
		Int64("rows", ts.gen.RowsYielded()).
		Int64("batches", ts.gen.BatchesYielded()).
		Int64("dropped", ts.gen.RowsDropped()).
		Int("passes", ts.gen.Passes()).
		Msg("Training stream closed")
	return nil
}

func (t *Trainer) trainSource(ctx context.Context) (*trainStream, error) {
	s := t.settings
	gen, err := stream.New(stream.Config{
		Name:          "train",
		Files:         s.TrainFiles,
		ChunkSize:     s.ChunkSize,
		BatchSize:     s.TrainBatchSize,
		Schema:        s.Schema,
		FirstFileOnly: s.FirstFileOnly,
		Open:          t.opts.Open,
		BlobOptions:   s.BlobOptions(),
		Metrics:       t.streamMetrics("train"),
	})
	if err != nil {
		return nil, fmt.Errorf("train stream: %w", err)
	}

	ts := &trainStream{gen: gen, source: gen}
	if s.Distributed {
		ts.prefetch = stream.Prefetch(ctx, gen, common.DefaultPrefetchDepth)
		ts.source = ts.prefetch
	}
	return ts, nil
}

// evalSourceFactory builds a fresh evaluation generator per evaluation,
// pinned to the feature columns the training stream resolved.
func (t *Trainer) evalSourceFactory(columns []string) eval.SourceFactory {
	s := t.settings
	return func(ctx context.Context) (stream.Source, error) {
		gen, err := stream.New(stream.Config{
			Name:          "eval",
			Files:         s.EvalFiles,
			ChunkSize:     s.ChunkSize,
			BatchSize:     s.EvalBatchSize,
			Schema:        s.Schema,
			FirstFileOnly: s.FirstFileOnly,
			Columns:       columns,
			Open:          t.opts.Open,
			BlobOptions:   s.BlobOptions(),
			Metrics:       t.streamMetrics("eval"),
		})
		if err != nil {
			return nil, err
		}
		return gen, nil
	}
}

// peeked replays one batch that was read ahead of the epoch loop.
type peeked struct {
	src   stream.Source
	first *stream.Batch
}

func (p *peeked) Next(ctx context.Context) (stream.Batch, error) {
	if p.first != nil {
		b := *p.first
		p.first = nil
		return b, nil
	}
	return p.src.Next(ctx)
}
