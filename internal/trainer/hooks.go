package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candle-trainer/internal/checkpoint"
	"candle-trainer/internal/common"
	"candle-trainer/internal/ml"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/storage"
)

// history appends every progress event of the run to logs/history.jsonl.
type history struct {
	f      *os.File
	logger zerolog.Logger
}

func newHistory(dir, runID string) (*history, error) {
	logsDir := filepath.Join(dir, common.LogsDir)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(logsDir, common.HistoryFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &history{
		f:      f,
		logger: zerolog.New(f).With().Timestamp().Str("run_id", runID).Logger(),
	}, nil
}

func (h *history) Path() string { return h.f.Name() }

func (h *history) Publish(ev progress.Event) {
	e := h.logger.Log().Str("type", ev.Type).Int("epoch", ev.Epoch)
	if ev.Loss != 0 {
		e = e.Float64("loss", ev.Loss)
	}
	if ev.MAE != 0 {
		e = e.Float64("mae", ev.MAE)
	}
	if ev.Checkpoint != "" {
		e = e.Str("checkpoint", ev.Checkpoint)
	}
	if ev.Path != "" {
		e = e.Str("path", ev.Path)
	}
	if ev.Message != "" {
		e = e.Str("message", ev.Message)
	}
	e.Send()
}

func (h *history) Close() error { return h.f.Close() }

// recorder persists each epoch and each new checkpoint to the ledger and
// publishes the matching progress events. It must run after the Saver.
type recorder struct {
	saver     *checkpoint.Saver
	ledger    *storage.Store
	publisher progress.Publisher
	runID     string
	now       func() time.Time

	start          time.Time
	lastCheckpoint string
}

func (r *recorder) OnEpochBegin(ctx context.Context, epoch int) error {
	r.start = r.now()
	return nil
}

func (r *recorder) OnEpochEnd(ctx context.Context, epoch int, m ml.Model, metrics ml.Metrics) error {
	ts := r.now()

	rec := storage.EpochRecord{
		Epoch:     epoch,
		Loss:      metrics.Loss,
		MAE:       metrics.MAE,
		MSE:       metrics.MSE,
		Rows:      metrics.Rows,
		Steps:     metrics.Steps,
		Duration:  ts.Sub(r.start),
		Timestamp: ts.UTC(),
	}
	if err := r.ledger.RecordEpoch(rec); err != nil {
		log.Warn().Err(err).Int("epoch", epoch).Msg("Failed to record epoch")
	}
	r.publisher.Publish(progress.Event{
		Type: progress.EpochEnd, RunID: r.runID, Epoch: epoch, Loss: metrics.Loss, MAE: metrics.MAE,
	})

	id, ok := r.saver.Last()
	if !ok || id.Name == r.lastCheckpoint {
		return nil
	}
	r.lastCheckpoint = id.Name

	log.Info().Int("epoch", id.Epoch).Str("checkpoint", id.Name).Msg("Checkpoint written")
	cp := storage.CheckpointRecord{Name: id.Name, Epoch: id.Epoch, Metric: id.Metric, Timestamp: ts.UTC()}
	if err := r.ledger.RecordCheckpoint(cp); err != nil {
		log.Warn().Err(err).Str("checkpoint", id.Name).Msg("Failed to record checkpoint")
	}
	r.publisher.Publish(progress.Event{
		Type: progress.Checkpoint, RunID: r.runID, Epoch: id.Epoch, Loss: id.Metric, Checkpoint: id.Name,
	})
	return nil
}
