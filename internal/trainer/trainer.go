// Package trainer drives a training run: it wires the batch streams, the
// model, the checkpoint store and the evaluator together, runs the epoch
// loop and writes the final artifacts to the job directory.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"candle-trainer/internal/cfg"
	"candle-trainer/internal/checkpoint"
	"candle-trainer/internal/common"
	"candle-trainer/internal/eval"
	"candle-trainer/internal/metrics"
	"candle-trainer/internal/ml"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/storage"
	"candle-trainer/internal/stream"
)

// EpochBeginHook runs before an epoch is fit. epoch is 0-based.
type EpochBeginHook interface {
	OnEpochBegin(ctx context.Context, epoch int) error
}

// EpochEndHook runs after an epoch has been fit. epoch is 0-based.
type EpochEndHook interface {
	OnEpochEnd(ctx context.Context, epoch int, m ml.Model, metrics ml.Metrics) error
}

// Options carries the optional collaborators of a run.
type Options struct {
	Metrics   *metrics.MetricsWrapper
	Publisher progress.Publisher
	RunID     string

	// Open overrides how CSV sources are opened.
	Open stream.OpenFunc
}

// Result summarizes a finished run.
type Result struct {
	RunID       string
	Epochs      int
	Train       ml.Metrics
	TrainRows   int64
	ValLoss     float64
	Evaluated   bool
	ModelPath   string
	ExportPath  string
	SummaryPath string
	Version     string

	// PreviousVersion is the export that was active before this run, if any.
	PreviousVersion string
}

// Trainer runs one training job.
type Trainer struct {
	settings cfg.Settings
	opts     Options
	now      func() time.Time
}

// New validates settings.
func New(settings cfg.Settings, opts Options) (*Trainer, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if opts.Publisher == nil {
		opts.Publisher = progress.Discard{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Trainer{settings: settings, opts: opts, now: time.Now}, nil
}

// Run trains for NumEpochs epochs and then writes the final model, the
// export and the summary metric. Evaluation failures are logged and do not
// stop training; I/O failures on the training stream or the job directory
// abort the run.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	s := t.settings
	res := Result{RunID: t.opts.RunID}

	if !s.RemoteJobDir() {
		if err := os.MkdirAll(s.JobDir, 0o755); err != nil {
			return res, fmt.Errorf("create job dir: %w", err)
		}
	}

	store, err := checkpoint.New(checkpoint.Config{
		Destination: s.JobDir,
		StagingDir:  s.StagingDir,
		SyncOnWrite: s.SyncCheckpoints,
		Ext:         common.CheckpointExt,
		BlobOptions: s.BlobOptions(),
		Metrics:     t.checkpointMetrics(),
	})
	if err != nil {
		return res, err
	}

	ledger, err := storage.New(store.StagingDir())
	if err != nil {
		return res, fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	if res.RunID, err = ledger.SetRunID(res.RunID); err != nil {
		return res, fmt.Errorf("record run id: %w", err)
	}
	if res.RunID != t.opts.RunID {
		log.Info().Str("run_id", res.RunID).Msg("Continuing run recorded in ledger")
	}

	train, err := t.trainSource(ctx)
	if err != nil {
		return res, err
	}
	defer train.Close()

	first, err := train.Next(ctx)
	if err != nil {
		return res, fmt.Errorf("read first training batch: %w", err)
	}
	if first.Len() == 0 {
		return res, errors.New("first training batch is empty")
	}
	inputDim, outputDim := len(first.Features[0]), len(first.Labels[0])
	columns := train.Columns()

	hidden := ml.HiddenUnits(s.FirstLayerSize, s.NumLayers, s.ScaleFactor)
	model, err := ml.NewDense(inputDim, outputDim, hidden, s.Seed)
	if err != nil {
		return res, fmt.Errorf("build model: %w", err)
	}
	model.Compile(s.LearningRate)

	log.Info().
		Str("run_id", res.RunID).
		Int("input_dim", inputDim).
		Int("output_dim", outputDim).
		Ints("hidden_units", hidden).
		Int("epochs", s.NumEpochs).
		Int("train_steps", s.TrainSteps).
		Bool("distributed", s.Distributed).
		Msg("Model compiled")

	history, err := newHistory(store.StagingDir(), res.RunID)
	if err != nil {
		return res, err
	}
	defer history.Close()
	publisher := progress.Multi{t.opts.Publisher, history}

	evaluator, err := eval.New(eval.Config{
		Frequency:    s.EvalFrequency,
		Steps:        s.EvalSteps,
		LearningRate: s.LearningRate,
		Checkpoints:  store,
		NewSource:    t.evalSourceFactory(columns),
		Metrics:      t.evalMetrics(),
		Ledger:       ledger,
		Publisher:    publisher,
	})
	if err != nil {
		return res, err
	}

	saver := checkpoint.NewSaver(store, s.CheckpointEpochs)
	rec := &recorder{
		saver:     saver,
		ledger:    ledger,
		publisher: publisher,
		runID:     res.RunID,
		now:       t.now,
	}
	begin := []EpochBeginHook{evaluator, rec}
	end := []EpochEndHook{saver, rec}

	src := &peeked{src: train.source, first: &first}
	for epoch := 0; epoch < s.NumEpochs; epoch++ {
		for _, h := range begin {
			if err := h.OnEpochBegin(ctx, epoch); err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		start := t.now()
		m, err := model.Fit(ctx, src, s.TrainSteps)
		if err != nil {
			return res, fmt.Errorf("epoch %d: fit: %w", epoch, err)
		}
		elapsed := t.now().Sub(start)

		log.Info().
			Int("epoch", epoch).
			Float64("loss", m.Loss).
			Float64("mae", m.MAE).
			Int("rows", m.Rows).
			Dur("took", elapsed).
			Msg("Epoch complete")
		if t.opts.Metrics != nil {
			t.opts.Metrics.EpochCompleted(epoch, m.Steps, m.Loss, m.MAE, elapsed)
		}

		for _, h := range end {
			if err := h.OnEpochEnd(ctx, epoch, model, m); err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		res.Epochs = epoch + 1
		res.Train = m
		res.TrainRows += int64(m.Rows)
	}

	if loss, ok := evaluator.Record().Loss(); ok {
		res.ValLoss, res.Evaluated = loss, true
	}

	if err := t.finish(ctx, store, ledger, publisher, model, evaluator.Record(), &res); err != nil {
		return res, err
	}

	publisher.Publish(progress.Event{
		Type: progress.Done, RunID: res.RunID, Epoch: res.Epochs, Loss: res.Train.Loss, Path: res.ExportPath,
	})
	if err := t.syncLogs(ctx, store, history.Path()); err != nil {
		return res, fmt.Errorf("sync logs: %w", err)
	}
	log.Info().
		Str("run_id", res.RunID).
		Int("epochs", res.Epochs).
		Float64("train_loss", res.Train.Loss).
		Bool("evaluated", res.Evaluated).
		Str("export", res.ExportPath).
		Msg("Training finished")
	return res, nil
}

func (t *Trainer) checkpointMetrics() checkpoint.MetricsInterface {
	if t.opts.Metrics == nil {
		return nil
	}
	return t.opts.Metrics
}

func (t *Trainer) evalMetrics() eval.MetricsInterface {
	if t.opts.Metrics == nil {
		return nil
	}
	return t.opts.Metrics
}

func (t *Trainer) streamMetrics(name string) stream.MetricsInterface {
	if t.opts.Metrics == nil {
		return nil
	}
	return t.opts.Metrics.Stream(name)
}
