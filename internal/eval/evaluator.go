// Package eval runs periodic evaluations of the latest checkpoint while a
// model is training.
//
// The evaluator is driven by the training loop: at the start of every
// epoch whose index is a positive multiple of the evaluation frequency it
// loads the newest staged checkpoint into a fresh model, evaluates it on a
// fresh evaluation stream and records the resulting loss. Failures are
// logged and counted but never stop training.
package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"candle-trainer/internal/checkpoint"
	"candle-trainer/internal/ml"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/storage"
	"candle-trainer/internal/stream"
)

// State of the evaluator.
type State int

const (
	Idle State = iota
	Evaluating
)

func (s State) String() string {
	if s == Evaluating {
		return "evaluating"
	}
	return "idle"
}

// Checkpoints locates and loads staged checkpoints.
type Checkpoints interface {
	Latest() (checkpoint.ID, bool, error)
	Load(id checkpoint.ID, load ml.Loader) (ml.Model, error)
	Propagate(ctx context.Context, id checkpoint.ID) error
}

// SourceFactory builds a fresh evaluation stream. If the returned Source is
// an io.Closer it is closed after the evaluation.
type SourceFactory func(ctx context.Context) (stream.Source, error)

// MetricsInterface receives evaluation counters.
type MetricsInterface interface {
	EvaluationsInc()
	EvaluationsSkippedInc()
	EvalFailuresInc()
	EvaluationCompleted(loss float64, d time.Duration)
}

// Ledger persists evaluation results.
type Ledger interface {
	RecordEvaluation(storage.EvaluationRecord) error
}

// Config configures an Evaluator.
type Config struct {
	Frequency    int
	Steps        int
	LearningRate float64

	Checkpoints Checkpoints
	NewSource   SourceFactory
	// Loader restores checkpoints. Defaults to ml.Load.
	Loader ml.Loader

	Metrics   MetricsInterface
	Ledger    Ledger
	Publisher progress.Publisher
}

// Record holds the outcome of the most recent successful evaluation.
type Record struct {
	loss        float64
	mae         float64
	epoch       int
	checkpoint  checkpoint.ID
	evaluations int
}

// Loss returns the last evaluation loss. ok is false until an evaluation
// has completed.
func (r Record) Loss() (loss float64, ok bool) {
	return r.loss, r.evaluations > 0
}

func (r Record) MAE() float64 { return r.mae }

// Epoch is the epoch at whose start the last evaluation ran.
func (r Record) Epoch() int { return r.epoch }

func (r Record) Checkpoint() checkpoint.ID { return r.checkpoint }

// Evaluations returns the number of completed evaluations.
func (r Record) Evaluations() int { return r.evaluations }

// Evaluator is an epoch-begin hook.
type Evaluator struct {
	cfg Config

	mu     sync.Mutex
	state  State
	record Record
	now    func() time.Time
}

// New validates cfg.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Frequency <= 0 {
		return nil, fmt.Errorf("eval: frequency must be positive, got %d", cfg.Frequency)
	}
	if cfg.Steps <= 0 {
		return nil, fmt.Errorf("eval: steps must be positive, got %d", cfg.Steps)
	}
	if cfg.Checkpoints == nil || cfg.NewSource == nil {
		return nil, errors.New("eval: checkpoints and source factory are required")
	}
	if cfg.Loader == nil {
		cfg.Loader = ml.Load
	}
	if cfg.Publisher == nil {
		cfg.Publisher = progress.Discard{}
	}
	return &Evaluator{cfg: cfg, now: time.Now}, nil
}

// State returns the current state.
func (e *Evaluator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Record returns a copy of the current record.
func (e *Evaluator) Record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// Due reports whether an evaluation is scheduled at the start of epoch.
func (e *Evaluator) Due(epoch int) bool {
	return epoch > 0 && epoch%e.cfg.Frequency == 0
}

// OnEpochBegin evaluates the latest checkpoint when epoch is due. Only
// context cancellation is returned; every other failure is logged.
func (e *Evaluator) OnEpochBegin(ctx context.Context, epoch int) error {
	if !e.Due(epoch) {
		return nil
	}

	e.setState(Evaluating)
	defer e.setState(Idle)

	id, ok, err := e.cfg.Checkpoints.Latest()
	if err != nil {
		e.fail(epoch, "", fmt.Errorf("locate checkpoint: %w", err))
		return nil
	}
	if !ok {
		log.Info().Int("epoch", epoch).Msg("No checkpoint available yet, skipping evaluation")
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.EvaluationsSkippedInc()
		}
		e.cfg.Publisher.Publish(progress.Event{Type: progress.EvaluationSkipped, Epoch: epoch})
		return nil
	}

	start := e.now()
	m, err := e.evaluate(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.fail(epoch, id.Name, err)
		return nil
	}
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	e.record = Record{
		loss:        m.Loss,
		mae:         m.MAE,
		epoch:       epoch,
		checkpoint:  id,
		evaluations: e.record.evaluations + 1,
	}
	e.mu.Unlock()

	log.Info().
		Int("epoch", epoch).
		Str("checkpoint", id.Name).
		Float64("loss", m.Loss).
		Float64("mae", m.MAE).
		Int("rows", m.Rows).
		Dur("took", elapsed).
		Msg("Evaluation complete")

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.EvaluationsInc()
		e.cfg.Metrics.EvaluationCompleted(m.Loss, elapsed)
	}
	if e.cfg.Ledger != nil {
		rec := storage.EvaluationRecord{
			Epoch: epoch, Checkpoint: id.Name, Loss: m.Loss, MAE: m.MAE,
			Rows: m.Rows, Steps: m.Steps, Timestamp: e.now().UTC(),
		}
		if err := e.cfg.Ledger.RecordEvaluation(rec); err != nil {
			log.Warn().Err(err).Int("epoch", epoch).Msg("Failed to record evaluation")
		}
	}
	e.cfg.Publisher.Publish(progress.Event{
		Type: progress.Evaluation, Epoch: epoch, Loss: m.Loss, MAE: m.MAE, Checkpoint: id.Name,
	})

	if err := e.cfg.Checkpoints.Propagate(ctx, id); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn().Err(err).Str("checkpoint", id.Name).Msg("Failed to propagate checkpoint")
	}
	return nil
}

func (e *Evaluator) evaluate(ctx context.Context, id checkpoint.ID) (ml.Metrics, error) {
	model, err := e.cfg.Checkpoints.Load(id, e.cfg.Loader)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("load checkpoint: %w", err)
	}
	model.Compile(e.cfg.LearningRate)

	src, err := e.cfg.NewSource(ctx)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("open evaluation stream: %w", err)
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	m, err := model.Evaluate(ctx, src, e.cfg.Steps)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("evaluate: %w", err)
	}
	return m, nil
}

func (e *Evaluator) fail(epoch int, checkpointName string, err error) {
	log.Error().Err(err).Int("epoch", epoch).Str("checkpoint", checkpointName).Msg("Evaluation failed")
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.EvalFailuresInc()
	}
	e.cfg.Publisher.Publish(progress.Event{
		Type: progress.EvaluationFailed, Epoch: epoch, Checkpoint: checkpointName, Message: err.Error(),
	})
}

func (e *Evaluator) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}
