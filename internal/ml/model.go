// Package ml provides the trainable model handle used by the training
// driver and the continuous evaluator. A Model is fit and evaluated on a
// batch stream, snapshotted to a writer and restored from a reader.
//
// A restored snapshot carries parameters only. It has no optimizer state and
// must be compiled again before it can be fit or evaluated.
package ml

import (
	"context"
	"errors"
	"io"
	"math"

	"candle-trainer/internal/stream"
)

// ErrNotCompiled is returned by Fit and Evaluate on a model that has no
// optimizer configured.
var ErrNotCompiled = errors.New("ml: model is not compiled")

// Metrics summarizes a pass over a batch stream. Loss is the mean squared
// error; all values are averaged over rows.
type Metrics struct {
	Loss  float64 `json:"loss"`
	MAE   float64 `json:"mae"`
	MSE   float64 `json:"mse"`
	Rows  int     `json:"rows"`
	Steps int     `json:"steps"`
}

// Finite reports whether every metric is a finite number.
func (m Metrics) Finite() bool {
	for _, v := range []float64{m.Loss, m.MAE, m.MSE} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// LayerParams holds the parameters of one dense layer. Weights is indexed
// [input][output].
type LayerParams struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// Model is a trainable regression model.
type Model interface {
	// Compile (re)creates the optimizer with the given learning rate.
	Compile(learningRate float64)

	// Fit trains on exactly steps batches pulled from src.
	Fit(ctx context.Context, src stream.Source, steps int) (Metrics, error)

	// Evaluate computes metrics over exactly steps batches pulled from src.
	Evaluate(ctx context.Context, src stream.Source, steps int) (Metrics, error)

	Predict(features [][]float64) ([][]float64, error)

	// Save writes a parameter snapshot to w.
	Save(w io.Writer) error

	Params() []LayerParams
	InputDim() int
	OutputDim() int
}

// Loader restores a Model from a snapshot written by Model.Save.
type Loader func(r io.Reader) (Model, error)

// Load restores a snapshot written by Dense.Save.
func Load(r io.Reader) (Model, error) {
	return LoadDense(r)
}
