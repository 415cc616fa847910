package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"

	"candle-trainer/internal/stream"
)

const (
	snapshotFormat = "dense.v1"

	activationReLU   = "relu"
	activationLinear = "linear"

	rmspropRho     = 0.9
	rmspropEpsilon = 1e-7
)

// HiddenUnits returns the hidden layer sizes. With scale <= 0 the reference
// topology [first, 70, 50, 20] is used; otherwise layer i has
// max(2, int(first*scale^i)) units for i < numLayers.
func HiddenUnits(first, numLayers int, scale float64) []int {
	if scale <= 0 {
		return []int{first, 70, 50, 20}
	}
	units := make([]int, numLayers)
	for i := range units {
		units[i] = max(2, int(float64(first)*math.Pow(scale, float64(i))))
	}
	return units
}

// Dense is a fully connected regression network: ReLU hidden layers, a
// linear output layer, mean squared error loss and an RMSprop optimizer.
type Dense struct {
	layers []denseLayer

	compiled     bool
	learningRate float64
	cacheW       [][][]float64
	cacheB       [][]float64
}

type denseLayer struct {
	w    [][]float64 // [in][out]
	b    []float64
	relu bool
}

// NewDense builds a network with Glorot-uniform weights and zero biases.
// The model is not compiled.
func NewDense(inputDim, outputDim int, hidden []int, seed int64) (*Dense, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, fmt.Errorf("ml: invalid dims %dx%d", inputDim, outputDim)
	}
	rng := rand.New(rand.NewSource(seed))

	d := &Dense{}
	in := inputDim
	for _, units := range hidden {
		if units <= 0 {
			return nil, fmt.Errorf("ml: invalid layer size %d", units)
		}
		d.layers = append(d.layers, newLayer(rng, in, units, true))
		in = units
	}
	d.layers = append(d.layers, newLayer(rng, in, outputDim, false))
	return d, nil
}

func newLayer(rng *rand.Rand, in, out int, relu bool) denseLayer {
	limit := math.Sqrt(6.0 / float64(in+out))
	w := make([][]float64, in)
	for i := range w {
		w[i] = make([]float64, out)
		for j := range w[i] {
			w[i][j] = (rng.Float64()*2 - 1) * limit
		}
	}
	return denseLayer{w: w, b: make([]float64, out), relu: relu}
}

func (d *Dense) InputDim() int { return len(d.layers[0].w) }

func (d *Dense) OutputDim() int { return len(d.layers[len(d.layers)-1].b) }

// Compile resets the optimizer state and sets the learning rate.
func (d *Dense) Compile(learningRate float64) {
	d.learningRate = learningRate
	d.cacheW = make([][][]float64, len(d.layers))
	d.cacheB = make([][]float64, len(d.layers))
	for l, layer := range d.layers {
		d.cacheW[l] = make([][]float64, len(layer.w))
		for i := range layer.w {
			d.cacheW[l][i] = make([]float64, len(layer.w[i]))
		}
		d.cacheB[l] = make([]float64, len(layer.b))
	}
	d.compiled = true
}

// Compiled reports whether the model has an optimizer.
func (d *Dense) Compiled() bool { return d.compiled }

func (d *Dense) Fit(ctx context.Context, src stream.Source, steps int) (Metrics, error) {
	return d.run(ctx, src, steps, true)
}

func (d *Dense) Evaluate(ctx context.Context, src stream.Source, steps int) (Metrics, error) {
	return d.run(ctx, src, steps, false)
}

func (d *Dense) run(ctx context.Context, src stream.Source, steps int, train bool) (Metrics, error) {
	if !d.compiled {
		return Metrics{}, ErrNotCompiled
	}

	var m Metrics
	var sumSq, sumAbs float64
	for step := 0; step < steps; step++ {
		b, err := src.Next(ctx)
		if err != nil {
			return Metrics{}, fmt.Errorf("step %d: %w", step, err)
		}
		if err := d.checkBatch(b); err != nil {
			return Metrics{}, fmt.Errorf("step %d: %w", step, err)
		}

		sq, abs := d.batch(b, train)
		sumSq += sq
		sumAbs += abs
		m.Rows += b.Len()
		m.Steps++
	}

	if m.Rows > 0 {
		denom := float64(m.Rows * d.OutputDim())
		m.MSE = sumSq / denom
		m.MAE = sumAbs / denom
		m.Loss = m.MSE
	}
	return m, nil
}

func (d *Dense) checkBatch(b stream.Batch) error {
	if len(b.Labels) != len(b.Features) {
		return fmt.Errorf("ml: %d feature rows but %d label rows", len(b.Features), len(b.Labels))
	}
	for i := range b.Features {
		if len(b.Features[i]) != d.InputDim() {
			return fmt.Errorf("ml: feature width %d, model expects %d", len(b.Features[i]), d.InputDim())
		}
		if len(b.Labels[i]) != d.OutputDim() {
			return fmt.Errorf("ml: label width %d, model expects %d", len(b.Labels[i]), d.OutputDim())
		}
	}
	return nil
}

// batch runs one forward pass (and one optimizer step when train is set) and
// returns the summed squared and absolute errors.
func (d *Dense) batch(b stream.Batch, train bool) (sumSq, sumAbs float64) {
	n := b.Len()
	if n == 0 {
		return 0, 0
	}

	var gradW [][][]float64
	var gradB [][]float64
	if train {
		gradW, gradB = d.zeroGrads()
	}
	scale := 2.0 / float64(n*d.OutputDim())

	for r := 0; r < n; r++ {
		acts := d.forward(b.Features[r])
		out := acts[len(acts)-1]

		delta := make([]float64, len(out))
		for j, y := range b.Labels[r] {
			e := out[j] - y
			sumSq += e * e
			sumAbs += math.Abs(e)
			delta[j] = scale * e
		}
		if !train {
			continue
		}

		for l := len(d.layers) - 1; l >= 0; l-- {
			in := acts[l]
			for i, a := range in {
				row := gradW[l][i]
				for j, dj := range delta {
					row[j] += a * dj
				}
			}
			for j, dj := range delta {
				gradB[l][j] += dj
			}
			if l == 0 {
				break
			}
			prev := make([]float64, len(in))
			for i := range in {
				var s float64
				for j, dj := range delta {
					s += d.layers[l].w[i][j] * dj
				}
				if d.layers[l-1].relu && in[i] <= 0 {
					s = 0
				}
				prev[i] = s
			}
			delta = prev
		}
	}

	if train {
		d.apply(gradW, gradB)
	}
	return sumSq, sumAbs
}

// forward returns the activations of every layer, input first.
func (d *Dense) forward(x []float64) [][]float64 {
	acts := make([][]float64, 0, len(d.layers)+1)
	acts = append(acts, x)
	in := x
	for _, layer := range d.layers {
		out := make([]float64, len(layer.b))
		copy(out, layer.b)
		for i, a := range in {
			if a == 0 {
				continue
			}
			for j, w := range layer.w[i] {
				out[j] += a * w
			}
		}
		if layer.relu {
			for j, v := range out {
				if v < 0 {
					out[j] = 0
				}
			}
		}
		acts = append(acts, out)
		in = out
	}
	return acts
}

func (d *Dense) zeroGrads() ([][][]float64, [][]float64) {
	gw := make([][][]float64, len(d.layers))
	gb := make([][]float64, len(d.layers))
	for l, layer := range d.layers {
		gw[l] = make([][]float64, len(layer.w))
		for i := range layer.w {
			gw[l][i] = make([]float64, len(layer.w[i]))
		}
		gb[l] = make([]float64, len(layer.b))
	}
	return gw, gb
}

func (d *Dense) apply(gradW [][][]float64, gradB [][]float64) {
	for l := range d.layers {
		for i := range d.layers[l].w {
			for j, g := range gradW[l][i] {
				d.layers[l].w[i][j] -= d.rmsprop(&d.cacheW[l][i][j], g)
			}
		}
		for j, g := range gradB[l] {
			d.layers[l].b[j] -= d.rmsprop(&d.cacheB[l][j], g)
		}
	}
}

func (d *Dense) rmsprop(cache *float64, g float64) float64 {
	*cache = rmspropRho**cache + (1-rmspropRho)*g*g
	return d.learningRate * g / (math.Sqrt(*cache) + rmspropEpsilon)
}

// Predict runs a forward pass over every row.
func (d *Dense) Predict(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, x := range features {
		if len(x) != d.InputDim() {
			return nil, fmt.Errorf("ml: row %d has width %d, model expects %d", i, len(x), d.InputDim())
		}
		acts := d.forward(x)
		out[i] = acts[len(acts)-1]
	}
	return out, nil
}

// Params returns a deep copy of the layer parameters.
func (d *Dense) Params() []LayerParams {
	params := make([]LayerParams, len(d.layers))
	for l, layer := range d.layers {
		w := make([][]float64, len(layer.w))
		for i := range layer.w {
			w[i] = append([]float64(nil), layer.w[i]...)
		}
		act := activationLinear
		if layer.relu {
			act = activationReLU
		}
		params[l] = LayerParams{Weights: w, Bias: append([]float64(nil), layer.b...), Activation: act}
	}
	return params
}

type snapshot struct {
	Format    string          `json:"format"`
	InputDim  int             `json:"input_dim"`
	OutputDim int             `json:"output_dim"`
	Layers    []snapshotLayer `json:"layers"`
}

type snapshotLayer struct {
	Weights    [][]Float `json:"weights"`
	Bias       []Float   `json:"bias"`
	Activation string    `json:"activation"`
}

// Save writes the parameters as JSON. Optimizer state is not saved.
// Non-finite parameters are kept, see Float.
func (d *Dense) Save(w io.Writer) error {
	snap := snapshot{
		Format:    snapshotFormat,
		InputDim:  d.InputDim(),
		OutputDim: d.OutputDim(),
	}
	for _, p := range d.Params() {
		layer := snapshotLayer{Weights: make([][]Float, len(p.Weights)), Bias: toFloats(p.Bias), Activation: p.Activation}
		for i, row := range p.Weights {
			layer.Weights[i] = toFloats(row)
		}
		snap.Layers = append(snap.Layers, layer)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("ml: encode snapshot: %w", err)
	}
	return nil
}

// LoadDense restores an uncompiled Dense model from a snapshot.
func LoadDense(r io.Reader) (Model, error) {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("ml: decode snapshot: %w", err)
	}
	if snap.Format != snapshotFormat {
		return nil, fmt.Errorf("ml: unsupported snapshot format %q", snap.Format)
	}
	layers := make([]LayerParams, len(snap.Layers))
	for l, sl := range snap.Layers {
		w := make([][]float64, len(sl.Weights))
		for i, row := range sl.Weights {
			w[i] = fromFloats(row)
		}
		layers[l] = LayerParams{Weights: w, Bias: fromFloats(sl.Bias), Activation: sl.Activation}
	}
	d, err := FromParams(snap.InputDim, layers)
	if err != nil {
		return nil, err
	}
	if d.OutputDim() != snap.OutputDim {
		return nil, fmt.Errorf("ml: snapshot output width %d, expected %d", d.OutputDim(), snap.OutputDim)
	}
	return d, nil
}

// FromParams builds an uncompiled Dense model from layer parameters, as
// returned by Params. The parameters are used without copying.
func FromParams(inputDim int, layers []LayerParams) (*Dense, error) {
	if inputDim <= 0 || len(layers) == 0 {
		return nil, fmt.Errorf("ml: invalid model: %d inputs, %d layers", inputDim, len(layers))
	}
	d := &Dense{}
	in := inputDim
	for l, p := range layers {
		if len(p.Weights) != in {
			return nil, fmt.Errorf("ml: layer %d has %d inputs, expected %d", l, len(p.Weights), in)
		}
		if len(p.Bias) == 0 {
			return nil, fmt.Errorf("ml: layer %d has no outputs", l)
		}
		for i := range p.Weights {
			if len(p.Weights[i]) != len(p.Bias) {
				return nil, fmt.Errorf("ml: layer %d row %d has %d outputs, expected %d", l, i, len(p.Weights[i]), len(p.Bias))
			}
		}
		d.layers = append(d.layers, denseLayer{w: p.Weights, b: p.Bias, relu: p.Activation == activationReLU})
		in = len(p.Bias)
	}
	return d, nil
}
