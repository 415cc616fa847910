// Package export writes a trained model as a serving artifact and records
// the hyperparameter tuning summary metric.
//
// An export directory holds two protobuf encoded files:
//
//	saved_model.pb          signature and layer graph
//	variables/variables.pb  layer weights and biases
package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/common"
	"candle-trainer/internal/ml"
)

const (
	SavedModelFile = "saved_model.pb"
	VariablesDir   = "variables"
	VariablesFile  = "variables.pb"

	format = "candle-trainer.saved_model.v1"
)

// Options configures an export.
type Options struct {
	InputTensor  string
	OutputTensor string
	BlobOptions  blob.Options
}

func (o Options) withDefaults() Options {
	if o.InputTensor == "" {
		o.InputTensor = common.ServingInputTensor
	}
	if o.OutputTensor == "" {
		o.OutputTensor = common.ServingOutputTensor
	}
	return o
}

// Export writes m to dest, a local directory or remote URI. A local
// destination is replaced; a remote one is built in a temporary directory
// and copied file by file.
func Export(ctx context.Context, m ml.Model, dest string, opts Options) error {
	opts = opts.withDefaults()

	if !blob.IsRemote(dest) {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("export: clear %s: %w", dest, err)
		}
		return writeLocal(m, dest, opts)
	}

	tmp, err := os.MkdirTemp("", "export-*")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := writeLocal(m, tmp, opts); err != nil {
		return err
	}

	store, err := blob.New(dest, opts.BlobOptions)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	for _, name := range []string{SavedModelFile, path.Join(VariablesDir, VariablesFile)} {
		if err := blob.CopyFile(ctx, store, name, filepath.Join(tmp, filepath.FromSlash(name))); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	log.Info().Str("destination", dest).Msg("Model exported")
	return nil
}

func writeLocal(m ml.Model, dir string, opts Options) error {
	if err := os.MkdirAll(filepath.Join(dir, VariablesDir), 0o755); err != nil {
		return fmt.Errorf("export: create %s: %w", dir, err)
	}

	params := m.Params()
	graph, err := graphDef(m, params, opts)
	if err != nil {
		return err
	}
	vars, err := variables(params)
	if err != nil {
		return err
	}

	if err := writeProto(filepath.Join(dir, SavedModelFile), graph); err != nil {
		return err
	}
	if err := writeProto(filepath.Join(dir, VariablesDir, VariablesFile), vars); err != nil {
		return err
	}
	log.Debug().Str("dir", dir).Int("layers", len(params)).Msg("Export written")
	return nil
}

func graphDef(m ml.Model, params []ml.LayerParams, opts Options) (*structpb.Struct, error) {
	nodes := make([]any, 0, len(params))
	input := opts.InputTensor
	for i, p := range params {
		name := layerName(i)
		nodes = append(nodes, map[string]any{
			"name":       name,
			"op":         "Dense",
			"input":      input,
			"units":      len(p.Bias),
			"activation": p.Activation,
		})
		input = name
	}

	tensor := func(name string, width int) map[string]any {
		return map[string]any{
			"name":  name + ":0",
			"dtype": "DT_FLOAT",
			"shape": []any{-1, width},
		}
	}

	def := map[string]any{
		"format": format,
		"meta_graphs": []any{
			map[string]any{
				"tags": []any{common.ServingTag},
				"signature_def": map[string]any{
					common.ServingSignature: map[string]any{
						"inputs":      map[string]any{opts.InputTensor: tensor(opts.InputTensor, m.InputDim())},
						"outputs":     map[string]any{opts.OutputTensor: tensor(input, m.OutputDim())},
						"method_name": common.ServingMethod,
					},
				},
				"graph": nodes,
			},
		},
	}
	s, err := structpb.NewStruct(def)
	if err != nil {
		return nil, fmt.Errorf("export: build graph: %w", err)
	}
	return s, nil
}

func variables(params []ml.LayerParams) (*structpb.Struct, error) {
	vars := make(map[string]any, 2*len(params))
	for i, p := range params {
		in := len(p.Weights)
		out := len(p.Bias)
		kernel := make([]any, 0, in*out)
		for _, row := range p.Weights {
			for _, w := range row {
				kernel = append(kernel, w)
			}
		}
		bias := make([]any, 0, out)
		for _, b := range p.Bias {
			bias = append(bias, b)
		}
		vars[layerName(i)+"/kernel"] = map[string]any{"shape": []any{in, out}, "values": kernel}
		vars[layerName(i)+"/bias"] = map[string]any{"shape": []any{out}, "values": bias}
	}
	s, err := structpb.NewStruct(vars)
	if err != nil {
		return nil, fmt.Errorf("export: build variables: %w", err)
	}
	return s, nil
}

func writeProto(name string, msg proto.Message) error {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return fmt.Errorf("export: marshal %s: %w", filepath.Base(name), err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", name, err)
	}
	return nil
}

func layerName(i int) string {
	return fmt.Sprintf("dense_%d", i)
}
