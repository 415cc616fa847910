package export

import (
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"candle-trainer/internal/ml"
)

// SavedModel is a parsed export directory.
type SavedModel struct {
	Tags         []string
	Signature    string
	Method       string
	InputTensor  string
	OutputTensor string
	InputDim     int
	OutputDim    int
	Layers       []ml.LayerParams
}

// Model rebuilds an uncompiled model from the exported parameters.
func (s *SavedModel) Model() (ml.Model, error) {
	return ml.FromParams(s.InputDim, s.Layers)
}

// Read parses a local export directory.
func Read(dir string) (*SavedModel, error) {
	graph, err := readProto(filepath.Join(dir, SavedModelFile))
	if err != nil {
		return nil, err
	}
	vars, err := readProto(filepath.Join(dir, VariablesDir, VariablesFile))
	if err != nil {
		return nil, err
	}

	def := graph.AsMap()
	if def["format"] != format {
		return nil, fmt.Errorf("export: unsupported format %v", def["format"])
	}
	metas, _ := def["meta_graphs"].([]any)
	if len(metas) != 1 {
		return nil, fmt.Errorf("export: expected one meta graph, found %d", len(metas))
	}
	meta, _ := metas[0].(map[string]any)

	sm := &SavedModel{}
	for _, t := range asSlice(meta["tags"]) {
		if s, ok := t.(string); ok {
			sm.Tags = append(sm.Tags, s)
		}
	}

	sigs, _ := meta["signature_def"].(map[string]any)
	if len(sigs) != 1 {
		return nil, fmt.Errorf("export: expected one signature, found %d", len(sigs))
	}
	for name, raw := range sigs {
		sig, _ := raw.(map[string]any)
		sm.Signature = name
		sm.Method, _ = sig["method_name"].(string)
		sm.InputTensor, sm.InputDim, err = onlyTensor(sig["inputs"])
		if err != nil {
			return nil, fmt.Errorf("export: inputs: %w", err)
		}
		sm.OutputTensor, sm.OutputDim, err = onlyTensor(sig["outputs"])
		if err != nil {
			return nil, fmt.Errorf("export: outputs: %w", err)
		}
	}

	values := vars.AsMap()
	for i, raw := range asSlice(meta["graph"]) {
		node, _ := raw.(map[string]any)
		name := layerName(i)
		if node["name"] != name {
			return nil, fmt.Errorf("export: graph node %d is %v, expected %s", i, node["name"], name)
		}
		activation, _ := node["activation"].(string)

		shape, kernel, err := variable(values, name+"/kernel", 2)
		if err != nil {
			return nil, err
		}
		_, bias, err := variable(values, name+"/bias", 1)
		if err != nil {
			return nil, err
		}

		weights := make([][]float64, shape[0])
		for r := range weights {
			weights[r] = kernel[r*shape[1] : (r+1)*shape[1]]
		}
		sm.Layers = append(sm.Layers, ml.LayerParams{Weights: weights, Bias: bias, Activation: activation})
	}
	if len(sm.Layers) == 0 {
		return nil, fmt.Errorf("export: graph has no layers")
	}
	return sm, nil
}

func readProto(name string) (*structpb.Struct, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("export: parse %s: %w", filepath.Base(name), err)
	}
	return &s, nil
}

func onlyTensor(raw any) (name string, width int, err error) {
	tensors, _ := raw.(map[string]any)
	if len(tensors) != 1 {
		return "", 0, fmt.Errorf("expected one tensor, found %d", len(tensors))
	}
	for key, t := range tensors {
		spec, _ := t.(map[string]any)
		shape := asSlice(spec["shape"])
		if len(shape) != 2 {
			return "", 0, fmt.Errorf("tensor %s has rank %d", key, len(shape))
		}
		w, _ := shape[1].(float64)
		name, width = key, int(w)
	}
	return name, width, nil
}

func variable(values map[string]any, name string, rank int) ([]int, []float64, error) {
	v, ok := values[name].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("export: missing variable %s", name)
	}
	rawShape := asSlice(v["shape"])
	if len(rawShape) != rank {
		return nil, nil, fmt.Errorf("export: variable %s has rank %d, expected %d", name, len(rawShape), rank)
	}
	shape := make([]int, rank)
	size := 1
	for i, d := range rawShape {
		f, _ := d.(float64)
		shape[i] = int(f)
		size *= shape[i]
	}

	rawValues := asSlice(v["values"])
	if len(rawValues) != size {
		return nil, nil, fmt.Errorf("export: variable %s has %d values, expected %d", name, len(rawValues), size)
	}
	out := make([]float64, size)
	for i, x := range rawValues {
		out[i], _ = x.(float64)
	}
	return shape, out, nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
