package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/common"
	"candle-trainer/internal/ml"
)

// Trial returns the hyperparameter tuning trial id from a TF_CONFIG style
// JSON document, or "" when absent or malformed.
func Trial(tfConfig string) string {
	if tfConfig == "" {
		return ""
	}
	var cfg struct {
		Task struct {
			Trial json.RawMessage `json:"trial"`
		} `json:"task"`
	}
	if err := json.Unmarshal([]byte(tfConfig), &cfg); err != nil || len(cfg.Task.Trial) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(cfg.Task.Trial, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(cfg.Task.Trial, &n); err == nil {
		return n.String()
	}
	return ""
}

// OutputDir returns where tuning summaries go: jobDir/<trial> when tuning
// with a trial id, jobDir otherwise.
func OutputDir(jobDir string, hypertune bool, tfConfig string) string {
	if !hypertune {
		return jobDir
	}
	trial := Trial(tfConfig)
	if trial == "" {
		return jobDir
	}
	if blob.IsRemote(jobDir) {
		return blob.Join(jobDir, trial)
	}
	return filepath.Join(jobDir, trial)
}

// Summary is a scalar summary event.
type Summary struct {
	Tag         string  `json:"tag"`
	SimpleValue float64 `json:"simple_value"`
	Step        int     `json:"step"`
	WallTime    float64 `json:"wall_time"`
}

// UnmarshalJSON accepts the quoted "NaN", "+Inf" and "-Inf" values written
// for a diverged run.
func (s *Summary) UnmarshalJSON(data []byte) error {
	type plain Summary
	var in struct {
		plain
		SimpleValue ml.Float `json:"simple_value"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Summary(in.plain)
	s.SimpleValue = float64(in.SimpleValue)
	return nil
}

// WriteSummary appends a scalar summary line to
// <outputDir>/<tag>/events.jsonl and returns the file location. Remote
// destinations receive a new object holding just this event. A non-finite
// value is written as a quoted string.
func WriteSummary(ctx context.Context, outputDir, tag string, value float64, step int, opts blob.Options) (string, error) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Log().
		Str("tag", tag).
		Float64("simple_value", value).
		Int("step", step).
		Float64("wall_time", float64(time.Now().UnixNano())/1e9).
		Send()
	line := buf.Bytes()

	name := tag + "/" + common.SummaryFile

	if blob.IsRemote(outputDir) {
		store, err := blob.New(outputDir, opts)
		if err != nil {
			return "", fmt.Errorf("summary: %w", err)
		}
		if err := store.Put(ctx, name, bytes.NewReader(line)); err != nil {
			return "", fmt.Errorf("summary: %w", err)
		}
		return blob.Join(outputDir, name), nil
	}

	dir := filepath.Join(outputDir, tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("summary: create %s: %w", dir, err)
	}
	target := filepath.Join(dir, common.SummaryFile)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("summary: open %s: %w", target, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return "", fmt.Errorf("summary: write %s: %w", target, err)
	}
	return target, nil
}

// ReadSummaries parses a local events file.
func ReadSummaries(path string) ([]Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Summary
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var s Summary
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("summary: parse %s: %w", path, err)
		}
		out = append(out, s)
	}
	return out, nil
}
