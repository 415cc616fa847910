package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-trainer/internal/cfg"
	"candle-trainer/internal/checkpoint"
	"candle-trainer/internal/export"
	"candle-trainer/internal/features"
	"candle-trainer/internal/metrics"
	"candle-trainer/internal/ml"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/storage"
	"candle-trainer/internal/stream"
)

// writeCandles writes n rows of the 30 column candle layout with prices
// close to 1.
func writeCandles(t *testing.T, path string, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		base := 1 + float64(i%20)/100
		cells := make([]string, 0, 30)
		for c := 0; c < 4; c++ {
			p := base + float64(c)/100
			cells = append(cells, fmt.Sprint(p), fmt.Sprint(p+0.01), fmt.Sprint(p-0.01), fmt.Sprint(p+0.005))
		}
		cells = append(cells, "0.5", "0.6", "0.7", "0.8")
		for c := 4; c < 6; c++ {
			p := base + float64(c)/100
			cells = append(cells, fmt.Sprint(p), fmt.Sprint(p+0.01), fmt.Sprint(p-0.01), fmt.Sprint(p+0.005), "0.9")
		}
		sb.WriteString(strings.Join(cells, ",") + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	return path
}

func testSettings(t *testing.T) cfg.Settings {
	t.Helper()
	dir := t.TempDir()
	return cfg.Settings{
		TrainFiles:       []string{writeCandles(t, filepath.Join(dir, "train.csv"), 200)},
		EvalFiles:        []string{writeCandles(t, filepath.Join(dir, "eval.csv"), 100)},
		JobDir:           filepath.Join(dir, "job"),
		StagingDir:       filepath.Join(dir, "staging"),
		TrainSteps:       5,
		EvalSteps:        3,
		TrainBatchSize:   10,
		EvalBatchSize:    10,
		ChunkSize:        50,
		LearningRate:     0.003,
		EvalFrequency:    3,
		FirstLayerSize:   8,
		NumLayers:        2,
		ScaleFactor:      0.5,
		NumEpochs:        6,
		CheckpointEpochs: 2,
		Seed:             1,
		BlobTimeout:      5 * time.Second,
		Schema:           features.DefaultSchema(),
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Publish(ev progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func historyTypes(t *testing.T, data []byte) map[string]int {
	t.Helper()
	out := map[string]int{}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var line struct {
			Type  string `json:"type"`
			RunID string `json:"run_id"`
		}
		require.NoError(t, dec.Decode(&line))
		assert.NotEmpty(t, line.RunID)
		out[line.Type]++
	}
	return out
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	s := testSettings(t)
	s.TrainSteps = 0
	_, err := New(s, Options{})
	assert.Error(t, err)
}

func TestTrainer_RunLocal(t *testing.T) {
	s := testSettings(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	events := &eventLog{}

	tr, err := New(s, Options{Metrics: metrics.NewWrapper(m), Publisher: events, RunID: "run-1"})
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 6, res.Epochs)
	assert.Equal(t, int64(6*5*10), res.TrainRows)
	assert.False(t, math.IsNaN(res.Train.Loss) || math.IsInf(res.Train.Loss, 0))
	require.True(t, res.Evaluated)
	assert.False(t, math.IsNaN(res.ValLoss))
	assert.NotEmpty(t, res.Version)

	// Checkpoints for epochs 2, 4 and 6.
	ckpts, err := filepath.Glob(filepath.Join(s.JobDir, "checkpoint.*"))
	require.NoError(t, err)
	require.Len(t, ckpts, 3)
	assert.True(t, strings.HasPrefix(filepath.Base(ckpts[0]), "checkpoint.02-"))
	assert.True(t, strings.HasPrefix(filepath.Base(ckpts[2]), "checkpoint.06-"))

	// Final model round trips.
	assert.Equal(t, filepath.Join(s.JobDir, "output_model.json"), res.ModelPath)
	f, err := os.Open(res.ModelPath)
	require.NoError(t, err)
	final, err := ml.Load(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, 4, final.OutputDim())

	// Export is readable and matches the final model.
	assert.Equal(t, filepath.Join(s.JobDir, "export"), res.ExportPath)
	sm, err := export.Read(res.ExportPath)
	require.NoError(t, err)
	assert.Equal(t, final.InputDim(), sm.InputDim)
	assert.Equal(t, final.Params(), sm.Layers)

	// One evaluation, at the start of epoch 3.
	summaries, err := export.ReadSummaries(res.SummaryPath)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, filepath.Join(s.JobDir, "val_loss", "events.jsonl"), res.SummaryPath)
	assert.Equal(t, 3, summaries[0].Step)
	assert.Equal(t, res.ValLoss, summaries[0].SimpleValue)

	// Ledger.
	ledger, err := storage.New(s.JobDir)
	require.NoError(t, err)
	defer ledger.Close()
	epochs, err := ledger.Epochs(0, -1)
	require.NoError(t, err)
	assert.Len(t, epochs, 6)
	cps, err := ledger.Checkpoints()
	require.NoError(t, err)
	assert.Len(t, cps, 3)
	evals, err := ledger.Evaluations()
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, 3, evals[0].Epoch)
	exports, err := ledger.Exports()
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, res.Version, exports[0].Version)

	// Registry.
	registry, err := ml.NewModelManager(s.JobDir)
	require.NoError(t, err)
	current := registry.GetCurrentVersion()
	require.NotNil(t, current)
	assert.Equal(t, res.Version, current.Version)
	require.NotNil(t, current.Metrics.ValLoss)
	assert.Equal(t, res.ValLoss, *current.Metrics.ValLoss)

	// History and progress events.
	data, err := os.ReadFile(filepath.Join(s.JobDir, "logs", "history.jsonl"))
	require.NoError(t, err)
	types := historyTypes(t, data)
	assert.Equal(t, 6, types[progress.EpochEnd])
	assert.Equal(t, 3, types[progress.Checkpoint])
	assert.Equal(t, 1, types[progress.Evaluation])
	assert.Equal(t, 1, types[progress.Export])
	assert.Equal(t, 1, types[progress.Done])
	assert.Equal(t, 6, events.count(progress.EpochEnd))
	assert.Equal(t, 1, events.count(progress.Done))

	// Metrics.
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EpochsTotal))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.TrainSteps))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CheckpointWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evaluations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExportsTotal))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.RowsRead.WithLabelValues("train")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.RowsRead.WithLabelValues("eval")))
}

func TestTrainer_NoEvaluationSkipsSummary(t *testing.T) {
	s := testSettings(t)
	s.NumEpochs = 2
	s.EvalFrequency = 10

	tr, err := New(s, Options{})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Evaluated)
	assert.Empty(t, res.SummaryPath)
	assert.NoDirExists(t, filepath.Join(s.JobDir, "val_loss"))
	assert.FileExists(t, filepath.Join(s.JobDir, "export", "saved_model.pb"))

	registry, err := ml.NewModelManager(s.JobDir)
	require.NoError(t, err)
	require.NotNil(t, registry.GetCurrentVersion())
	assert.Nil(t, registry.GetCurrentVersion().Metrics.ValLoss)
}

func TestTrainer_HypertuneSummaryPerTrial(t *testing.T) {
	s := testSettings(t)
	s.NumEpochs = 4
	s.Hypertune = true
	s.TFConfig = `{"task":{"type":"master","trial":"5"}}`

	tr, err := New(s, Options{})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.JobDir, "5", "val_loss", "events.jsonl"), res.SummaryPath)
	assert.FileExists(t, res.SummaryPath)
}

func TestTrainer_Distributed(t *testing.T) {
	s := testSettings(t)
	s.Distributed = true
	s.NumEpochs = 3

	tr, err := New(s, Options{})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, int64(3*5*10), res.TrainRows)
	assert.True(t, res.Evaluated)
}

func TestTrainer_RerunKeepsRunID(t *testing.T) {
	s := testSettings(t)
	s.NumEpochs = 1

	tr, err := New(s, Options{RunID: "first"})
	require.NoError(t, err)
	first, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, first.PreviousVersion)

	tr, err = New(s, Options{RunID: "second"})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", res.RunID)
	assert.Equal(t, first.Version, res.PreviousVersion)

	registry, err := ml.NewModelManager(s.JobDir)
	require.NoError(t, err)
	assert.Len(t, registry.ListVersions(), 2)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	s.NumEpochs = 1

	_, err := Rollback(ctx, s)
	assert.Error(t, err, "empty registry has nothing to roll back to")

	var versions []string
	for i := 0; i < 2; i++ {
		tr, err := New(s, Options{})
		require.NoError(t, err)
		res, err := tr.Run(ctx)
		require.NoError(t, err)
		versions = append(versions, res.Version)
	}

	active, err := Rollback(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, versions[0], active.Version)
	assert.True(t, active.IsActive)

	registry, err := ml.NewModelManager(s.JobDir)
	require.NoError(t, err)
	require.NotNil(t, registry.GetCurrentVersion())
	assert.Equal(t, versions[0], registry.GetCurrentVersion().Version)

	_, err = Rollback(ctx, s)
	assert.Error(t, err)

	s.JobDir = ""
	_, err = Rollback(ctx, s)
	assert.Error(t, err)
}

func TestTrainer_MissingTrainFile(t *testing.T) {
	s := testSettings(t)
	s.TrainFiles = []string{filepath.Join(t.TempDir(), "missing.csv")}

	tr, err := New(s, Options{})
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.Error(t, err)
}

func TestTrainer_Canceled(t *testing.T) {
	s := testSettings(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, err := New(s, Options{})
	require.NoError(t, err)
	_, err = tr.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTrainer_RemoteJobDir(t *testing.T) {
	var mu sync.Mutex
	objects := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		objects[r.URL.Path] = data
		mu.Unlock()
	}))
	defer srv.Close()

	s := testSettings(t)
	s.JobDir = srv.URL + "/job"

	tr, err := New(s, Options{})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/job/output_model.json", res.ModelPath)
	assert.Equal(t, srv.URL+"/job/export", res.ExportPath)
	assert.Equal(t, srv.URL+"/job/val_loss/events.jsonl", res.SummaryPath)

	mu.Lock()
	defer mu.Unlock()
	var paths []string
	for p := range objects {
		paths = append(paths, p)
	}
	assert.Subset(t, paths, []string{
		"/job/output_model.json",
		"/job/export/saved_model.pb",
		"/job/export/variables/variables.pb",
		"/job/val_loss/events.jsonl",
		"/job/logs/history.jsonl",
		"/job/model_versions.json",
	})

	// Only the evaluated checkpoint is propagated.
	var propagated []string
	for _, p := range paths {
		if strings.HasPrefix(p, "/job/checkpoint.") {
			propagated = append(propagated, p)
		}
	}
	require.Len(t, propagated, 1)
	assert.True(t, strings.HasPrefix(propagated[0], "/job/checkpoint.02-"))

	// Staged checkpoints stay local.
	staged, err := checkpoint.New(checkpoint.Config{Destination: s.StagingDir})
	require.NoError(t, err)
	ids, err := staged.List()
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	types := historyTypes(t, objects["/job/logs/history.jsonl"])
	assert.Equal(t, 1, types[progress.Done])
}

type constSource struct{ b stream.Batch }

func (c constSource) Next(ctx context.Context) (stream.Batch, error) { return c.b, nil }

func streamBatch(label float64) stream.Batch {
	return stream.Batch{Features: [][]float64{{0}}, Labels: [][]float64{{label}}}
}

func TestPeeked_ReplaysFirstBatch(t *testing.T) {
	b := streamBatch(1)
	p := &peeked{src: constSource{streamBatch(2)}, first: &b}

	got, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Labels[0][0])
	got, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Labels[0][0])
}
