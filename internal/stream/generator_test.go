package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMetrics struct {
	mu       sync.Mutex
	read     float64
	dropped  float64
	drift    int
	restarts int
}

func (m *mockMetrics) RowsReadAdd(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read += v
}

func (m *mockMetrics) RowsDroppedAdd(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped += v
}

func (m *mockMetrics) SchemaDriftInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift++
}

func (m *mockMetrics) SourceRestartsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func numericSchema() features.Schema {
	return features.Schema{
		Columns:    []string{"x1", "x2", "skip", "y"},
		Continuous: []string{"x1", "x2"},
		Labels:     []string{"y"},
	}
}

func writeCSV(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

// numericRows returns rows whose label is the row id.
func numericRows(from, to int) []string {
	var lines []string
	for i := from; i < to; i++ {
		lines = append(lines, fmt.Sprintf("%d,%d,0,%d", i, i*2, i))
	}
	return lines
}

func labelsOf(b Batch) []float64 {
	out := make([]float64, b.Len())
	for i, l := range b.Labels {
		out[i] = l[0]
	}
	return out
}

func TestGenerator_CoversRowsInOrderPerChunk(t *testing.T) {
	ctx := context.Background()
	path := writeCSV(t, t.TempDir(), "train.csv", numericRows(0, 10))

	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 4, BatchSize: 3, Schema: numericSchema()})
	require.NoError(t, err)
	defer g.Close()

	var sizes []int
	var seen []float64
	for i := 0; i < 5; i++ {
		b, err := g.Next(ctx)
		require.NoError(t, err)
		sizes = append(sizes, b.Len())
		seen = append(seen, labelsOf(b)...)
		for j, row := range b.Features {
			require.Len(t, row, 2)
			assert.Equal(t, row[0]*2, row[1])
			assert.Equal(t, row[0], b.Labels[j][0])
		}
	}

	// Chunks of 4, 4 and 2 rows; each re-sliced into batches of at most 3.
	assert.Equal(t, []int{3, 1, 3, 1, 2}, sizes)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.Equal(t, int64(10), g.RowsYielded())
	assert.Equal(t, int64(5), g.BatchesYielded())

	// The stream is infinite: the next batch starts over from row 0.
	b, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, labelsOf(b))
	assert.Equal(t, 1, g.Passes())
}

func TestGenerator_ExactMultipleOfBatchSize(t *testing.T) {
	ctx := context.Background()
	path := writeCSV(t, t.TempDir(), "eval.csv", numericRows(0, 1000))

	g, err := New(Config{Name: "eval", Files: []string{path}, ChunkSize: 5000, BatchSize: 40, Schema: numericSchema()})
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 25; i++ {
		b, err := g.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, 40, b.Len())
		assert.Equal(t, float64(i*40), b.Labels[0][0])
	}
	assert.Equal(t, int64(1000), g.RowsYielded())
}

func TestGenerator_DropsMalformedRows(t *testing.T) {
	ctx := context.Background()
	metrics := &mockMetrics{}
	path := writeCSV(t, t.TempDir(), "train.csv", []string{
		"1,2,0,10",
		"2, ?,0,20",   // missing marker
		"3,6,0,",      // empty label
		"4,abc,0,40",  // not numeric
		"5,10,0,50,9", // extra field
		"6,12,NA,60",  // missing in unused column
		"7,14,0,70",
	})

	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 100, BatchSize: 10, Schema: numericSchema(), Metrics: metrics})
	require.NoError(t, err)

	b, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 70}, labelsOf(b))
	assert.Equal(t, int64(5), g.RowsDropped())
	assert.Equal(t, 5.0, metrics.dropped)
	assert.Equal(t, 7.0, metrics.read)
}

func TestGenerator_SourcePolicies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", numericRows(0, 3))
	b := writeCSV(t, dir, "b.csv", numericRows(100, 102))

	collect := func(firstOnly bool, n int) []float64 {
		g, err := New(Config{
			Name: "train", Files: []string{a, b}, ChunkSize: 10, BatchSize: 1,
			Schema: numericSchema(), FirstFileOnly: firstOnly,
		})
		require.NoError(t, err)
		defer g.Close()

		var out []float64
		for i := 0; i < n; i++ {
			batch, err := g.Next(ctx)
			require.NoError(t, err)
			out = append(out, labelsOf(batch)...)
		}
		return out
	}

	assert.Equal(t, []float64{0, 1, 2, 100, 101, 0, 1}, collect(false, 7))
	assert.Equal(t, []float64{0, 1, 2, 0, 1, 2, 0}, collect(true, 7))
}

func TestGenerator_MissingSourceFails(t *testing.T) {
	g, err := New(Config{
		Name: "train", Files: []string{filepath.Join(t.TempDir(), "absent.csv")},
		ChunkSize: 10, BatchSize: 2, Schema: numericSchema(),
	})
	require.NoError(t, err)

	_, err = g.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, blob.ErrNotFound))
}

func TestGenerator_NoUsableRows(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "bad.csv", []string{"?,?,?,?", "x,y,z,w"})

	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 10, BatchSize: 2, Schema: numericSchema()})
	require.NoError(t, err)

	_, err = g.Next(context.Background())
	assert.True(t, errors.Is(err, ErrNoRows))
}

func TestGenerator_SchemaStableUnderCategoricalDrift(t *testing.T) {
	ctx := context.Background()
	metrics := &mockMetrics{}
	schema := features.Schema{
		Columns:     []string{"x", "kind", "y"},
		Categorical: []string{"kind"},
		Continuous:  []string{"x"},
		Labels:      []string{"y"},
	}
	path := writeCSV(t, t.TempDir(), "drift.csv", []string{
		// chunk 1: a, b, c
		"1,a,1", "2,b,2", "3,c,3",
		// chunk 2: a, b only (kind_c missing)
		"4,a,4", "5,b,5", "6,a,6",
		// chunk 3: a, d (kind_b, kind_c missing, kind_d extra)
		"7,a,7", "8,d,8", "9,a,9",
	})

	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 3, BatchSize: 3, Schema: schema, Metrics: metrics})
	require.NoError(t, err)

	first, err := g.Next(ctx)
	require.NoError(t, err)
	cols := g.Columns()
	assert.Equal(t, []string{"x", "kind_b", "kind_c"}, cols)
	assert.Equal(t, [][]float64{{1, 0, 0}, {2, 1, 0}, {3, 0, 1}}, first.Features)

	second, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, cols, g.Columns())
	assert.Equal(t, [][]float64{{4, 0, 0}, {5, 1, 0}, {6, 0, 0}}, second.Features)

	third, err := g.Next(ctx)
	require.NoError(t, err)
	for _, row := range third.Features {
		require.Len(t, row, 3)
		assert.Equal(t, 0.0, row[1])
		assert.Equal(t, 0.0, row[2])
	}
	assert.Equal(t, 2, metrics.drift)
}

func TestGenerator_EmptyFirstChunkFixesColumns(t *testing.T) {
	ctx := context.Background()
	metrics := &mockMetrics{}
	schema := features.Schema{
		Columns:     []string{"kind", "y"},
		Categorical: []string{"kind"},
		Labels:      []string{"y"},
	}
	path := writeCSV(t, t.TempDir(), "single.csv", []string{
		// chunk 1: one category, nothing left after drop-first
		"a,1", "a,2",
		// chunk 2: kind_b would appear if the columns were resolved again
		"a,3", "b,4",
	})

	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 2, BatchSize: 2, Schema: schema, Metrics: metrics})
	require.NoError(t, err)
	defer g.Close()

	first, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, g.Columns())
	for _, row := range first.Features {
		assert.Empty(t, row)
	}

	second, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, g.Columns())
	require.Equal(t, 2, second.Len())
	for _, row := range second.Features {
		assert.Empty(t, row)
	}
	assert.Equal(t, 1, metrics.drift)
}

func TestGenerator_InstancesDoNotShareSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schema := features.Schema{
		Columns:     []string{"x", "kind", "y"},
		Categorical: []string{"kind"},
		Continuous:  []string{"x"},
		Labels:      []string{"y"},
	}
	trainPath := writeCSV(t, dir, "train.csv", []string{"1,a,1", "2,b,2"})
	evalPath := writeCSV(t, dir, "eval.csv", []string{"1,p,1", "2,q,2", "3,r,3"})

	train, err := New(Config{Name: "train", Files: []string{trainPath}, ChunkSize: 10, BatchSize: 10, Schema: schema})
	require.NoError(t, err)
	eval, err := New(Config{Name: "eval", Files: []string{evalPath}, ChunkSize: 10, BatchSize: 10, Schema: schema})
	require.NoError(t, err)

	_, err = train.Next(ctx)
	require.NoError(t, err)
	_, err = eval.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "kind_b"}, train.Columns())
	assert.Equal(t, []string{"x", "kind_q", "kind_r"}, eval.Columns())
}

func TestGenerator_PinnedColumns(t *testing.T) {
	ctx := context.Background()
	metrics := &mockMetrics{}
	schema := features.Schema{
		Columns:     []string{"x", "kind", "y"},
		Categorical: []string{"kind"},
		Continuous:  []string{"x"},
		Labels:      []string{"y"},
	}
	path := writeCSV(t, t.TempDir(), "eval.csv", []string{"1,p,1", "2,q,2", "3,r,3"})

	g, err := New(Config{
		Name: "eval", Files: []string{path}, ChunkSize: 10, BatchSize: 10,
		Schema: schema, Columns: []string{"x", "kind_b"}, Metrics: metrics,
	})
	require.NoError(t, err)

	b, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "kind_b"}, g.Columns())
	assert.Equal(t, [][]float64{{1, 0}, {2, 0}, {3, 0}}, b.Features)
	assert.Equal(t, 1, metrics.drift)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no files", cfg: Config{ChunkSize: 1, BatchSize: 1, Schema: numericSchema()}},
		{name: "zero chunk", cfg: Config{Files: []string{"x"}, BatchSize: 1, Schema: numericSchema()}},
		{name: "zero batch", cfg: Config{Files: []string{"x"}, ChunkSize: 1, Schema: numericSchema()}},
		{name: "bad schema", cfg: Config{Files: []string{"x"}, ChunkSize: 1, BatchSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestGenerator_ContextCanceled(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "train.csv", numericRows(0, 3))
	g, err := New(Config{Name: "train", Files: []string{path}, ChunkSize: 10, BatchSize: 1, Schema: numericSchema()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
