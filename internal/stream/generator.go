package stream

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/features"

	"github.com/rs/zerolog/log"
)

// ErrNoRows is returned when a full pass over every source produced no
// usable row, which would otherwise make the stream spin forever.
var ErrNoRows = errors.New("stream: sources contain no usable rows")

// OpenFunc opens one source file for reading.
type OpenFunc func(ctx context.Context, name string) (io.ReadCloser, error)

// Config configures a Generator.
type Config struct {
	Name      string
	Files     []string
	ChunkSize int
	BatchSize int
	Schema    features.Schema

	// FirstFileOnly restarts every pass from Files[0] and never reads the
	// other files.
	FirstFileOnly bool

	// Columns pins the feature columns, typically to those another
	// generator resolved. Chunks are reindexed to them from the start.
	Columns []string

	Open        OpenFunc
	BlobOptions blob.Options
	Metrics     MetricsInterface
}

// Generator reads its sources chunk by chunk, encodes each chunk and hands
// out batches in row order. When the sources are exhausted it starts over,
// so the stream never ends. The resolved feature columns are owned by the
// generator: two generators never share schema state.
type Generator struct {
	cfg Config

	featureCols []string
	featureIdx  []int
	labelIdx    []int
	numericIdx  []int

	known    []string
	resolved bool

	file    int
	rc      io.ReadCloser
	reader  *csv.Reader
	pending []Batch

	yieldedInPass bool
	rows          int64
	batches       int64
	dropped       int64
	passes        int
}

// New validates cfg and returns a generator positioned before the first row.
// Sources are opened lazily on the first call to Next.
func New(cfg Config) (*Generator, error) {
	if len(cfg.Files) == 0 {
		return nil, fmt.Errorf("stream %s: no source files", cfg.Name)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("stream %s: chunk size must be positive, got %d", cfg.Name, cfg.ChunkSize)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("stream %s: batch size must be positive, got %d", cfg.Name, cfg.BatchSize)
	}
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
	}
	if cfg.Open == nil {
		opts := cfg.BlobOptions
		cfg.Open = func(ctx context.Context, name string) (io.ReadCloser, error) {
			return blob.OpenURI(ctx, name, opts)
		}
	}

	g := &Generator{cfg: cfg}
	if len(cfg.Columns) > 0 {
		g.known = append([]string(nil), cfg.Columns...)
		g.resolved = true
	}
	for i, c := range cfg.Schema.Columns {
		isLabel := cfg.Schema.IsLabel(c)
		if !isLabel {
			g.featureCols = append(g.featureCols, c)
			g.featureIdx = append(g.featureIdx, i)
		}
		if isLabel || contains(cfg.Schema.Continuous, c) {
			g.numericIdx = append(g.numericIdx, i)
		}
	}
	for _, c := range cfg.Schema.Labels {
		g.labelIdx = append(g.labelIdx, cfg.Schema.Index(c))
	}
	return g, nil
}

// Next returns the next batch. Source I/O errors are returned as-is and are
// not retried.
func (g *Generator) Next(ctx context.Context) (Batch, error) {
	for len(g.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if err := g.readChunk(ctx); err != nil {
			return Batch{}, err
		}
	}

	b := g.pending[0]
	g.pending[0] = Batch{}
	g.pending = g.pending[1:]
	g.rows += int64(b.Len())
	g.batches++
	return b, nil
}

// Columns returns the canonical feature columns, or nil before the first
// non-empty chunk.
func (g *Generator) Columns() []string {
	return append([]string(nil), g.known...)
}

// RowsYielded returns the number of rows handed out so far.
func (g *Generator) RowsYielded() int64 { return g.rows }

// BatchesYielded returns the number of batches handed out so far.
func (g *Generator) BatchesYielded() int64 { return g.batches }

// RowsDropped returns the number of raw rows discarded as malformed.
func (g *Generator) RowsDropped() int64 { return g.dropped }

// Passes returns how many times the generator has wrapped around its sources.
func (g *Generator) Passes() int { return g.passes }

// Close releases the currently open source, if any.
func (g *Generator) Close() error {
	if g.rc == nil {
		return nil
	}
	err := g.rc.Close()
	g.rc, g.reader = nil, nil
	return err
}

func (g *Generator) readChunk(ctx context.Context) error {
	if g.reader == nil {
		if err := g.open(ctx); err != nil {
			return err
		}
	}

	raw, eof, err := g.readRows()
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := g.process(raw); err != nil {
			return err
		}
	}
	if eof {
		return g.advance()
	}
	return nil
}

func (g *Generator) open(ctx context.Context) error {
	name := g.cfg.Files[g.file]
	rc, err := g.cfg.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("stream %s: open %s: %w", g.cfg.Name, name, err)
	}

	r := csv.NewReader(bufio.NewReader(rc))
	r.FieldsPerRecord = -1
	g.rc, g.reader = rc, r

	log.Debug().Str("stream", g.cfg.Name).Str("file", name).Msg("Opened source")
	return nil
}

// readRows reads up to ChunkSize raw records. Records the CSV parser rejects
// count toward the chunk and are dropped.
func (g *Generator) readRows() (rows [][]string, eof bool, err error) {
	rows = make([][]string, 0, min(g.cfg.ChunkSize, 4096))
	for n := 0; n < g.cfg.ChunkSize; n++ {
		rec, err := g.reader.Read()
		if err == io.EOF {
			return rows, true, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				g.drop(1)
				continue
			}
			return nil, false, fmt.Errorf("stream %s: read %s: %w", g.cfg.Name, g.cfg.Files[g.file], err)
		}
		rows = append(rows, rec)
	}
	return rows, false, nil
}

func (g *Generator) process(raw [][]string) error {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RowsReadAdd(float64(len(raw)))
	}

	frame := features.Frame{Columns: g.featureCols, Rows: make([][]string, 0, len(raw))}
	labels := make([][]float64, 0, len(raw))

	for _, rec := range raw {
		lab, ok := g.parseRow(rec)
		if !ok {
			g.drop(1)
			continue
		}
		cells := make([]string, len(g.featureIdx))
		for j, i := range g.featureIdx {
			cells[j] = rec[i]
		}
		frame.Rows = append(frame.Rows, cells)
		labels = append(labels, lab)
	}

	if frame.Len() == 0 {
		return nil
	}

	var known []string
	if g.resolved {
		known = g.known
	}
	enc, err := features.Encode(frame, g.cfg.Schema, known)
	if err != nil {
		return fmt.Errorf("stream %s: encode chunk: %w", g.cfg.Name, err)
	}
	if !g.resolved {
		g.known = append(make([]string, 0, len(enc.Columns)), enc.Columns...)
		g.resolved = true
		log.Debug().
			Str("stream", g.cfg.Name).
			Int("feature_count", len(g.known)).
			Msg("Resolved feature columns")
	} else if len(enc.Missing) > 0 || len(enc.Extra) > 0 {
		log.Debug().
			Str("stream", g.cfg.Name).
			Strs("missing", enc.Missing).
			Strs("extra", enc.Extra).
			Msg("Reindexed chunk to resolved columns")
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.SchemaDriftInc()
		}
	}

	size := g.cfg.BatchSize
	for start := 0; start < len(enc.Values); start += size {
		end := min(start+size, len(enc.Values))
		g.pending = append(g.pending, Batch{
			Features: enc.Values[start:end:end],
			Labels:   labels[start:end:end],
		})
	}
	g.yieldedInPass = true
	return nil
}

// parseRow checks rec for missing values and returns its labels.
func (g *Generator) parseRow(rec []string) ([]float64, bool) {
	if len(rec) != len(g.cfg.Schema.Columns) {
		return nil, false
	}
	for _, cell := range rec {
		if isMissing(cell) {
			return nil, false
		}
	}
	for _, i := range g.numericIdx {
		if _, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err != nil {
			return nil, false
		}
	}

	lab := make([]float64, len(g.labelIdx))
	for j, i := range g.labelIdx {
		lab[j], _ = strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	}
	return lab, true
}

func (g *Generator) advance() error {
	if err := g.Close(); err != nil {
		log.Warn().Err(err).Str("stream", g.cfg.Name).Msg("Failed to close source")
	}

	if !g.cfg.FirstFileOnly && g.file+1 < len(g.cfg.Files) {
		g.file++
		return nil
	}

	if !g.yieldedInPass {
		return fmt.Errorf("stream %s: %w", g.cfg.Name, ErrNoRows)
	}
	g.file = 0
	g.yieldedInPass = false
	g.passes++
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.SourceRestartsInc()
	}
	log.Debug().Str("stream", g.cfg.Name).Int("pass", g.passes).Msg("Sources exhausted, restarting")
	return nil
}

func (g *Generator) drop(n int) {
	g.dropped += int64(n)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RowsDroppedAdd(float64(n))
	}
}

// isMissing reports whether a cell holds a missing-value marker.
func isMissing(cell string) bool {
	switch strings.TrimSpace(cell) {
	case "", "?", "NA", "N/A", "NaN", "nan", "null", "NULL":
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
