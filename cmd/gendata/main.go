package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candle-trainer/internal/common"
)

type candle struct {
	open, high, low, close, volume float64
}

type genOptions struct {
	Rows        int
	Seed        int64
	StartPrice  float64
	Volatility  float64
	MissingRate float64
}

func main() {
	var (
		out         = flag.String("out", "data/train.csv", "Output CSV path")
		rows        = flag.Int("rows", 10000, "Rows to generate")
		seed        = flag.Int64("seed", 1, "Random seed")
		startPrice  = flag.Float64("start-price", 1.0, "Starting price")
		volatility  = flag.Float64("volatility", 0.01, "Per candle volatility")
		missingRate = flag.Float64("missing-rate", 0, "Fraction of rows with one cell replaced by a missing marker")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create output file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	n, err := generate(w, genOptions{
		Rows:        *rows,
		Seed:        *seed,
		StartPrice:  *startPrice,
		Volatility:  *volatility,
		MissingRate: *missingRate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate data")
	}
	if err := w.Flush(); err != nil {
		log.Fatal().Err(err).Msg("Failed to write data")
	}

	log.Info().Str("out", *out).Int("rows", n).Float64("missing_rate", *missingRate).Msg("Generated candle data")
}

// generate writes opts.Rows headerless rows in the reference candle layout.
// Each row is a window of six consecutive candles from one random walk.
func generate(w io.Writer, opts genOptions) (int, error) {
	if opts.Rows <= 0 {
		return 0, fmt.Errorf("rows must be positive, got %d", opts.Rows)
	}
	if opts.MissingRate < 0 || opts.MissingRate > 1 {
		return 0, fmt.Errorf("missing rate must be between 0 and 1, got %g", opts.MissingRate)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	price := opts.StartPrice
	next := func() candle {
		open := price
		closing := open * math.Exp(opts.Volatility*rng.NormFloat64())
		wick := math.Abs(opts.Volatility * rng.NormFloat64() * open)
		price = closing
		return candle{
			open:   open,
			high:   math.Max(open, closing) + wick,
			low:    math.Max(0, math.Min(open, closing)-wick),
			close:  closing,
			volume: 100 + 50*rng.Float64(),
		}
	}

	window := make([]candle, 6)
	for i := range window {
		window[i] = next()
	}

	cw := csv.NewWriter(w)
	for r := 0; r < opts.Rows; r++ {
		rec := layout(window)
		if opts.MissingRate > 0 && rng.Float64() < opts.MissingRate {
			rec[rng.Intn(len(rec))] = "?"
		}
		if err := cw.Write(rec); err != nil {
			return r, err
		}
		copy(window, window[1:])
		window[len(window)-1] = next()
	}
	cw.Flush()
	return opts.Rows, cw.Error()
}

// layout orders a six candle window as O1..C4, V1..V4, O5..V5, O6..V6.
func layout(win []candle) []string {
	rec := make([]string, 0, len(common.CSVColumns))
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for _, c := range win[:4] {
		rec = append(rec, f(c.open), f(c.high), f(c.low), f(c.close))
	}
	for _, c := range win[:4] {
		rec = append(rec, f(c.volume))
	}
	for _, c := range win[4:] {
		rec = append(rec, f(c.open), f(c.high), f(c.low), f(c.close), f(c.volume))
	}
	return rec
}
