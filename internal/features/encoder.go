package features

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Frame is one chunk of raw rows. Every row has one cell per column.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of rows in the frame.
func (f Frame) Len() int {
	return len(f.Rows)
}

// Encoded is the numeric form of a Frame.
type Encoded struct {
	Columns []string
	Values  [][]float64

	// Missing lists known columns absent from this chunk (zero-filled).
	Missing []string
	// Extra lists columns produced by this chunk but dropped by the reindex.
	Extra []string
}

// Encode converts frame to a numeric matrix.
//
// Categorical fields are expanded to one indicator column per observed
// category except the first (sorted order), continuous fields are parsed,
// and everything else is dropped. When known is non-nil the result is
// reindexed to exactly that column list; otherwise the produced column list
// is returned as the canonical one.
func Encode(frame Frame, schema Schema, known []string) (Encoded, error) {
	pos := make(map[string]int, len(frame.Columns))
	for i, c := range frame.Columns {
		pos[c] = i
	}

	var (
		columns []string
		build   []func(row []string) (float64, error)
	)

	for _, c := range frame.Columns {
		if !contains(schema.Continuous, c) {
			continue
		}
		idx := pos[c]
		name := c
		columns = append(columns, name)
		build = append(build, func(row []string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
			if err != nil {
				return 0, fmt.Errorf("column %s: %w", name, err)
			}
			return v, nil
		})
	}

	for _, c := range schema.Categorical {
		idx, ok := pos[c]
		if !ok {
			continue
		}
		for _, category := range dropFirst(categories(frame.Rows, idx)) {
			category := category
			columns = append(columns, indicatorName(c, category))
			build = append(build, func(row []string) (float64, error) {
				if strings.TrimSpace(row[idx]) == category {
					return 1, nil
				}
				return 0, nil
			})
		}
	}

	values := make([][]float64, len(frame.Rows))
	for r, row := range frame.Rows {
		if len(row) != len(frame.Columns) {
			return Encoded{}, fmt.Errorf("row %d has %d cells, expected %d", r, len(row), len(frame.Columns))
		}
		vec := make([]float64, len(build))
		for j, fn := range build {
			v, err := fn(row)
			if err != nil {
				return Encoded{}, fmt.Errorf("row %d: %w", r, err)
			}
			vec[j] = v
		}
		values[r] = vec
	}

	out := Encoded{Columns: columns, Values: values}
	if known != nil {
		out = reindex(out, known)
	}
	return out, nil
}

// reindex maps enc onto known: columns missing from enc are zero-filled and
// columns not in known are dropped.
func reindex(enc Encoded, known []string) Encoded {
	src := make(map[string]int, len(enc.Columns))
	for i, c := range enc.Columns {
		src[c] = i
	}

	out := Encoded{
		Columns: append([]string(nil), known...),
		Values:  make([][]float64, len(enc.Values)),
	}

	mapping := make([]int, len(known))
	keep := make(map[string]struct{}, len(known))
	for j, c := range known {
		keep[c] = struct{}{}
		i, ok := src[c]
		if !ok {
			i = -1
			out.Missing = append(out.Missing, c)
		}
		mapping[j] = i
	}
	for _, c := range enc.Columns {
		if _, ok := keep[c]; !ok {
			out.Extra = append(out.Extra, c)
		}
	}

	for r, row := range enc.Values {
		vec := make([]float64, len(known))
		for j, i := range mapping {
			if i >= 0 {
				vec[j] = row[i]
			}
		}
		out.Values[r] = vec
	}
	return out
}

func categories(rows [][]string, idx int) []string {
	set := make(map[string]struct{})
	for _, row := range rows {
		if idx < len(row) {
			set[strings.TrimSpace(row[idx])] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func dropFirst(cats []string) []string {
	if len(cats) == 0 {
		return nil
	}
	return cats[1:]
}

func indicatorName(field, category string) string {
	return field + "_" + category
}
