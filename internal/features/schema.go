// Package features turns raw CSV chunks into fixed-width numeric feature
// matrices. The column set produced for the first chunk of a stream becomes
// canonical; later chunks are reindexed onto it so the model input width
// never changes, even when categorical values drift between chunks.
package features

import (
	"fmt"

	"candle-trainer/internal/common"
)

// Schema declares the headerless CSV layout and the role of every column.
type Schema struct {
	Columns     []string `yaml:"columns"`
	Categorical []string `yaml:"categorical"`
	Continuous  []string `yaml:"continuous"`
	Labels      []string `yaml:"labels"`
}

// DefaultSchema returns the reference candle-window schema.
func DefaultSchema() Schema {
	return Schema{
		Columns:    append([]string(nil), common.CSVColumns...),
		Continuous: append([]string(nil), common.ContinuousColumns...),
		Labels:     append([]string(nil), common.LabelColumns...),
	}
}

// Unused returns the declared columns that are neither features nor labels,
// in CSV order.
func (s Schema) Unused() []string {
	used := make(map[string]struct{}, len(s.Categorical)+len(s.Continuous)+len(s.Labels))
	for _, group := range [][]string{s.Categorical, s.Continuous, s.Labels} {
		for _, c := range group {
			used[c] = struct{}{}
		}
	}

	var unused []string
	for _, c := range s.Columns {
		if _, ok := used[c]; !ok {
			unused = append(unused, c)
		}
	}
	return unused
}

// IsLabel reports whether col is a label column.
func (s Schema) IsLabel(col string) bool {
	return contains(s.Labels, col)
}

// Index returns the CSV position of col, or -1.
func (s Schema) Index(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Validate checks that the schema is self-consistent.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if len(s.Labels) == 0 {
		return fmt.Errorf("schema has no label columns")
	}
	if len(s.Continuous)+len(s.Categorical) == 0 {
		return fmt.Errorf("schema has no feature columns")
	}

	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c == "" {
			return fmt.Errorf("schema has an empty column name")
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}

	role := make(map[string]string)
	for _, g := range []struct {
		name    string
		columns []string
	}{
		{"categorical", s.Categorical},
		{"continuous", s.Continuous},
		{"label", s.Labels},
	} {
		name := g.name
		for _, c := range g.columns {
			if _, ok := seen[c]; !ok {
				return fmt.Errorf("%s column %q is not declared in columns", name, c)
			}
			if prev, ok := role[c]; ok {
				return fmt.Errorf("column %q is both %s and %s", c, prev, name)
			}
			role[c] = name
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
