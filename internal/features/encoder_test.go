package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		Columns:     []string{"a", "b", "color", "skip", "y"},
		Categorical: []string{"color"},
		Continuous:  []string{"a", "b"},
		Labels:      []string{"y"},
	}
}

func frameOf(columns []string, rows ...[]string) Frame {
	return Frame{Columns: columns, Rows: rows}
}

func TestEncode_DropFirstAndUnused(t *testing.T) {
	schema := testSchema()
	frame := frameOf([]string{"a", "b", "color", "skip"},
		[]string{"1", "2", "red", "9"},
		[]string{"3", "4", "blue", "9"},
		[]string{"5", "6", "green", "9"},
	)

	enc, err := Encode(frame, schema, nil)
	require.NoError(t, err)

	// blue sorts first and is dropped; skip is unused.
	assert.Equal(t, []string{"a", "b", "color_green", "color_red"}, enc.Columns)
	assert.Equal(t, [][]float64{
		{1, 2, 0, 1},
		{3, 4, 0, 0},
		{5, 6, 1, 0},
	}, enc.Values)
	assert.Empty(t, enc.Missing)
	assert.Empty(t, enc.Extra)
}

func TestEncode_StableOrderAcrossChunks(t *testing.T) {
	schema := testSchema()
	cols := []string{"a", "b", "color", "skip"}

	first, err := Encode(frameOf(cols,
		[]string{"1", "2", "red", "0"},
		[]string{"1", "2", "blue", "0"},
	), schema, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		next, err := Encode(frameOf(cols,
			[]string{"7", "8", "blue", "0"},
			[]string{"9", "1", "red", "0"},
		), schema, first.Columns)
		require.NoError(t, err)
		assert.Equal(t, first.Columns, next.Columns)
	}
}

func TestEncode_ReindexZeroFillsMissingColumn(t *testing.T) {
	schema := testSchema()
	known := []string{"a", "b", "color_green", "color_red"}

	// Only blue and red observed: color_green is absent from this chunk.
	enc, err := Encode(frameOf([]string{"a", "b", "color", "skip"},
		[]string{"1", "2", "blue", "0"},
		[]string{"3", "4", "red", "0"},
	), schema, known)
	require.NoError(t, err)

	assert.Equal(t, known, enc.Columns)
	assert.Equal(t, []string{"color_green"}, enc.Missing)
	for _, row := range enc.Values {
		assert.Equal(t, 0.0, row[2])
	}
	assert.Equal(t, [][]float64{{1, 2, 0, 0}, {3, 4, 0, 1}}, enc.Values)
}

func TestEncode_ReindexDropsUnknownColumn(t *testing.T) {
	schema := testSchema()
	known := []string{"a", "b", "color_red"}

	enc, err := Encode(frameOf([]string{"a", "b", "color", "skip"},
		[]string{"1", "2", "blue", "0"},
		[]string{"3", "4", "red", "0"},
		[]string{"5", "6", "violet", "0"},
	), schema, known)
	require.NoError(t, err)

	assert.Equal(t, known, enc.Columns)
	assert.Equal(t, []string{"color_violet"}, enc.Extra)
	assert.Equal(t, [][]float64{{1, 2, 0}, {3, 4, 1}, {5, 6, 0}}, enc.Values)
}

func TestEncode_ReferenceSchemaWidth(t *testing.T) {
	schema := DefaultSchema()
	require.NoError(t, schema.Validate())

	var feature []string
	for _, c := range schema.Columns {
		if !schema.IsLabel(c) {
			feature = append(feature, c)
		}
	}
	row := make([]string, len(feature))
	for i := range row {
		row[i] = "1.5"
	}

	enc, err := Encode(Frame{Columns: feature, Rows: [][]string{row}}, schema, nil)
	require.NoError(t, err)
	assert.Len(t, enc.Columns, 25)
	assert.Equal(t, []string{"V6"}, schema.Unused())
	assert.NotContains(t, enc.Columns, "V6")
}

func TestEncode_Errors(t *testing.T) {
	schema := testSchema()
	cols := []string{"a", "b", "color", "skip"}

	_, err := Encode(frameOf(cols, []string{"x", "2", "red", "0"}), schema, nil)
	assert.Error(t, err)

	_, err = Encode(frameOf(cols, []string{"1", "2"}), schema, nil)
	assert.Error(t, err)
}

func TestEncode_EmptyFrame(t *testing.T) {
	enc, err := Encode(frameOf([]string{"a", "b", "color", "skip"}), testSchema(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, enc.Columns)
	assert.Empty(t, enc.Values)
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Schema)
		wantErr string
	}{
		{name: "valid", mutate: func(s *Schema) {}},
		{name: "duplicate column", mutate: func(s *Schema) { s.Columns = append(s.Columns, "a") }, wantErr: `duplicate column "a"`},
		{name: "undeclared label", mutate: func(s *Schema) { s.Labels = []string{"z"} }, wantErr: `label column "z" is not declared`},
		{name: "label is feature", mutate: func(s *Schema) { s.Labels = []string{"a"} }, wantErr: `column "a" is both continuous and label`},
		{name: "categorical and continuous", mutate: func(s *Schema) { s.Categorical = []string{"color", "b"} }, wantErr: `column "b" is both categorical and continuous`},
		{name: "no labels", mutate: func(s *Schema) { s.Labels = nil }, wantErr: "no label columns"},
		{name: "no features", mutate: func(s *Schema) { s.Continuous, s.Categorical = nil, nil }, wantErr: "no feature columns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSchema()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
