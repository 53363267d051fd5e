package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRows renders each pair as one two-column row.
type testRows [][2]string

func (testRows) Headers() []string { return []string{"Name", "Value"} }

func (r testRows) Rows() [][]string {
	out := make([][]string, 0, len(r))
	for _, pair := range r {
		out = append(out, []string{pair[0], pair[1]})
	}
	return out
}

func TestPrintTable(t *testing.T) {
	data := testRows{
		{"key1", "value1"},
		{"key2", "value2"},
	}

	var buf bytes.Buffer
	err := PrintTable(&buf, data)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "VALUE")
	assert.Contains(t, output, "key1")
	assert.Contains(t, output, "value1")
	assert.Contains(t, output, "key2")
	assert.Contains(t, output, "value2")
}

func TestSimpleTable(t *testing.T) {
	pairs := [][2]string{
		{"Key1", "Value1"},
		{"Key2", "Value2"},
	}

	var buf bytes.Buffer
	err := SimpleTable(&buf, pairs)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Key1")
	assert.Contains(t, output, "Value1")
	assert.Contains(t, output, "Key2")
	assert.Contains(t, output, "Value2")
}
