package chunk

import (
	"math"
	"testing"

	"github.com/block/edgesync/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeValueBasics(t *testing.T) {
	assert.Equal(t, "NULL", EscapeValue(nil))
	assert.Equal(t, "1", EscapeValue(true))
	assert.Equal(t, "0", EscapeValue(false))
	assert.Equal(t, "42", EscapeValue(42))
	assert.Equal(t, "X'deadbeef'", EscapeValue([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestEscapeValueQuotesAndNulBytes(t *testing.T) {
	assert.Equal(t, "'O''Brien'", EscapeValue("O'Brien"))
	assert.Equal(t, "'ab'", EscapeValue("a\x00b"))
}

func TestEscapeValueNonFiniteFloats(t *testing.T) {
	assert.Equal(t, "NULL", EscapeValue(math.NaN()))
	assert.Equal(t, "NULL", EscapeValue(math.Inf(1)))
	assert.Equal(t, "NULL", EscapeValue(math.Inf(-1)))
	assert.Equal(t, "3.5", EscapeValue(3.5))
}

func TestBuildInsertStatementVerbSelection(t *testing.T) {
	rows := [][]any{{1, "Alice"}}
	ignoreSQL := BuildInsertStatement("users", []string{"id", "name"}, rows, false)
	replaceSQL := BuildInsertStatement("users", []string{"id", "name"}, rows, true)

	assert.Contains(t, ignoreSQL, "INSERT OR IGNORE")
	assert.Contains(t, replaceSQL, "INSERT OR REPLACE")
	assert.Contains(t, ignoreSQL, `"users"`)
	assert.Contains(t, ignoreSQL, `(1, 'Alice')`)
}

func TestBuildInsertStatementEmptyRows(t *testing.T) {
	assert.Equal(t, "", BuildInsertStatement("users", []string{"id"}, nil, false))
}

func limitsWithCeiling(bytes int) config.Limits {
	return config.Limits{MaxSQLBytes: bytes, BatchSafetyMargin: 1.0, MaxRowsPerBatch: 100, ConcurrentBatches: 1}
}

func TestChunkRowsSingleChunkWhenSmall(t *testing.T) {
	limits := limitsWithCeiling(10_000)
	rows := [][]any{{1, "Alice"}, {2, "Bob"}, {3, "Carol"}}

	chunks, oversized := ChunkRows(limits, "users", []string{"id", "name"}, rows, false, 0)
	require.Empty(t, oversized)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].RowCount)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 2, chunks[0].EndOffset)
}

func TestChunkRowsSplitsOnByteCeiling(t *testing.T) {
	// The five rows render to a 116-byte statement, so a 100-byte ceiling
	// forces a split.
	limits := limitsWithCeiling(100)
	rows := [][]any{
		{1, "Alice"}, {2, "Bob"}, {3, "Carol"}, {4, "Dave"}, {5, "Eve"},
	}

	chunks, oversized := ChunkRows(limits, "users", []string{"id", "name"}, rows, false, 0)
	require.Empty(t, oversized)
	require.Greater(t, len(chunks), 1)

	totalRows := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.ByteSize, limits.EffectiveBytes())
		totalRows += c.RowCount
	}
	assert.Equal(t, len(rows), totalRows)
}

func TestChunkRowsCoverageHasNoGapsOrOverlaps(t *testing.T) {
	limits := limitsWithCeiling(150)
	rows := make([][]any, 20)
	for i := range rows {
		rows[i] = []any{i, "some-longer-name-value"}
	}

	chunks, oversized := ChunkRows(limits, "items", []string{"id", "name"}, rows, false, 0)
	require.Empty(t, oversized)

	expected := 0
	for _, c := range chunks {
		assert.Equal(t, expected, c.StartOffset)
		expected = c.EndOffset + 1
	}
	assert.Equal(t, len(rows), expected)
}

func TestChunkRowsOversizeRowIsExcludedAndReported(t *testing.T) {
	limits := limitsWithCeiling(60)
	rows := [][]any{
		{1, "ok"},
		{2, "this-value-is-much-too-long-to-ever-fit-in-the-configured-ceiling-at-all"},
		{3, "ok2"},
	}

	chunks, oversized := ChunkRows(limits, "t", []string{"id", "v"}, rows, false, 0)
	require.Len(t, oversized, 1)
	assert.Equal(t, 1, oversized[0].Offset)
	assert.Error(t, oversized[0].Err)

	var total int
	for _, c := range chunks {
		total += c.RowCount
	}
	assert.Equal(t, 2, total)
}

func TestChunkRowsEmptyInput(t *testing.T) {
	chunks, oversized := ChunkRows(limitsWithCeiling(1000), "t", []string{"id"}, nil, false, 0)
	assert.Nil(t, chunks)
	assert.Nil(t, oversized)
}

func TestChunkRowsRespectsStartOffset(t *testing.T) {
	limits := limitsWithCeiling(10_000)
	rows := [][]any{{1, "a"}, {2, "b"}}
	chunks, _ := ChunkRows(limits, "t", []string{"id", "v"}, rows, false, 50)
	require.Len(t, chunks, 1)
	assert.Equal(t, 50, chunks[0].StartOffset)
	assert.Equal(t, 51, chunks[0].EndOffset)
}
