// Package chunk packs rows into size-bounded INSERT statements the remote
// client can execute directly, the way block-spirit's table.Chunker packs
// a key range into a copy-sized Chunk — except the bound here is a byte
// ceiling on serialized SQL text rather than a row-count/duration target.
package chunk

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/block/edgesync/pkg/config"
)

// InsertChunk is a single ready-to-execute INSERT statement plus the
// bookkeeping the orchestrator needs to map its acknowledgement back onto
// table progress.
type InsertChunk struct {
	Table       string
	SQL         string
	RowCount    int
	ByteSize    int
	StartOffset int
	EndOffset   int // inclusive
}

// OversizeRow records a single row that could not be packed into any chunk
// because its serialized form alone exceeds the effective byte ceiling.
// Spec requires this be surfaced distinctly rather than silently emitted in
// an oversized chunk.
type OversizeRow struct {
	Offset int
	Row    []any
	Err    error
}

// EscapeValue renders v as a literal suitable for direct inclusion in an
// INSERT ... VALUES list. This is the one function in the package that must
// never be wrong: a mistake here corrupts data, not just formatting.
func EscapeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + strings.ToLower(hexEncode(val)) + "'"
	case float32:
		return escapeFloat(float64(val))
	case float64:
		return escapeFloat(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	default:
		return escapeText(fmt.Sprintf("%v", val))
	}
}

func escapeFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// formatRow renders one row as "(v1, v2, ...)".
func formatRow(row []any) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = EscapeValue(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func verbFor(replace bool) string {
	if replace {
		return "INSERT OR REPLACE"
	}
	return "INSERT OR IGNORE"
}

func quotedColumnList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = `"` + c + `"`
	}
	return strings.Join(parts, ", ")
}

// BuildInsertStatement renders a complete statement for the given rows. It
// returns "" if rows is empty.
func BuildInsertStatement(table string, columns []string, rows [][]any, replace bool) string {
	if len(rows) == 0 {
		return ""
	}
	rendered := make([]string, len(rows))
	for i, row := range rows {
		rendered[i] = formatRow(row)
	}
	return fmt.Sprintf("%s INTO %q (%s) VALUES\n%s;",
		verbFor(replace), table, quotedColumnList(columns), strings.Join(rendered, ",\n"))
}

func baseOverheadBytes(table string, columns []string, replace bool) int {
	stmt := fmt.Sprintf("%s INTO %q (%s) VALUES\n;", verbFor(replace), table, quotedColumnList(columns))
	return len(stmt)
}

// ChunkRows packs rows into the minimum number of statements whose byte
// size does not exceed limits.EffectiveBytes(), in a single deterministic
// O(n) pass. startOffset is the table-relative offset of rows[0].
//
// A row whose own serialized size already exceeds the ceiling can never fit
// in any chunk; it is excluded from the returned chunks and reported in
// oversized instead, and packing continues with the next row.
func ChunkRows(limits config.Limits, table string, columns []string, rows [][]any, replace bool, startOffset int) (chunks []InsertChunk, oversized []OversizeRow) {
	if len(rows) == 0 {
		return nil, nil
	}

	ceiling := limits.EffectiveBytes()
	base := baseOverheadBytes(table, columns, replace)

	var current [][]any
	currentSize := base
	chunkStart := startOffset
	chunkEnd := startOffset

	flush := func() {
		if len(current) == 0 {
			return
		}
		sql := BuildInsertStatement(table, columns, current, replace)
		chunks = append(chunks, InsertChunk{
			Table:       table,
			SQL:         sql,
			RowCount:    len(current),
			ByteSize:    len(sql),
			StartOffset: chunkStart,
			EndOffset:   chunkEnd,
		})
		current = nil
	}

	for i, row := range rows {
		offset := startOffset + i
		rowSize := len(formatRow(row))

		if base+rowSize > ceiling {
			oversized = append(oversized, OversizeRow{
				Offset: offset,
				Row:    row,
				Err:    fmt.Errorf("row at offset %d serializes to %d bytes, exceeding the %d byte ceiling", offset, rowSize, ceiling),
			})
			continue
		}

		separator := 0
		if len(current) > 0 {
			separator = 2 // ",\n"
		}
		total := rowSize + separator

		if len(current) > 0 && currentSize+total > ceiling {
			flush()
			current = [][]any{row}
			currentSize = base + rowSize
			chunkStart = offset
			chunkEnd = offset
			continue
		}

		if len(current) == 0 {
			chunkStart = offset
		}
		current = append(current, row)
		currentSize += total
		chunkEnd = offset
	}

	flush()
	return chunks, oversized
}
