package remote

import (
	"context"
	"fmt"
)

// InsertRows writes rows one statement at a time using numbered parameter
// placeholders (?1, ?2, ...) rather than serialized SQL text — the
// parameterized fallback used by the orchestrator's degraded per-row retry
// for a chunk that failed with an oversize/statement error. It stops at the
// first row that fails and
// reports how many were written before that.
func (c *Client) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, replace bool) (rowsWritten int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}

	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("?%d", i+1)
	}
	colList := ""
	for i, col := range columns {
		if i > 0 {
			colList += ", "
		}
		colList += fmt.Sprintf("%q", col)
	}
	placeholderList := ""
	for i, p := range placeholders {
		if i > 0 {
			placeholderList += ", "
		}
		placeholderList += p
	}
	sql := fmt.Sprintf(`%s INTO %q (%s) VALUES (%s)`, verb, table, colList, placeholderList)

	for _, row := range rows {
		result := c.Execute(ctx, sql, row)
		if result.Err != nil {
			return rowsWritten, result.Err
		}
		rowsWritten += result.RowsWritten
	}
	return rowsWritten, nil
}
