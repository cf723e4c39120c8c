// Package schema streams tables and rows out of the local source database,
// the way block-spirit's pkg/table describes a MySQL table's structure and
// bounds for chunking — here against a read-only SQLite handle instead of a
// live replicated MySQL connection.
package schema

// ColumnInfo describes a single column as reported by SQLite's table_info
// pragma.
type ColumnInfo struct {
	Name         string
	Type         string
	NotNull      bool
	DefaultValue any
	IsPrimaryKey bool
}

// TableInfo is the immutable descriptor produced once per table at the
// start of a sync: name, columns, row count, index names and the verbatim
// CREATE TABLE text it was derived from.
type TableInfo struct {
	Name      string
	Columns   []ColumnInfo
	RowCount  int64
	Indexes   []string
	CreateSQL string
}

// ColumnNames returns the column names in declaration order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKeyColumn returns the name of the single-column primary key, if
// the table has exactly one. Composite keys and key-less tables return "".
func (t *TableInfo) PrimaryKeyColumn() string {
	var found string
	count := 0
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			count++
			found = c.Name
		}
	}
	if count == 1 {
		return found
	}
	return ""
}

// RowBatch is a page of rows read from the source, before chunking.
type RowBatch struct {
	Table       string
	Columns     []string
	Rows        [][]any
	Offset      int
	Fingerprint string
}

// Len returns the number of rows in the batch.
func (b *RowBatch) Len() int {
	return len(b.Rows)
}

// ReservedPrefixes are table-name prefixes excluded from every sync
// operation: SQLite's own catalog tables, and a namespace reserved for
// edge-side bookkeeping tables a destination database may carry.
var ReservedPrefixes = []string{"sqlite_", "edge_"}

// IsReservedTable reports whether name falls under a reserved prefix.
func IsReservedTable(name string) bool {
	for _, prefix := range ReservedPrefixes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
