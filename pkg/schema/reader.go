package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/edgesync/pkg/config"
	"github.com/block/edgesync/pkg/integrity"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered as "sqlite"
)

const driverName = "sqlite"

// Reader streams tables and rows out of a local SQLite file. It owns the
// *sql.DB for the lifetime of a run, the way block-spirit's dbconn.DBConn
// owns the MySQL connection pool for the migration's duration.
type Reader struct {
	db       *sql.DB
	readOnly bool
}

// Open opens the database at path. When readOnly is true, the connection is
// opened with SQLite's mode=ro URI parameter and every write operation on
// the returned Reader fails fast rather than touching the file.
func Open(path string, readOnly bool) (*Reader, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(30000)"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening source database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening source database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention
	return &Reader{db: db, readOnly: readOnly}, nil
}

// Close releases the underlying connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// ListTables returns every non-reserved table, each with its columns, row
// count, index names and CREATE TABLE text, ordered topologically by
// foreign-key dependency.
func (r *Reader) ListTables(ctx context.Context) ([]*TableInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, sql FROM sqlite_master
		WHERE type = 'table'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []*TableInfo
	for rows.Next() {
		var name string
		var createSQL sql.NullString
		if err := rows.Scan(&name, &createSQL); err != nil {
			return nil, fmt.Errorf("scanning sqlite_master row: %w", err)
		}
		if IsReservedTable(name) {
			continue
		}
		tables = append(tables, &TableInfo{Name: name, CreateSQL: createSQL.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	for _, t := range tables {
		cols, err := r.columnInfo(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		t.Columns = cols

		count, err := r.GetRowCount(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		t.RowCount = count

		indexes, err := r.indexNames(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		t.Indexes = indexes
	}

	return SortByDependencies(tables), nil
}

func (r *Reader) columnInfo(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("reading column info for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info for %s: %w", table, err)
		}
		var def any
		if defaultValue.Valid {
			def = defaultValue.String
		}
		cols = append(cols, ColumnInfo{
			Name:         name,
			Type:         colType,
			NotNull:      notNull != 0,
			DefaultValue: def,
			IsPrimaryKey: pk != 0,
		})
	}
	return cols, rows.Err()
}

func (r *Reader) indexNames(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("reading index list for %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, fmt.Errorf("scanning index list for %s: %w", table, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetRowCount returns the current row count of table.
func (r *Reader) GetRowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table)))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return count, nil
}

// GetCreateStatement returns the verbatim CREATE TABLE text for table.
func (r *Reader) GetCreateStatement(ctx context.Context, table string) (string, error) {
	var createSQL sql.NullString
	row := r.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err := row.Scan(&createSQL); err != nil {
		return "", fmt.Errorf("reading create statement for %s: %w", table, err)
	}
	return createSQL.String, nil
}

// GetIndexStatements returns the verbatim CREATE INDEX text for every
// non-autoindex on table.
func (r *Reader) GetIndexStatements(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sql FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL
		ORDER BY name
	`, table)
	if err != nil {
		return nil, fmt.Errorf("reading index statements for %s: %w", table, err)
	}
	defer rows.Close()

	var statements []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return nil, fmt.Errorf("scanning index statement for %s: %w", table, err)
		}
		statements = append(statements, stmt)
	}
	return statements, rows.Err()
}

// IterRows streams rows from table in pages of batchSize, calling fn once
// per batch in offset order starting at offset, stopping once limit rows
// have been produced (0 means unbounded) or the table is exhausted. fn's
// error aborts iteration and is returned to the caller.
//
// Ordering is by the table's primary key column when it declares a
// single-column primary key; otherwise by SQLite's implicit rowid, which is
// still a stable, deterministic order for an unmodified table.
func (r *Reader) IterRows(ctx context.Context, t *TableInfo, batchSize, offset, limit int, algo config.ChecksumAlgorithm, fn func(*RowBatch) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	columns := t.ColumnNames()
	orderBy := t.PrimaryKeyColumn()
	if orderBy == "" {
		orderBy = "rowid"
	}

	colList := quoteColumnList(columns)
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?`, colList, quoteIdent(t.Name), quoteIdent(orderBy))

	current := offset
	produced := 0
	for {
		fetch := batchSize
		if limit > 0 && limit-produced < fetch {
			fetch = limit - produced
		}
		if fetch <= 0 {
			break
		}

		rows, err := r.db.QueryContext(ctx, query, fetch, current)
		if err != nil {
			return fmt.Errorf("reading rows from %s: %w", t.Name, err)
		}

		batchRows, err := scanRows(rows, len(columns))
		rows.Close()
		if err != nil {
			return err
		}
		if len(batchRows) == 0 {
			break
		}

		fingerprint, err := integrity.BatchChecksum(algo, batchRows)
		if err != nil {
			return fmt.Errorf("fingerprinting batch for %s: %w", t.Name, err)
		}

		if err := fn(&RowBatch{
			Table:       t.Name,
			Columns:     columns,
			Rows:        batchRows,
			Offset:      current,
			Fingerprint: fingerprint,
		}); err != nil {
			return err
		}

		current += len(batchRows)
		produced += len(batchRows)

		if len(batchRows) < fetch {
			break
		}
		if limit > 0 && produced >= limit {
			break
		}
	}
	return nil
}

func scanRows(rows *sql.Rows, numColumns int) ([][]any, error) {
	var out [][]any
	for rows.Next() {
		raw := make([]any, numColumns)
		ptrs := make([]any, numColumns)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// InsertRows writes rows into table using parameterized ? placeholders in
// a single transaction, used only by the pull path — never by push, which
// always goes through the chunker and the remote client.
func (r *Reader) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, replace bool) error {
	if r.readOnly {
		return fmt.Errorf("cannot write to %s: reader is read-only", table)
	}
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf(`%s INTO %s (%s) VALUES (%s)`, verb, quoteIdent(table), quoteColumnList(columns), strings.Join(placeholders, ", "))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for %s: %w", table, err)
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	defer prepared.Close()

	for _, row := range rows {
		if _, err := prepared.ExecContext(ctx, row...); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting row into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rows into %s: %w", table, err)
	}
	return nil
}

// ExecuteSQL runs a DDL/administrative statement (e.g. CREATE TABLE)
// against the local database; it fails on a read-only reader. Neither Push
// nor Pull calls it: Pull inserts into local tables that already exist.
func (r *Reader) ExecuteSQL(ctx context.Context, sqlText string) error {
	if r.readOnly {
		return fmt.Errorf("cannot execute write statement: reader is read-only")
	}
	_, err := r.db.ExecContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteColumnList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
