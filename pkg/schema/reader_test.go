package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/block/edgesync/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open(driverName, "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, score REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, FOREIGN KEY (user_id) REFERENCES users(id))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id, name, score) VALUES (1, 'Alice', 1.5), (2, 'Bob', NULL), (3, 'Carol', 3.25)`)
	require.NoError(t, err)
	return path
}

func TestReaderListTablesOrdersAndExcludesReserved(t *testing.T) {
	path := newTestDB(t)
	db, err := sql.Open(driverName, "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE edge_meta (k TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r, err := Open(path, true)
	require.NoError(t, err)
	defer r.Close()

	tables, err := r.ListTables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "users", tables[0].Name)
	require.Equal(t, "orders", tables[1].Name)
	require.Equal(t, int64(3), tables[0].RowCount)
	require.Equal(t, "id", tables[0].PrimaryKeyColumn())
}

func TestReaderIterRowsBatchesAndFingerprints(t *testing.T) {
	path := newTestDB(t)
	r, err := Open(path, true)
	require.NoError(t, err)
	defer r.Close()

	tables, err := r.ListTables(context.Background())
	require.NoError(t, err)

	var batches [][]any
	var fingerprints []string
	err = r.IterRows(context.Background(), tables[0], 2, 0, 0, config.ChecksumMD5, func(b *RowBatch) error {
		for _, row := range b.Rows {
			batches = append(batches, row)
		}
		fingerprints = append(fingerprints, b.Fingerprint)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	require.Len(t, fingerprints, 2) // batch sizes 2, 1
	require.NotEmpty(t, fingerprints[0])
	require.NotEqual(t, fingerprints[0], fingerprints[1])
}

func TestReaderIterRowsEmptyTableYieldsNothing(t *testing.T) {
	path := newTestDB(t)
	r, err := Open(path, true)
	require.NoError(t, err)
	defer r.Close()

	tables, err := r.ListTables(context.Background())
	require.NoError(t, err)

	var calls int
	err = r.IterRows(context.Background(), tables[1], 10, 0, 0, config.ChecksumMD5, func(b *RowBatch) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, calls)
}

func TestReaderReadOnlyRejectsWrites(t *testing.T) {
	path := newTestDB(t)
	r, err := Open(path, true)
	require.NoError(t, err)
	defer r.Close()

	err = r.InsertRows(context.Background(), "users", []string{"id", "name", "score"}, [][]any{{4, "Dave", nil}}, false)
	require.Error(t, err)
}

func TestReaderInsertRowsWritableMode(t *testing.T) {
	path := newTestDB(t)
	r, err := Open(path, false)
	require.NoError(t, err)
	defer r.Close()

	err = r.InsertRows(context.Background(), "users", []string{"id", "name", "score"}, [][]any{{4, "Dave", nil}}, false)
	require.NoError(t, err)

	count, err := r.GetRowCount(context.Background(), "users")
	require.NoError(t, err)
	require.Equal(t, int64(4), count)
}
