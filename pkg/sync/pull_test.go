package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/block/edgesync/pkg/config"
	"github.com/block/edgesync/pkg/remote"
	"github.com/block/edgesync/pkg/schema"
	"github.com/block/edgesync/pkg/state"
)

// fakeRemoteTable serves a fixed in-memory row set for GetTables,
// GetTableCount and paged SELECTs, the remote side of a pull.
type fakeRemoteTable struct {
	mu     sync.Mutex
	names  []string
	rows   map[string][]map[string]any
	fail   map[string]bool // table name -> fail the next SELECT for it
	queryN int
}

func newFakeRemoteTableServer(t *testing.T, frt *fakeRemoteTable) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SQL string `json:"sql"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		upper := strings.ToUpper(body.SQL)

		frt.mu.Lock()
		frt.queryN++
		frt.mu.Unlock()

		switch {
		case strings.Contains(upper, "SQLITE_MASTER"):
			rows := make([]map[string]any, len(frt.names))
			for i, n := range frt.names {
				rows[i] = map[string]any{"name": n}
			}
			writeEnv(w, true, []map[string]any{{"results": rows, "meta": map[string]any{}}})
			return
		case strings.Contains(upper, "COUNT(*)"):
			table := tableFromQuoted(body.SQL)
			frt.mu.Lock()
			n := len(frt.rows[table])
			frt.mu.Unlock()
			writeEnv(w, true, []map[string]any{{"results": []map[string]any{{"count": float64(n)}}, "meta": map[string]any{}}})
			return
		case strings.Contains(upper, "SELECT * FROM"):
			table := tableFromQuoted(body.SQL)
			frt.mu.Lock()
			shouldFail := frt.fail[table]
			frt.fail[table] = false
			all := frt.rows[table]
			frt.mu.Unlock()

			if shouldFail {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"errors":  []map[string]string{{"code": "1", "message": "timeout executing query"}},
				})
				return
			}

			offset, limit := parseOffsetLimit(body.SQL)
			end := offset + limit
			if end > len(all) {
				end = len(all)
			}
			var page []map[string]any
			if offset < len(all) {
				page = all[offset:end]
			}
			writeEnv(w, true, []map[string]any{{"results": page, "meta": map[string]any{}}})
			return
		default:
			writeEnv(w, true, []map[string]any{{"results": []map[string]any{}, "meta": map[string]any{}}})
		}
	}))
}

func tableFromQuoted(sql string) string {
	start := strings.IndexByte(sql, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(sql[start+1:], '"')
	if end < 0 {
		return ""
	}
	return sql[start+1 : start+1+end]
}

func parseOffsetLimit(sql string) (offset, limit int) {
	upper := strings.ToUpper(sql)
	limit = pullPageSize
	if i := strings.Index(upper, "LIMIT "); i >= 0 {
		fmt.Sscanf(sql[i+6:], "%d", &limit)
	}
	if i := strings.Index(upper, "OFFSET "); i >= 0 {
		var raw string
		fmt.Sscanf(sql[i+7:], "%s", &raw)
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			offset = n
		}
	}
	return offset, limit
}

func newPullOrchestrator(t *testing.T, srv *httptest.Server) (*Orchestrator, *schema.Reader, *state.Manager) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dest.db")
	reader, err := schema.Open(dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	require.NoError(t, reader.ExecuteSQL(context.Background(), `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`))

	creds := config.Credentials{AccountID: "acct", DatabaseID: "db", Token: "tok"}
	limits := config.LimitsForTier(config.TierFree)
	client := remote.New(srv.URL, creds, limits, nil)
	t.Cleanup(client.Close)

	stateDir := t.TempDir()
	mgr := state.NewManager(filepath.Join(stateDir, "state.json"), filepath.Join(stateDir, "failed_rows.json"))

	settings := config.NewSettings(creds, config.TierFree)
	settings.DatabaseName = "testdb"
	settings.Sync.ChecksumAlgorithm = config.ChecksumMD5
	settings.Sync.Overwrite = true

	orch := New(reader, client, mgr, settings, dbPath, nil)
	return orch, reader, mgr
}

func usersRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		rows[i] = map[string]any{"id": float64(i + 1), "name": fmt.Sprintf("user-%d", i+1)}
	}
	return rows
}

func TestPullCopiesAllRowsAcrossMultiplePages(t *testing.T) {
	frt := &fakeRemoteTable{names: []string{"users"}, rows: map[string][]map[string]any{"users": usersRows(1200)}, fail: map[string]bool{}}
	srv := newFakeRemoteTableServer(t, frt)
	defer srv.Close()

	orch, reader, _ := newPullOrchestrator(t, srv)

	stats, err := orch.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stats.Status)
	assert.Equal(t, int64(1200), stats.RowsProcessed)

	count, err := reader.GetRowCount(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), count)
}

func TestPullResumesFromSavedOffset(t *testing.T) {
	frt := &fakeRemoteTable{names: []string{"users"}, rows: map[string][]map[string]any{"users": usersRows(10)}, fail: map[string]bool{}}
	srv := newFakeRemoteTableServer(t, frt)
	defer srv.Close()

	orch, _, mgr := newPullOrchestrator(t, srv)

	_, err := mgr.GetOrCreate("pull", orch.settings.DestinationLabel(), orch.sourceLabel, orch.settings.Fingerprint())
	require.NoError(t, err)
	_, err = mgr.InitTable("users", 10)
	require.NoError(t, err)
	inProgress := state.StatusInProgress
	offset := int64(10)
	require.NoError(t, mgr.UpdateTableProgress("users", state.TableUpdate{Status: &inProgress, LastOffset: &offset, ProcessedRows: &offset}))
	require.NoError(t, mgr.Save())

	stats, err := orch.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stats.Status)
	assert.Equal(t, int64(0), stats.RowsProcessed)
}

func TestPullSkipsTableAlreadyCompleted(t *testing.T) {
	frt := &fakeRemoteTable{names: []string{"users"}, rows: map[string][]map[string]any{"users": usersRows(5)}, fail: map[string]bool{}}
	srv := newFakeRemoteTableServer(t, frt)
	defer srv.Close()

	orch, _, mgr := newPullOrchestrator(t, srv)

	_, err := mgr.GetOrCreate("pull", orch.settings.DestinationLabel(), orch.sourceLabel, orch.settings.Fingerprint())
	require.NoError(t, err)
	_, err = mgr.InitTable("users", 5)
	require.NoError(t, err)
	completed := state.StatusCompleted
	require.NoError(t, mgr.UpdateTableProgress("users", state.TableUpdate{Status: &completed}))
	require.NoError(t, mgr.Save())

	stats, err := orch.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TablesProcessed)
	assert.Equal(t, int64(0), stats.RowsProcessed)
}

func TestPullAppliesTableFilters(t *testing.T) {
	frt := &fakeRemoteTable{
		names: []string{"users", "orders"},
		rows: map[string][]map[string]any{
			"users":  usersRows(2),
			"orders": usersRows(3),
		},
		fail: map[string]bool{},
	}
	srv := newFakeRemoteTableServer(t, frt)
	defer srv.Close()

	orch, _, _ := newPullOrchestrator(t, srv)
	orch.settings.Sync.ExcludeTables = []string{"orders"}

	stats, err := orch.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TablesTotal)
	assert.Equal(t, int64(2), stats.RowsProcessed)
}

func TestPullRecordsTableFailureOnQueryError(t *testing.T) {
	frt := &fakeRemoteTable{
		names: []string{"users"},
		rows:  map[string][]map[string]any{"users": usersRows(5)},
		fail:  map[string]bool{"users": true},
	}
	srv := newFakeRemoteTableServer(t, frt)
	defer srv.Close()

	orch, _, mgr := newPullOrchestrator(t, srv)

	stats, err := orch.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stats.Status)
	assert.Equal(t, 1, stats.TablesFailed)
	assert.NotEmpty(t, stats.Errors)

	tp := mgr.TableProgressOf("users")
	require.NotNil(t, tp)
	assert.Equal(t, state.StatusFailed, tp.Status)
}
