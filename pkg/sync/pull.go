package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/block/edgesync/pkg/config"
	"github.com/block/edgesync/pkg/integrity"
	"github.com/block/edgesync/pkg/state"
)

// pullPageSize bounds how many rows Pull requests per paged SELECT against
// the remote, independent of the local batch size — the remote's own
// row-read budget, not the chunker's byte ceiling, governs this path.
const pullPageSize = 500

// Pull enumerates the remote's tables and copies each into the local
// source database, paging with ORDER BY rowid LIMIT/OFFSET SELECTs instead
// of the single LIMIT-1000 snapshot an unpaginated pull would produce on a
// large table.
func (o *Orchestrator) Pull(ctx context.Context, progress ProgressFunc) (*Stats, error) {
	startedAt := time.Now()
	stats := Stats{Status: StatusRunning, StartedAt: startedAt}

	remoteTables, err := o.client.GetTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote tables: %w", err)
	}
	tables := filterTableNames(remoteTables, o.settings.Sync)
	stats.TablesTotal = len(tables)

	if _, err := o.stateMgr.GetOrCreate("pull", o.settings.DestinationLabel(), o.sourceLabel, o.settings.Fingerprint()); err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	interrupted := false
	for _, table := range tables {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if !o.stateMgr.ShouldProcess(table) {
			stats.TablesProcessed++
			o.emit(progress, stats)
			continue
		}

		failed, err := o.pullTable(ctx, table, &stats, progress)
		if err != nil {
			interrupted = true
			break
		}
		if failed {
			stats.TablesFailed++
		} else {
			stats.TablesProcessed++
		}
		o.emit(progress, stats)
	}

	stats.Duration = time.Since(startedAt)
	switch {
	case interrupted:
		stats.Status = StatusInterrupted
	case stats.RowsFailed > 0 || stats.TablesFailed > 0:
		stats.Status = StatusFailed
	default:
		stats.Status = StatusCompleted
	}
	if err := o.stateMgr.MarkSyncComplete(string(stats.Status)); err != nil {
		o.logger.Warnf("saving final sync state failed: %s", err)
	}
	return &stats, nil
}

func filterTableNames(tables []string, s config.SyncOptions) []string {
	if len(s.Tables) == 0 && len(s.ExcludeTables) == 0 {
		return tables
	}
	include := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		include[t] = true
	}
	exclude := make(map[string]bool, len(s.ExcludeTables))
	for _, t := range s.ExcludeTables {
		exclude[t] = true
	}
	var out []string
	for _, t := range tables {
		if len(include) > 0 && !include[t] {
			continue
		}
		if exclude[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// pullTable pages a remote table's rows with LIMIT/OFFSET SELECTs and writes them
// into the local source handle, which must have been opened writable.
func (o *Orchestrator) pullTable(ctx context.Context, table string, stats *Stats, progress ProgressFunc) (failed bool, err error) {
	count, err := o.client.GetTableCount(ctx, table)
	if err != nil {
		return false, fmt.Errorf("counting remote rows for %s: %w", table, err)
	}
	if _, err := o.stateMgr.InitTable(table, count); err != nil {
		return false, err
	}
	inProgress := state.StatusInProgress
	if err := o.stateMgr.UpdateTableProgress(table, state.TableUpdate{Status: &inProgress}); err != nil {
		return false, err
	}

	var offset int64
	if o.settings.Sync.Resume {
		offset = o.stateMgr.GetResumeOffset(table)
	}
	var columns []string
	tableHadFailure := false

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		page := fmt.Sprintf(`SELECT * FROM "%s" ORDER BY rowid LIMIT %d OFFSET %d`, table, pullPageSize, offset)
		result := o.client.Execute(ctx, page, nil)
		if result.Err != nil {
			tableHadFailure = true
			stats.Errors = appendError(stats.Errors, fmt.Sprintf("%s@%d: %s", table, offset, result.Err))
			break
		}
		if len(result.Results) == 0 {
			break
		}
		if columns == nil {
			columns = columnsOf(result.Results[0])
		}

		rows := rowsOf(result.Results, columns)
		if err := o.reader.InsertRows(ctx, table, columns, rows, o.settings.Sync.Overwrite); err != nil {
			tableHadFailure = true
			stats.RowsFailed += int64(len(rows))
			stats.Errors = appendError(stats.Errors, fmt.Sprintf("%s@%d: %s", table, offset, err))
			break
		}

		stats.RowsProcessed += int64(len(rows))
		offset += int64(len(rows))

		upd := state.TableUpdate{ProcessedRows: new(int64), LastOffset: &offset}
		*upd.ProcessedRows = o.stateMgr.TableProgressOf(table).ProcessedRows + int64(len(rows))
		if fingerprint, ferr := integrity.BatchChecksum(o.settings.Sync.ChecksumAlgorithm, rows); ferr != nil {
			o.logger.Warnf("fingerprinting page for %s: %s", table, ferr)
		} else {
			upd.Checksum = &fingerprint
		}
		if err := o.stateMgr.UpdateTableProgress(table, upd); err != nil {
			return false, err
		}
		if err := o.stateMgr.Save(); err != nil {
			o.logger.Warnf("saving state after page for %s failed: %s", table, err)
		}
		o.emit(progress, *stats)

		if len(rows) < pullPageSize {
			break
		}
	}

	o.markTableTerminal(table, !tableHadFailure)
	return tableHadFailure, nil
}

func columnsOf(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func rowsOf(results []map[string]any, columns []string) [][]any {
	rows := make([][]any, len(results))
	for i, r := range results {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = r[c]
		}
		rows[i] = row
	}
	return rows
}
