// Package state persists sync progress to disk so an interrupted push or
// pull can resume instead of starting over. It plays the role a migration
// runner's checkpoint bookkeeping plays for a schema change, adapted to the
// source/destination/operation identity this tool tracks.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TableProgress tracks one table's sync progress within a SyncState.
type TableProgress struct {
	Name          string `json:"name"`
	TotalRows     int64  `json:"total_rows"`
	ProcessedRows int64  `json:"processed_rows"`
	FailedRows    int64  `json:"failed_rows"`
	LastOffset    int64  `json:"last_offset"`
	Checksum      string `json:"checksum"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// FailedRow records a row that could not be written, keyed by (table, offset)
// so a retry of the same row updates rather than duplicates the entry.
type FailedRow struct {
	Table      string         `json:"table"`
	RowOffset  int64          `json:"row_offset"`
	RowData    map[string]any `json:"row_data"`
	Error      string         `json:"error"`
	Timestamp  string         `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
}

const (
	StatusPending     = "pending"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// SyncState is the full on-disk record for one sync run.
type SyncState struct {
	Operation           string                    `json:"operation"`
	Source              string                    `json:"source"`
	Destination         string                    `json:"destination"`
	StartedAt           string                    `json:"started_at"`
	UpdatedAt           string                    `json:"updated_at"`
	Status              string                    `json:"status"`
	Tables              map[string]*TableProgress `json:"tables"`
	FailedRows          []*FailedRow              `json:"failed_rows"`
	TotalRowsProcessed  int64                     `json:"total_rows_processed"`
	TotalRowsFailed     int64                     `json:"total_rows_failed"`
	SettingsFingerprint string                    `json:"settings_fingerprint"`
}

// Manager owns one state file (and optional failed-rows sidecar file) and
// serializes all mutation through a mutex, since the orchestrator drives it
// from concurrent per-batch goroutines.
type Manager struct {
	mu             sync.Mutex
	stateFile      string
	failedRowsFile string
	state          *SyncState
}

// NewManager builds a Manager bound to stateFile; failedRowsFile may be empty
// to skip the sidecar file.
func NewManager(stateFile, failedRowsFile string) *Manager {
	return &Manager{stateFile: stateFile, failedRowsFile: failedRowsFile}
}

// Load reads the state file from disk. It returns (nil, nil) if the file
// does not exist, and (nil, nil) with no error if the file is present but
// unparseable — a corrupt state file should not abort the run, it should
// just be treated as "start fresh".
func (m *Manager) Load() (*SyncState, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var s SyncState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil
	}
	m.state = &s
	return &s, nil
}

// Save atomically persists the current state: written to a temp file in the
// same directory, then renamed over the target, so a crash mid-write never
// leaves a truncated state file behind.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if m.state == nil {
		return nil
	}
	m.state.UpdatedAt = nowRFC3339()

	if err := writeJSONAtomic(m.stateFile, m.state); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}

	if m.failedRowsFile != "" && len(m.state.FailedRows) > 0 {
		if err := writeJSONAtomic(m.failedRowsFile, m.state.FailedRows); err != nil {
			return fmt.Errorf("saving failed rows: %w", err)
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// GetOrCreate returns the existing state for resume if it matches
// operation/source/destination, is still in_progress, and its settings
// fingerprint matches (a settings change invalidates resume and starts
// fresh). Otherwise it creates and returns a new state.
func (m *Manager) GetOrCreate(operation, source, destination, settingsFingerprint string) (*SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.Load()
	if err != nil {
		return nil, err
	}

	if existing != nil &&
		existing.Operation == operation &&
		existing.Source == source &&
		existing.Destination == destination &&
		existing.Status == StatusInProgress &&
		(settingsFingerprint == "" || existing.SettingsFingerprint == settingsFingerprint) {
		m.state = existing
		return existing, nil
	}

	now := nowRFC3339()
	m.state = &SyncState{
		Operation:           operation,
		Source:              source,
		Destination:         destination,
		StartedAt:           now,
		UpdatedAt:           now,
		Status:              StatusInProgress,
		Tables:              make(map[string]*TableProgress),
		SettingsFingerprint: settingsFingerprint,
	}
	return m.state, nil
}

// State returns the currently loaded state, or nil if none has been loaded
// or created yet.
func (m *Manager) State() *SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClearState discards in-memory state and removes the state and
// failed-rows files from disk.
func (m *Manager) ClearState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	if err := removeIfExists(m.stateFile); err != nil {
		return err
	}
	if m.failedRowsFile != "" {
		if err := removeIfExists(m.failedRowsFile); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InitTable registers total_rows for table if it is not already tracked;
// re-running a sync does not reset an already-tracked table's progress.
func (m *Manager) InitTable(name string, totalRows int64) (*TableProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, fmt.Errorf("state not initialized")
	}
	if tp, ok := m.state.Tables[name]; ok {
		return tp, nil
	}
	tp := &TableProgress{Name: name, TotalRows: totalRows, Status: StatusPending}
	m.state.Tables[name] = tp
	return tp, nil
}

// TableProgressOf returns the tracked progress for table, or nil if it is
// not yet tracked.
func (m *Manager) TableProgressOf(name string) *TableProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	return m.state.Tables[name]
}

// TableUpdate carries the subset of TableProgress fields a caller wants to
// change; a nil pointer field leaves that value untouched.
type TableUpdate struct {
	ProcessedRows *int64
	FailedRows    *int64
	LastOffset    *int64
	Status        *string
	Checksum      *string
}

// UpdateTableProgress applies upd to table's tracked progress, recomputing
// the state-level aggregates and stamping started_at/completed_at on status
// transitions.
func (m *Manager) UpdateTableProgress(table string, upd TableUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return fmt.Errorf("state not initialized")
	}
	tp, ok := m.state.Tables[table]
	if !ok {
		return fmt.Errorf("table not initialized: %s", table)
	}

	if upd.ProcessedRows != nil {
		tp.ProcessedRows = *upd.ProcessedRows
		m.state.TotalRowsProcessed = sumProcessed(m.state.Tables)
	}
	if upd.FailedRows != nil {
		tp.FailedRows = *upd.FailedRows
		m.state.TotalRowsFailed = sumFailed(m.state.Tables)
	}
	if upd.LastOffset != nil {
		tp.LastOffset = *upd.LastOffset
	}
	if upd.Status != nil {
		tp.Status = *upd.Status
		switch *upd.Status {
		case StatusInProgress:
			if tp.StartedAt == "" {
				tp.StartedAt = nowRFC3339()
			}
		case StatusCompleted, StatusFailed:
			tp.CompletedAt = nowRFC3339()
		}
	}
	if upd.Checksum != nil {
		tp.Checksum = *upd.Checksum
	}
	return nil
}

func sumProcessed(tables map[string]*TableProgress) int64 {
	var total int64
	for _, t := range tables {
		total += t.ProcessedRows
	}
	return total
}

func sumFailed(tables map[string]*TableProgress) int64 {
	var total int64
	for _, t := range tables {
		total += t.FailedRows
	}
	return total
}

// RecordFailedRow records or updates a failed-row entry, incrementing its
// retry count if (table, offset) already has one.
func (m *Manager) RecordFailedRow(table string, offset int64, rowData map[string]any, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return fmt.Errorf("state not initialized")
	}

	for _, existing := range m.state.FailedRows {
		if existing.Table == table && existing.RowOffset == offset {
			existing.RetryCount++
			existing.Error = cause.Error()
			existing.Timestamp = nowRFC3339()
			return nil
		}
	}

	m.state.FailedRows = append(m.state.FailedRows, &FailedRow{
		Table:     table,
		RowOffset: offset,
		RowData:   rowData,
		Error:     cause.Error(),
		Timestamp: nowRFC3339(),
	})
	return nil
}

// GetResumeOffset returns the offset to resume table from: its last
// committed offset if it was left in_progress or failed, 0 otherwise.
func (m *Manager) GetResumeOffset(table string) int64 {
	tp := m.TableProgressOf(table)
	if tp != nil && (tp.Status == StatusInProgress || tp.Status == StatusFailed) {
		return tp.LastOffset
	}
	return 0
}

// ShouldProcess reports whether table still needs work: false only if it was
// already marked completed.
func (m *Manager) ShouldProcess(table string) bool {
	tp := m.TableProgressOf(table)
	return tp == nil || tp.Status != StatusCompleted
}

// MarkSyncComplete sets the overall run status and flushes it to disk.
func (m *Manager) MarkSyncComplete(status string) error {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return nil
	}
	m.state.Status = status
	m.mu.Unlock()
	return m.Save()
}

// TableSummary is a display-friendly snapshot of one table's progress.
type TableSummary struct {
	Name      string
	Status    string
	Processed int64
	Total     int64
	Failed    int64
	Percent   float64
}

// Summary returns a sorted-by-name snapshot of every tracked table, for
// progress logging. Overall run totals are on SyncState, not in the summary.
func (m *Manager) Summary() []TableSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	names := make([]string, 0, len(m.state.Tables))
	for name := range m.state.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TableSummary, 0, len(names))
	for _, name := range names {
		tp := m.state.Tables[name]
		var pct float64
		if tp.TotalRows > 0 {
			pct = float64(tp.ProcessedRows) / float64(tp.TotalRows) * 100
		}
		out = append(out, TableSummary{
			Name:      tp.Name,
			Status:    tp.Status,
			Processed: tp.ProcessedRows,
			Total:     tp.TotalRows,
			Failed:    tp.FailedRows,
			Percent:   pct,
		})
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
