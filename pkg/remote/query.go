package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// QueryResult is the outcome of one executed statement.
type QueryResult struct {
	Success     bool
	Results     []map[string]any
	RowsRead    int64
	RowsWritten int64
	Err         error
}

type statementBody struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

type resultMeta struct {
	RowsRead    int64 `json:"rows_read"`
	RowsWritten int64 `json:"rows_written"`
}

type resultEntry struct {
	Results []map[string]any `json:"results"`
	Meta    resultMeta       `json:"meta"`
	Success *bool            `json:"success,omitempty"`
}

// Execute runs a single statement, optionally with positional params bound
// to ?1, ?2, ... placeholders.
func (c *Client) Execute(ctx context.Context, sql string, params []any) QueryResult {
	body, err := json.Marshal(statementBody{SQL: sql, Params: params})
	if err != nil {
		return QueryResult{Err: fmt.Errorf("encoding statement: %w", err)}
	}

	raw, err := c.doRequest(ctx, "POST", c.baseURL+"/query", body)
	if err != nil {
		return QueryResult{Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return QueryResult{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if !env.Success {
		return QueryResult{Err: remoteErrorFromEnvelope(env)}
	}

	var entries []resultEntry
	if err := json.Unmarshal(env.Result, &entries); err != nil || len(entries) == 0 {
		return QueryResult{Success: true}
	}
	entry := entries[0]
	return QueryResult{
		Success:     true,
		Results:     entry.Results,
		RowsRead:    entry.Meta.RowsRead,
		RowsWritten: entry.Meta.RowsWritten,
	}
}

// ExecuteBatch runs multiple statements in a single HTTP call, returning one
// QueryResult per statement in request order.
func (c *Client) ExecuteBatch(ctx context.Context, statements []statementBody) []QueryResult {
	body, err := json.Marshal(statements)
	if err != nil {
		return []QueryResult{{Err: fmt.Errorf("encoding batch: %w", err)}}
	}

	raw, err := c.doRequest(ctx, "POST", c.baseURL+"/query", body)
	if err != nil {
		return []QueryResult{{Err: err}}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return []QueryResult{{Err: fmt.Errorf("decoding response: %w", err)}}
	}
	if !env.Success {
		return []QueryResult{{Err: remoteErrorFromEnvelope(env)}}
	}

	var entries []resultEntry
	if err := json.Unmarshal(env.Result, &entries); err != nil {
		return []QueryResult{{Err: fmt.Errorf("decoding batch results: %w", err)}}
	}

	results := make([]QueryResult, len(entries))
	for i, entry := range entries {
		success := entry.Success == nil || *entry.Success
		results[i] = QueryResult{
			Success:     success,
			Results:     entry.Results,
			RowsRead:    entry.Meta.RowsRead,
			RowsWritten: entry.Meta.RowsWritten,
		}
	}
	return results
}

// StatementOf builds a statementBody for use in ExecuteBatch.
func StatementOf(sql string, params []any) statementBody {
	return statementBody{SQL: sql, Params: params}
}

func remoteErrorFromEnvelope(env envelope) error {
	if len(env.Errors) == 0 {
		return &RemoteError{Kind: RemoteGeneric, Message: "unknown remote error"}
	}
	first := env.Errors[0]
	return &RemoteError{Kind: classifyRemoteMessage(first.Message), Code: first.Code, Message: first.Message}
}

// GetTableCount returns the row count for table as reported by the remote.
func (c *Client) GetTableCount(ctx context.Context, table string) (int64, error) {
	result := c.Execute(ctx, fmt.Sprintf(`SELECT COUNT(*) as count FROM %q`, table), nil)
	if result.Err != nil {
		return 0, result.Err
	}
	if len(result.Results) == 0 {
		return 0, nil
	}
	count, ok := result.Results[0]["count"]
	if !ok {
		return 0, nil
	}
	return toInt64(count), nil
}

// GetTables lists the non-reserved table names the remote currently holds.
func (c *Client) GetTables(ctx context.Context) ([]string, error) {
	result := c.Execute(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		AND name NOT LIKE 'sqlite_%'
		AND name NOT LIKE 'edge_%'
		ORDER BY name
	`, nil)
	if result.Err != nil {
		return nil, result.Err
	}
	names := make([]string, 0, len(result.Results))
	for _, row := range result.Results {
		if name, ok := row["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// GetDatabaseInfo returns the remote's raw metadata document.
func (c *Client) GetDatabaseInfo(ctx context.Context) (map[string]any, error) {
	raw, err := c.doRequest(ctx, "GET", c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding database info: %w", err)
	}
	if !env.Success {
		return nil, remoteErrorFromEnvelope(env)
	}
	var info map[string]any
	if err := json.Unmarshal(env.Result, &info); err != nil {
		return nil, fmt.Errorf("decoding database info result: %w", err)
	}
	return info, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
