package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ImportStatus tracks the lifecycle of a bulk import as reported by the
// remote's poll action.
type ImportStatus string

const (
	ImportPending    ImportStatus = "pending"
	ImportProcessing ImportStatus = "processing"
	ImportComplete   ImportStatus = "complete"
	ImportFailed     ImportStatus = "failed"
)

// ImportResult is the terminal outcome of ImportSQL.
type ImportResult struct {
	Success     bool
	Status      ImportStatus
	RowsWritten int64
	Filename    string
	Err         error
}

type importAction struct {
	Action   string `json:"action"`
	ETag     string `json:"etag,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type importInitResult struct {
	UploadURL string `json:"upload_url"`
	Filename  string `json:"filename"`
}

type importPollResult struct {
	Status ImportStatus `json:"status"`
	Error  string       `json:"error"`
	Meta   resultMeta   `json:"meta"`
}

// ImportSQL runs the init/upload/ingest/poll bulk-import workflow used for
// payloads too large or too numerous for repeated `execute` calls.
func (c *Client) ImportSQL(ctx context.Context, sql string, pollInterval, maxWait time.Duration) ImportResult {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 300 * time.Second
	}

	init, err := c.initImport(ctx, sql)
	if err != nil || init.UploadURL == "" {
		if err == nil {
			err = fmt.Errorf("import init did not return an upload URL")
		}
		return ImportResult{Status: ImportFailed, Err: err}
	}

	if err := c.uploadToStorage(ctx, init.UploadURL, sql); err != nil {
		return ImportResult{Status: ImportFailed, Filename: init.Filename, Err: err}
	}

	if err := c.startIngestion(ctx, init.Filename); err != nil {
		return ImportResult{Status: ImportFailed, Filename: init.Filename, Err: err}
	}

	return c.pollImportStatus(ctx, init.Filename, pollInterval, maxWait)
}

func (c *Client) initImport(ctx context.Context, sql string) (importInitResult, error) {
	body, err := json.Marshal(importAction{Action: "init", ETag: md5Hex([]byte(sql))})
	if err != nil {
		return importInitResult{}, fmt.Errorf("encoding import init: %w", err)
	}
	raw, err := c.doRequest(ctx, "POST", c.baseURL+"/import", body)
	if err != nil {
		return importInitResult{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return importInitResult{}, fmt.Errorf("decoding import init response: %w", err)
	}
	if !env.Success {
		return importInitResult{}, remoteErrorFromEnvelope(env)
	}
	var result importInitResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return importInitResult{}, fmt.Errorf("decoding import init result: %w", err)
	}
	return result, nil
}

func (c *Client) uploadToStorage(ctx context.Context, uploadURL, sql string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader([]byte(sql)))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading import payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) startIngestion(ctx context.Context, filename string) error {
	body, err := json.Marshal(importAction{Action: "ingest", Filename: filename})
	if err != nil {
		return fmt.Errorf("encoding ingest request: %w", err)
	}
	raw, err := c.doRequest(ctx, "POST", c.baseURL+"/import", body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding ingest response: %w", err)
	}
	if !env.Success {
		return remoteErrorFromEnvelope(env)
	}
	return nil
}

func (c *Client) pollImportStatus(ctx context.Context, filename string, pollInterval, maxWait time.Duration) ImportResult {
	body, err := json.Marshal(importAction{Action: "poll", Filename: filename})
	if err != nil {
		return ImportResult{Status: ImportFailed, Filename: filename, Err: fmt.Errorf("encoding poll request: %w", err)}
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		raw, err := c.doRequest(ctx, "POST", c.baseURL+"/import", body)
		if err != nil {
			return ImportResult{Status: ImportFailed, Filename: filename, Err: err}
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return ImportResult{Status: ImportFailed, Filename: filename, Err: fmt.Errorf("decoding poll response: %w", err)}
		}
		if !env.Success {
			return ImportResult{Status: ImportFailed, Filename: filename, Err: remoteErrorFromEnvelope(env)}
		}
		var result importPollResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return ImportResult{Status: ImportFailed, Filename: filename, Err: fmt.Errorf("decoding poll result: %w", err)}
		}

		switch result.Status {
		case ImportComplete:
			return ImportResult{Success: true, Status: ImportComplete, RowsWritten: result.Meta.RowsWritten, Filename: filename}
		case ImportFailed:
			msg := result.Error
			if msg == "" {
				msg = "import failed"
			}
			return ImportResult{Status: ImportFailed, Filename: filename, Err: fmt.Errorf("%s", msg)}
		default:
			select {
			case <-ctx.Done():
				return ImportResult{Status: ImportFailed, Filename: filename, Err: ctx.Err()}
			case <-time.After(pollInterval):
			}
		}
	}

	return ImportResult{Status: ImportFailed, Filename: filename, Err: fmt.Errorf("import timed out after %s", maxWait)}
}
