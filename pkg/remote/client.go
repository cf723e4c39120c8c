// Package remote drives the HTTP JSON API of the edge-hosted destination
// database: single/batched statement execution, metadata queries and the
// bulk-import upload workflow, with retry and rate-limit handling. It plays
// the role block-spirit's dbconn plays for MySQL, but the "connection" here
// is a bearer-token-authenticated HTTP client rather than a TCP handle.
package remote

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // content-addressing, not security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/block/edgesync/pkg/config"
)

const maxRetries = 3

// Client is a single lazily-used HTTP client scoped to one database, closed
// explicitly by the orchestrator when the run ends.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limits     config.Limits
	logger     logrus.FieldLogger
}

// New builds a Client for the database identified by creds, against the
// given API root (settings.APIRoot), honoring limits.MaxQueryDuration for
// the read timeout.
func New(apiRoot string, creds config.Credentials, limits config.Limits, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: limits.MaxQueryDuration + 10*time.Second,
		},
		baseURL: fmt.Sprintf("%s/accounts/%s/d1/database/%s", apiRoot, creds.AccountID, creds.DatabaseID),
		token:   creds.Token,
		limits:  limits,
		logger:  logger,
	}
}

// Close releases the HTTP client's idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []envelopeError `json:"errors"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stepBackOff drives the retry loop's sleep duration. It mirrors
// retry_delay*attempt for transport errors, but lets a 429 response
// override the next sleep with the server-supplied Retry-After value.
type stepBackOff struct {
	step        time.Duration
	attempt     int
	max         int
	overrideNow *time.Duration
}

// NextBackOff is called once per failed attempt, so b.attempt counts
// attempts already made. Stopping once that reaches max caps the total
// number of operation invocations (failures plus the initial try) at max,
// regardless of which branch below supplied the delay.
func (b *stepBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.max {
		return backoff.Stop
	}
	if b.overrideNow != nil {
		d := *b.overrideNow
		b.overrideNow = nil
		return d
	}
	return b.step * time.Duration(b.attempt)
}

func (b *stepBackOff) Reset() {
	b.attempt = 0
	b.overrideNow = nil
}

// rateLimitSignal is a sentinel error the operation closure returns when it
// hit a 429; doRequest inspects it to set stepBackOff's override and to
// build the final RateLimitError if the budget runs out.
type rateLimitSignal struct {
	retryAfter time.Duration
}

func (rateLimitSignal) Error() string { return "rate limited" }

// doRequest executes method/url with body up to maxRetries times, applying
// two retry policies (429 honors Retry-After; transport errors back off by
// retry_delay*(attempt+1)) through a single cenkalti/backoff loop, and
// returns the raw response body on success.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	bo := &stepBackOff{step: time.Second, max: maxRetries}
	requestID := uuid.NewString()

	var lastRateLimit *RateLimitError
	var lastTransportErr error
	var respBody []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		// Stable across retries of the same logical call so the remote can
		// dedupe a request we re-sent after a transport error.
		req.Header.Set("Idempotency-Key", requestID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastTransportErr = err
			return err // retryable transport failure
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			lastRateLimit = &RateLimitError{RetryAfterSeconds: int(retryAfter.Seconds())}
			bo.overrideNow = &retryAfter
			return rateLimitSignal{retryAfter: retryAfter}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			lastTransportErr = err
			return err
		}
		respBody = data
		lastRateLimit = nil
		lastTransportErr = nil
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		if lastRateLimit != nil {
			return nil, lastRateLimit
		}
		return nil, &TransportError{Attempts: maxRetries, Cause: lastTransportErr}
	}
	return respBody, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 60 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
