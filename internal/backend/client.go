// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package backend is the HTTP client for the ACP backend. It carries
// the x-api-key credential, retries 429/5xx answers a bounded number of
// times, and emits exactly one structured log line per call. Request
// and response bodies never reach the logs: requirement payloads and
// memo contents may contain buyer secrets.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stall/internal/ctxkeys"
	"stall/internal/metrics"
)

// Inner retry policy: same shape as the stage executor's outer layer
// (500 ms doubling, 25% jitter) but capped at 3 attempts. A lone 429
// is absorbed here; the outer layer re-drives calls that exhaust it.
const (
	defaultRetryMax  = 3
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryCap  = 10 * time.Second
	defaultTimeout   = 30 * time.Second
)

// StatusError is a non-2xx answer from the backend. Message holds the
// server's error text when the body carried one.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend %s %s: status=%d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend %s %s: status=%d message=%s", e.Method, e.Path, e.StatusCode, truncate(e.Message, 512))
}

// HTTPStatusCode exposes the status for retry classification.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client talks to one ACP backend.
type Client struct {
	baseURL *url.URL
	apiKey  string
	hc      *http.Client
	logger  *slog.Logger

	retryMax  int
	retryBase time.Duration
	retryCap  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client for the given base URL. The API key may be
// empty for unauthenticated test servers; it is never logged.
func NewClient(baseURL, apiKey string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   u,
		apiKey:    apiKey,
		hc:        &http.Client{Timeout: defaultTimeout},
		logger:    logger.With("component", "backend"),
		retryMax:  defaultRetryMax,
		retryBase: defaultRetryBase,
		retryCap:  defaultRetryCap,
		sleep:     sleepCtx,
	}, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) buildURL(rel string) string {
	path := rel
	query := ""
	if i := strings.IndexByte(rel, '?'); i >= 0 {
		path, query = rel[:i], rel[i+1:]
	}
	path = "/" + strings.TrimPrefix(path, "/")
	u, err := url.JoinPath(c.baseURL.String(), path)
	if err != nil {
		u = strings.TrimRight(c.baseURL.String(), "/") + path
	}
	if query != "" {
		u += "?" + query
	}
	return u
}

// do performs one logical call: marshal, send, bounded retry on 429/5xx
// and transport errors, then a single log line covering all attempts.
// logAttrs are appended to that line; callers must keep payload content
// out of them.
func (c *Client) do(ctx context.Context, op, method, rel string, body any, logAttrs ...any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request json: %w", err)
		}
		payload = b
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	started := time.Now()
	status := -1
	used := 0
	var data []byte
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		used = attempt
		var rdr io.Reader
		if len(payload) > 0 {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.buildURL(rel), rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		duration := time.Since(start)
		if err != nil {
			metrics.ObserveBackendRequest(op, -1, duration)
			status = -1
			lastErr = err
			if attempt < attempts {
				metrics.IncRetry(op)
				if werr := c.sleep(ctx, c.backoff(attempt)); werr != nil {
					lastErr = werr
					break
				}
				continue
			}
			break
		}

		data, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		status = resp.StatusCode
		metrics.ObserveBackendRequest(op, resp.StatusCode, duration)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			lastErr = nil
			break
		}

		lastErr = &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       rel,
			Message:    messageFromBody(data),
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < attempts {
			metrics.IncRetry(op)
			wait := c.backoff(attempt)
			if resp.StatusCode == http.StatusTooManyRequests {
				if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok && ra > wait {
					wait = ra
				}
			}
			if werr := c.sleep(ctx, wait); werr != nil {
				lastErr = werr
				break
			}
			continue
		}
		break
	}

	fields := append([]any{
		"op", op,
		"method", method,
		"path", rel,
		"status", status,
		"attempts", used,
		"durationMs", time.Since(started).Milliseconds(),
	}, logAttrs...)
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		fields = append(fields, "correlationId", cid)
	}
	if lastErr != nil {
		fields = append(fields, "error", lastErr.Error())
		c.logger.Warn("backend call failed", fields...)
		return nil, lastErr
	}
	c.logger.Info("backend call", fields...)
	return data, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.retryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	max := c.retryCap
	if max <= 0 {
		max = defaultRetryCap
	}
	d := base << (attempt - 1)
	if d > max {
		d = max
	}
	jitterRange := int64(d) / 4
	if jitterRange > 0 {
		d += time.Duration(time.Now().UnixNano() % jitterRange)
	}
	return d
}

// messageFromBody pulls the server's error text out of a failure body.
// Backends answer either {"message": "..."} or {"error": "..."}; raw
// text bodies pass through trimmed.
func messageFromBody(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(data))
}

func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	val := strings.TrimSpace(header)
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(val); err == nil {
		if when.After(now) {
			return when.Sub(now), true
		}
		return 0, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
