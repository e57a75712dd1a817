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

// Package retry implements the stage-level retry discipline: bounded
// attempts, exponential backoff with additive jitter, and a transient
// error classifier shared by everything that talks to the backend.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"stall/internal/metrics"
)

// Default retry configuration for stage-level backend operations.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitterFrac  = 0.25
)

// Config defines retry/backoff parameters.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // fraction of the delay added as jitter, in [0, JitterFrac)

	// OnRetry is invoked before each wait with the 1-based attempt that
	// just failed, the computed delay, and the error.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep replaces the wait between attempts; tests inject it to run
	// deterministically. nil means a real timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the standard policy: 5 attempts, 500 ms base,
// 10 s cap, 25% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		JitterFrac:  DefaultJitterFrac,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = DefaultJitterFrac
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// Do executes fn until it succeeds, fails with a non-retryable error, or
// exhausts cfg.MaxAttempts. The final failure returns the last error.
// op labels the operation in metrics.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, attempt)
		delay += time.Duration(rand.Float64() * cfg.JitterFrac * float64(delay))
		metrics.IncRetry(op)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Backoff returns the pre-jitter delay after the given 1-based failed
// attempt: min(MaxDelay, BaseDelay * 2^(attempt-1)).
func Backoff(cfg Config, attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 20 {
		exp = 20 // cap exponent to prevent overflow
	}
	d := cfg.BaseDelay << uint(exp)
	if d <= 0 || d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// transientMarkers are substrings of error text that indicate a
// socket-level failure worth retrying, as surfaced by upstream clients.
var transientMarkers = []string{"econnreset", "etimedout", "socket hang up", "network"}

// IsRetryable reports whether the error represents a transient failure:
// a remote 429 or 5xx, a socket-level error by message, or a net timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code, msg := ParseHTTPError(err)
	if code == http.StatusTooManyRequests {
		return true
	}
	if code >= 500 && code <= 599 {
		return true
	}
	lower := strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// statusCoder is implemented by errors that carry a remote HTTP status
// (backend.StatusError does).
type statusCoder interface {
	HTTPStatusCode() int
}

// ParseHTTPError extracts the remote status code and message from an
// error. Upstream clients sometimes stringify the response body into the
// error text as {"statusCode":N,"message":"..."}; that wrapping is
// unwrapped here.
func ParseHTTPError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	code := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		code = sc.HTTPStatusCode()
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, '{'); idx >= 0 {
		var body struct {
			StatusCode int    `json:"statusCode"`
			Message    string `json:"message"`
		}
		dec := json.NewDecoder(strings.NewReader(msg[idx:]))
		if dec.Decode(&body) == nil {
			if code == 0 && body.StatusCode != 0 {
				code = body.StatusCode
			}
			if body.Message != "" {
				msg = body.Message
			}
		}
	}
	return code, msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
