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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type httpErr struct {
	code int
	msg  string
}

func (e *httpErr) Error() string       { return e.msg }
func (e *httpErr) HTTPStatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// noSleep makes retries run instantly while recording requested delays.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	out, err := Do(context.Background(), Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		Sleep:       noSleep(&delays),
	}, "test", func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &httpErr{code: 503, msg: "upstream sad"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected ok, got %q", out)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(delays))
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), Config{MaxAttempts: 5, Sleep: noSleep(&[]time.Duration{})}, "test",
		func(context.Context) (int, error) {
			attempts++
			return 0, &httpErr{code: 400, msg: "bad request"}
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	wantErr := &httpErr{code: 429, msg: "rate limited"}
	_, err := Do(context.Background(), Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Sleep:       noSleep(&delays),
	}, "test", func(context.Context) (int, error) {
		attempts++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(delays))
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, err := Do(ctx, Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, "test",
		func(context.Context) (int, error) {
			attempts++
			return 0, &httpErr{code: 503, msg: "down"}
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt before the canceled wait, got %d", attempts)
	}
}

func TestBackoffSequence(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
	}
	for i, w := range want {
		if got := Backoff(cfg, i+1); got != w {
			t.Errorf("Backoff(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
	// 16 s would exceed the cap.
	if got := Backoff(cfg, 6); got != 10*time.Second {
		t.Errorf("Backoff(attempt 6) = %v, want 10s", got)
	}
}

func TestJitterBounds(t *testing.T) {
	var delays []time.Duration
	cfg := DefaultConfig()
	cfg.Sleep = noSleep(&delays)
	attempts := 0
	_, _ = Do(context.Background(), cfg, "test", func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, &httpErr{code: 429, msg: "rate limited"}
		}
		return 1, nil
	})
	if len(delays) != 1 {
		t.Fatalf("expected one wait, got %d", len(delays))
	}
	// First retry delay must land in [500 ms, 625 ms): base plus at most
	// 25% additive jitter.
	if delays[0] < 500*time.Millisecond || delays[0] >= 625*time.Millisecond {
		t.Errorf("first retry delay %v outside [500ms, 625ms)", delays[0])
	}
}

func TestOnRetryHook(t *testing.T) {
	var calls []int
	var delays []time.Duration
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Sleep:       noSleep(&[]time.Duration{}),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			calls = append(calls, attempt)
			delays = append(delays, delay)
			if err == nil {
				t.Error("OnRetry called with nil error")
			}
		},
	}
	_, _ = Do(context.Background(), cfg, "test", func(context.Context) (int, error) {
		return 0, &httpErr{code: 500, msg: "boom"}
	})
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", calls)
	}
	for _, d := range delays {
		if d <= 0 {
			t.Errorf("OnRetry delay %v not positive", d)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &httpErr{code: 429, msg: "rate limited"}, true},
		{"500", &httpErr{code: 500, msg: "boom"}, true},
		{"503", &httpErr{code: 503, msg: "unavailable"}, true},
		{"400", &httpErr{code: 400, msg: "bad"}, false},
		{"404", &httpErr{code: 404, msg: "missing"}, false},
		{"econnreset", errors.New("read tcp: ECONNRESET"), true},
		{"etimedout", errors.New("connect: etimedout"), true},
		{"socket hang up", errors.New("socket hang up"), true},
		{"network marker", errors.New("network unreachable"), true},
		{"net timeout", timeoutErr{}, true},
		{"plain error", errors.New("no such offering"), false},
		{"wrapped retryable", fmt.Errorf("accept: %w", &httpErr{code: 502, msg: "bad gateway"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"nil", nil, 0, ""},
		{"typed", &httpErr{code: 429, msg: "rate limited"}, 429, "rate limited"},
		{
			"json in string",
			errors.New(`request failed: {"statusCode":429,"message":"rate limited"}`),
			429, "rate limited",
		},
		{
			"typed with json body",
			&httpErr{code: 503, msg: `{"statusCode":503,"message":"upstream down"}`},
			503, "upstream down",
		},
		{"plain", errors.New("boom"), 0, "boom"},
		{"non-json brace", errors.New("weird {unclosed"), 0, "weird {unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := ParseHTTPError(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if msg != tt.wantMsg {
				t.Errorf("msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}
