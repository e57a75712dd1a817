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

// Package alert delivers operational incidents to PagerDuty's Events v2
// API. Delivery is best-effort: a failed or missing routing key never
// propagates an error to the caller, it only logs. One incident is open
// at a time; repeated triggers are deduplicated until resolved.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"stall/internal/metrics"
)

const (
	defaultEndpoint = "https://events.pagerduty.com/v2/enqueue"
	requestTimeout  = 5 * time.Second

	actionTrigger = "trigger"
	actionResolve = "resolve"
)

// Alerter sends trigger/resolve events for a single logical incident
// stream (the seller runtime). A zero routing key disables it.
type Alerter struct {
	routingKey string
	endpoint   string
	hc         *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	dedupKey string
	sending  bool // a trigger POST is in flight
}

// New returns an alerter for the given routing key. An empty key yields
// a no-op alerter, so callers never have to branch.
func New(routingKey string, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		routingKey: routingKey,
		endpoint:   defaultEndpoint,
		hc:         &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "alert"),
	}
}

// SetEndpoint overrides the Events API URL. Must be called before the
// first Trigger.
func (a *Alerter) SetEndpoint(url string) {
	if a != nil && url != "" {
		a.endpoint = url
	}
}

// Enabled reports whether a routing key is configured.
func (a *Alerter) Enabled() bool {
	return a != nil && a.routingKey != ""
}

// Active reports whether a trigger has been delivered and not yet
// resolved.
func (a *Alerter) Active() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dedupKey != ""
}

// Trigger opens an incident with the given summary. While an incident
// is open, further triggers are no-ops. A delivery failure leaves the
// incident un-opened so the next call tries again.
func (a *Alerter) Trigger(ctx context.Context, summary, source string) {
	if !a.Enabled() {
		return
	}

	a.mu.Lock()
	if a.dedupKey != "" || a.sending {
		a.mu.Unlock()
		metrics.IncAlert(actionTrigger, "deduped")
		return
	}
	a.sending = true
	key := uuid.NewString()
	a.mu.Unlock()

	event := map[string]any{
		"routing_key":  a.routingKey,
		"event_action": actionTrigger,
		"dedup_key":    key,
		"payload": map[string]any{
			"summary":  summary,
			"source":   source,
			"severity": "critical",
		},
	}
	if err := a.send(ctx, event); err != nil {
		a.mu.Lock()
		a.sending = false
		a.mu.Unlock()
		metrics.IncAlert(actionTrigger, "error")
		a.logger.Warn("alert trigger failed", "error", err)
		return
	}

	a.mu.Lock()
	a.dedupKey = key
	a.sending = false
	a.mu.Unlock()
	metrics.IncAlert(actionTrigger, "ok")
	a.logger.Info("alert triggered", "summary", summary, "source", source)
}

// Resolve closes the open incident, if any. The incident is considered
// closed locally even when delivery fails; operators close the remote
// incident by hand in that case.
func (a *Alerter) Resolve(ctx context.Context) {
	if !a.Enabled() {
		return
	}

	a.mu.Lock()
	key := a.dedupKey
	a.dedupKey = ""
	a.mu.Unlock()
	if key == "" {
		return
	}

	event := map[string]any{
		"routing_key":  a.routingKey,
		"event_action": actionResolve,
		"dedup_key":    key,
	}
	if err := a.send(ctx, event); err != nil {
		metrics.IncAlert(actionResolve, "error")
		a.logger.Warn("alert resolve failed", "error", err)
		return
	}
	metrics.IncAlert(actionResolve, "ok")
	a.logger.Info("alert resolved")
}

func (a *Alerter) send(ctx context.Context, event map[string]any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, 512)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint answered status=%d", resp.StatusCode)
	}
	return nil
}
