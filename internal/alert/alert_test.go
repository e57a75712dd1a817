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

package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"stall/internal/metrics"
)

type capturedEvent struct {
	RoutingKey  string `json:"routing_key"`
	EventAction string `json:"event_action"`
	DedupKey    string `json:"dedup_key"`
	Payload     struct {
		Summary  string `json:"summary"`
		Source   string `json:"source"`
		Severity string `json:"severity"`
	} `json:"payload"`
}

func newTestAlerter(t *testing.T, fail *bool) (*Alerter, *[]capturedEvent) {
	t.Helper()
	metrics.Reset()
	var events []capturedEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && *fail {
			http.Error(w, "throttled", http.StatusTooManyRequests)
			return
		}
		var ev capturedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		events = append(events, ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	a := New("rk-test", nil)
	a.endpoint = srv.URL
	return a, &events
}

func TestTriggerOncePerIncident(t *testing.T) {
	a, events := newTestAlerter(t, nil)
	ctx := context.Background()

	a.Trigger(ctx, "socket down for 130s", "stall-seller")
	a.Trigger(ctx, "socket still down", "stall-seller")

	if len(*events) != 1 {
		t.Fatalf("events = %d, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.EventAction != "trigger" || ev.RoutingKey != "rk-test" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Payload.Summary != "socket down for 130s" || ev.Payload.Severity != "critical" {
		t.Errorf("payload = %+v", ev.Payload)
	}
	if ev.DedupKey == "" {
		t.Error("trigger missing dedup key")
	}
	if !a.Active() {
		t.Error("alerter not active after trigger")
	}
}

func TestResolveOnlyAfterTrigger(t *testing.T) {
	a, events := newTestAlerter(t, nil)
	ctx := context.Background()

	a.Resolve(ctx)
	if len(*events) != 0 {
		t.Fatalf("resolve sent without prior trigger: %v", *events)
	}

	a.Trigger(ctx, "down", "stall-seller")
	a.Resolve(ctx)
	if len(*events) != 2 {
		t.Fatalf("events = %d, want trigger+resolve", len(*events))
	}
	if (*events)[1].EventAction != "resolve" {
		t.Errorf("second event = %+v", (*events)[1])
	}
	if (*events)[1].DedupKey != (*events)[0].DedupKey {
		t.Error("resolve dedup key differs from trigger")
	}
	if a.Active() {
		t.Error("alerter still active after resolve")
	}

	// A new incident gets a fresh dedup key.
	a.Trigger(ctx, "down again", "stall-seller")
	if len(*events) != 3 {
		t.Fatalf("events = %d, want 3", len(*events))
	}
	if (*events)[2].DedupKey == (*events)[0].DedupKey {
		t.Error("new incident reused old dedup key")
	}
}

func TestFailedTriggerRetriesNextCall(t *testing.T) {
	fail := true
	a, events := newTestAlerter(t, &fail)
	ctx := context.Background()

	a.Trigger(ctx, "down", "stall-seller")
	if a.Active() {
		t.Error("failed trigger marked incident active")
	}

	fail = false
	a.Trigger(ctx, "down", "stall-seller")
	if len(*events) != 1 {
		t.Fatalf("events = %d, want 1 after retry", len(*events))
	}
	if !a.Active() {
		t.Error("alerter not active after successful retry")
	}
}

func TestNoRoutingKeyIsNoOp(t *testing.T) {
	metrics.Reset()
	a := New("", nil)
	ctx := context.Background()

	if a.Enabled() {
		t.Error("Enabled() = true without routing key")
	}
	// Must not panic or attempt network I/O.
	a.Trigger(ctx, "down", "stall-seller")
	a.Resolve(ctx)
	if a.Active() {
		t.Error("no-op alerter became active")
	}
}
