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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	backendRequests        *prometheus.CounterVec
	backendRequestDuration *prometheus.HistogramVec
	retries                *prometheus.CounterVec
	jobEvents              *prometheus.CounterVec
	stageDuration          *prometheus.HistogramVec
	stageOutcomes          *prometheus.CounterVec
	socketEvents           *prometheus.CounterVec
	pollCycles             *prometheus.CounterVec
	alerts                 *prometheus.CounterVec
)

// Operation labels for backend calls and retry loops.
const (
	OpAcceptJob      = "job.accept"
	OpRequestPayment = "job.request-payment"
	OpDeliverJob     = "job.deliver"
	OpActiveJobs     = "jobs.active"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveBackendRequest records a completed backend HTTP request attempt.
// code should be the HTTP status code; use negative values to indicate
// transport errors.
func ObserveBackendRequest(op string, code int, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if backendRequests != nil {
		backendRequests.WithLabelValues(labelOp, status).Inc()
	}
	if backendRequestDuration != nil {
		backendRequestDuration.WithLabelValues(labelOp).Observe(durationSeconds(duration))
	}
}

// IncRetry increments the retry counter for an operation.
func IncRetry(op string) {
	labelOp := sanitizeLabel(op, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if retries != nil {
		retries.WithLabelValues(labelOp).Inc()
	}
}

// IncJobEvent counts a dispatched job event by source and normalized phase.
func IncJobEvent(source, phase string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobEvents != nil {
		jobEvents.WithLabelValues(sanitizeLabel(source, "unknown"), sanitizeLabel(phase, "unknown")).Inc()
	}
}

// ObserveStage records the outcome and duration of a stage execution.
func ObserveStage(stage, outcome string, duration time.Duration) {
	labelStage := sanitizeLabel(stage, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stageOutcomes != nil {
		stageOutcomes.WithLabelValues(labelStage, labelOutcome).Inc()
	}
	if stageDuration != nil {
		stageDuration.WithLabelValues(labelStage).Observe(durationSeconds(duration))
	}
}

// IncSocketEvent counts socket lifecycle and protocol events
// (connect, disconnect, onNewTask, ...).
func IncSocketEvent(event string) {
	mu.RLock()
	defer mu.RUnlock()
	if socketEvents != nil {
		socketEvents.WithLabelValues(sanitizeLabel(event, "unknown")).Inc()
	}
}

// IncPollCycle counts reconciler poll cycles by outcome (ok, error).
func IncPollCycle(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if pollCycles != nil {
		pollCycles.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncAlert counts operational alert deliveries by action (trigger, resolve)
// and result (ok, error, skipped).
func IncAlert(action, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if alerts != nil {
		alerts.WithLabelValues(sanitizeLabel(action, "unknown"), sanitizeLabel(result, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "backend_requests_total",
		Help:      "Total backend HTTP requests grouped by operation and status code.",
	}, []string{"op", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "backend_request_duration_seconds",
		Help:      "Duration of backend HTTP requests by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retryTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "retries_total",
		Help:      "Total retry waits by operation.",
	}, []string{"op"})

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "job_events_total",
		Help:      "Job events accepted by the dispatcher, by source and phase.",
	}, []string{"source", "phase"})

	stageHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "stage_duration_seconds",
		Help:      "Duration of accept/deliver stage executions.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"stage"})

	stageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "stage_outcomes_total",
		Help:      "Stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	socketTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "socket_events_total",
		Help:      "Socket lifecycle and protocol events.",
	}, []string{"event"})

	pollTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "poll_cycles_total",
		Help:      "Reconciler poll cycles by outcome.",
	}, []string{"outcome"})

	alertTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stall",
		Subsystem: "seller",
		Name:      "alerts_total",
		Help:      "Operational alert deliveries by action and result.",
	}, []string{"action", "result"})

	registry.MustRegister(reqTotal, reqDuration, retryTotal, eventsTotal,
		stageHist, stageTotal, socketTotal, pollTotal, alertTotal)

	reg = registry
	backendRequests = reqTotal
	backendRequestDuration = reqDuration
	retries = retryTotal
	jobEvents = eventsTotal
	stageDuration = stageHist
	stageOutcomes = stageTotal
	socketEvents = socketTotal
	pollCycles = pollTotal
	alerts = alertTotal
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
