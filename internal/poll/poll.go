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

// Package poll pulls active jobs from the backend as the catch-up path
// beside the push socket. Jobs addressed to this seller are fed to the
// same dispatcher the socket feeds, so a job missed while the socket
// was down is picked up on the next cycle.
package poll

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"stall/internal/metrics"
)

// Source tags poll-origin job events in logs and metrics.
const Source = "poll"

const (
	DefaultInterval = 15 * time.Second
	MinInterval     = 2 * time.Second
	DefaultPageSize = 50
	MaxPageSize     = 200

	// Consecutive failures stretch the wait by this factor, capped.
	backoffFactor = 1.8
	backoffCap    = 120 * time.Second

	// Guard against a backend that never returns a short page.
	maxPages = 100
)

// Backend is the slice of the seller API the reconciler pulls from.
type Backend interface {
	ActiveJobs(ctx context.Context, page, pageSize int) ([]map[string]any, error)
}

// Dispatcher consumes raw job payloads. It owns validation, dedupe,
// and stage routing; the reconciler only filters by provider.
type Dispatcher interface {
	HandleJob(ctx context.Context, payload map[string]any, source string)
}

// Config wires a Reconciler.
type Config struct {
	Backend       Backend
	Dispatcher    Dispatcher
	WalletAddress string

	// Interval between successful cycles. Values below MinInterval are
	// raised to it; zero means DefaultInterval.
	Interval time.Duration
	// PageSize per ActiveJobs call, clamped to [1, MaxPageSize].
	PageSize int

	Logger *slog.Logger
}

// Reconciler runs the pull loop until its context is canceled.
type Reconciler struct {
	backend  Backend
	dispatch Dispatcher
	logger   *slog.Logger
	walletLc string
	interval time.Duration
	pageSize int

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a reconciler, clamping timing knobs to their bounds.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &Reconciler{
		backend:  cfg.Backend,
		dispatch: cfg.Dispatcher,
		logger:   cfg.Logger.With("component", "poll"),
		walletLc: strings.ToLower(strings.TrimSpace(cfg.WalletAddress)),
		interval: interval,
		pageSize: pageSize,
		sleep:    sleepCtx,
	}
}

// Run performs an initial catch-up cycle, then polls until ctx is
// canceled. Consecutive failures stretch the wait; a success snaps it
// back to the configured interval.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting", "intervalMs", r.interval.Milliseconds(), "pageSize", r.pageSize)
	defer r.logger.Info("reconciler stopped")

	wait := r.interval
	for {
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.IncPollCycle("error")
			wait = time.Duration(float64(wait) * backoffFactor)
			if wait > backoffCap {
				wait = backoffCap
			}
			r.logger.Warn("poll cycle failed", "error", err, "retryInMs", wait.Milliseconds())
		} else {
			metrics.IncPollCycle("ok")
			wait = r.interval
		}

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// cycle pages through /acp/jobs/active and dispatches every job whose
// providerAddress matches this seller's wallet.
func (r *Reconciler) cycle(ctx context.Context) error {
	seen, matched := 0, 0
	for page := 1; page <= maxPages; page++ {
		jobs, err := r.backend.ActiveJobs(ctx, page, r.pageSize)
		if err != nil {
			return err
		}
		seen += len(jobs)
		for _, job := range jobs {
			if !r.mine(job) {
				continue
			}
			matched++
			r.dispatch.HandleJob(ctx, job, Source)
		}
		if len(jobs) < r.pageSize {
			break
		}
		if page == maxPages {
			r.logger.Warn("poll stopped at page cap", "pages", maxPages)
		}
	}

	if matched > 0 {
		r.logger.Info("poll cycle", "jobs", seen, "matched", matched)
	} else {
		r.logger.Debug("poll cycle", "jobs", seen, "matched", matched)
	}
	return nil
}

// mine reports whether the job is addressed to this seller. Jobs
// without a providerAddress are not ours to act on.
func (r *Reconciler) mine(job map[string]any) bool {
	addr, _ := job["providerAddress"].(string)
	addr = strings.ToLower(strings.TrimSpace(addr))
	return addr != "" && addr == r.walletLc
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
