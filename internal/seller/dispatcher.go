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

package seller

import (
	"context"
	"log/slog"
	"time"

	"stall/internal/ctxkeys"
	"stall/internal/journal"
	"stall/internal/metrics"
	"stall/pkg/acp"
)

// Dispatcher is the single entry point for job events from both
// producers, socket and poll.
type Dispatcher struct {
	exec     *Executor
	ledger   *StageLedger
	walletLc string
	logger   *slog.Logger
	journal  *journal.Journal
}

func NewDispatcher(exec *Executor, ledger *StageLedger, walletAddress string, jrnl *journal.Journal, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		exec:     exec,
		ledger:   ledger,
		walletLc: acp.NormalizeAddress(walletAddress),
		logger:   logger.With("component", "dispatch"),
		journal:  jrnl,
	}
}

// HandleJob ingests one raw job payload. It is total: malformed or
// foreign payloads are logged and dropped, never surfaced as errors.
func (d *Dispatcher) HandleJob(ctx context.Context, payload map[string]any, source string) {
	jobID, ok := acp.JobID(payload)
	if !ok {
		d.logger.Warn("job event without usable id", "source", source)
		return
	}

	if v, present := payload["providerAddress"]; present && v != nil {
		s, _ := v.(string)
		if acp.NormalizeAddress(s) != d.walletLc {
			d.logger.Debug("job for another provider", "jobId", jobID, "source", source)
			return
		}
	}

	phase, ok := acp.ParsePhase(payload["phase"])
	if !ok {
		d.logger.Warn("unknown job phase", "jobId", jobID, "source", source)
		return
	}

	if !d.ledger.TryAcquire(jobID) {
		return
	}
	defer d.ledger.Release(jobID)

	ctx, eventID := ctxkeys.EnsureCorrelationID(ctx)
	log := d.logger.With("jobId", jobID, "source", source, "phase", phase.String(), "eventId", eventID)
	log.Info("job event")
	metrics.IncJobEvent(source, phase.String())

	job, err := acp.DecodeJob(payload)
	if err != nil {
		log.Warn("undecodable job payload", "error", err)
		return
	}

	var stage string
	var outcome Outcome
	start := time.Now()
	switch phase {
	case acp.PhaseRequest, acp.PhaseNegotiation:
		stage = "accept"
		outcome, err = d.exec.Accept(ctx, job)
	case acp.PhaseTransaction, acp.PhaseEvaluation:
		stage = "deliver"
		outcome, err = d.exec.Deliver(ctx, job)
	default:
		log.Debug("phase requires no seller action")
		return
	}

	dur := time.Since(start)
	metrics.ObserveStage(stage, string(outcome), dur)
	d.record(ctx, jobID, source, phase, stage, outcome, err)
	if err != nil {
		log.Error("stage failed", "stage", stage, "outcome", string(outcome), "durationMs", dur.Milliseconds(), "error", err)
		return
	}
	log.Info("stage complete", "stage", stage, "outcome", string(outcome), "durationMs", dur.Milliseconds())
}

// record appends the stage outcome to the observability journal.
// Best-effort: a journal failure never affects dispatch.
func (d *Dispatcher) record(ctx context.Context, jobID int64, source string, phase acp.Phase, stage string, outcome Outcome, stageErr error) {
	if d.journal == nil {
		return
	}
	detail := ""
	if stageErr != nil {
		detail = truncateDetail(stageErr.Error())
	}
	ev := journal.Event{
		JobID:   jobID,
		Source:  source,
		Phase:   phase.String(),
		Stage:   stage,
		Outcome: string(outcome),
		Detail:  detail,
	}
	if err := d.journal.Append(ctx, ev); err != nil {
		d.logger.Debug("journal append failed", "error", err)
	}
}

func truncateDetail(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
