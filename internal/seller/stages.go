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
	"fmt"
	"log/slog"

	"stall/internal/delivery"
	"stall/internal/metrics"
	"stall/internal/offering"
	"stall/internal/retry"
	"stall/pkg/acp"
)

// Outcome labels how a stage run ended, for metrics and the journal.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Texts sent to the buyer. The reject reasons are part of the seller
// contract; buyers match on them.
const (
	reasonJobAccepted      = "Job accepted"
	reasonInvalidOffering  = "Invalid offering name (could not resolve)"
	reasonValidationFailed = "Validation failed"
	defaultPaymentContent  = "Request accepted"
)

// Backend is the slice of the seller API the stages drive.
type Backend interface {
	AcceptJob(ctx context.Context, jobID int64, accept bool, reason string) error
	RequestPayment(ctx context.Context, jobID int64, content string, pd *acp.PayableDetail) error
	DeliverJob(ctx context.Context, jobID int64, d acp.Deliverable, pd *acp.PayableDetail) error
}

// OfferingLoader resolves offering names to local handler bundles.
type OfferingLoader interface {
	Load(name string) (*offering.Offering, error)
}

// Executor runs the accept and deliver stages. Callers must hold the
// job's in-flight slot; the executor itself only touches the ledger.
type Executor struct {
	backend      Backend
	offerings    OfferingLoader
	ledger       *StageLedger
	logger       *slog.Logger
	deliveryRoot string
	retryCfg     retry.Config
}

func NewExecutor(backend Backend, offerings OfferingLoader, ledger *StageLedger, deliveryRoot string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:      backend,
		offerings:    offerings,
		ledger:       ledger,
		logger:       logger.With("component", "stage"),
		deliveryRoot: deliveryRoot,
		retryCfg:     retry.DefaultConfig(),
	}
}

// Accept runs the accept stage: short-circuits, offering resolution,
// optional validation, then the accept call and the payment request,
// both under retry. The ledger is marked only once the whole bundle
// lands, so a payment-request failure re-drives the stage on the next
// sighting and leans on backend idempotency for the accept call.
func (e *Executor) Accept(ctx context.Context, job *acp.Job) (Outcome, error) {
	jobID := job.ID.Int64()
	log := e.logger.With("jobId", jobID, "stage", "accept")

	if acp.HasMemoWithNextPhase(job.Memos, acp.PhaseTransaction) {
		log.Info("payment request already on record, skipping accept")
		e.ledger.MarkAccepted(jobID)
		return OutcomeSkipped, nil
	}
	if e.ledger.Accepted(jobID) {
		return OutcomeSkipped, nil
	}

	name := acp.ResolveOfferingName(job)
	if name == "" {
		return e.reject(ctx, log, jobID, reasonInvalidOffering)
	}
	req := acp.ResolveServiceRequirements(job)

	off, err := e.offerings.Load(name)
	if err != nil {
		log.Warn("offering load failed", "offering", name, "error", err)
		return e.reject(ctx, log, jobID, "Offering not configured locally: "+name)
	}

	jc, err := e.jobContext(job, name, off.Config)
	if err != nil {
		log.Error("job context not buildable", "offering", name, "error", err)
		return OutcomeError, err
	}

	if v, ok := off.Handlers.(offering.RequirementsValidator); ok {
		verdict, verr := v.ValidateRequirements(ctx, req, jc)
		if verr != nil {
			log.Warn("requirements validation errored", "offering", name, "error", verr)
			return e.reject(ctx, log, jobID, reasonValidationFailed)
		}
		if !verdict.Valid {
			reason := verdict.Reason
			if reason == "" {
				reason = reasonValidationFailed
			}
			return e.reject(ctx, log, jobID, reason)
		}
	}

	if _, err := retry.Do(ctx, e.retryCfg, metrics.OpAcceptJob, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.AcceptJob(ctx, jobID, true, reasonJobAccepted)
	}); err != nil {
		return OutcomeError, fmt.Errorf("accept job %d: %w", jobID, err)
	}

	content := defaultPaymentContent
	var pd *acp.PayableDetail
	var fundsContent string
	if off.Config.RequiredFunds {
		if fr, ok := off.Handlers.(offering.FundsRequester); ok {
			funds, ferr := fr.RequestAdditionalFunds(ctx, req, jc)
			if ferr != nil {
				log.Warn("funds hook failed, proceeding without payable detail", "offering", name, "error", ferr)
			} else if funds != nil {
				pd = &acp.PayableDetail{
					Amount:       funds.Amount,
					TokenAddress: funds.TokenAddress,
					Recipient:    funds.Recipient,
				}
				fundsContent = funds.Content
			}
		}
	}
	if pr, ok := off.Handlers.(offering.PaymentRequester); ok {
		s, perr := pr.RequestPayment(ctx, req, jc)
		if perr != nil {
			log.Warn("payment content hook failed, using default", "offering", name, "error", perr)
		} else if s != "" {
			content = s
		}
	} else if fundsContent != "" {
		content = fundsContent
	}

	if _, err := retry.Do(ctx, e.retryCfg, metrics.OpRequestPayment, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.RequestPayment(ctx, jobID, content, pd)
	}); err != nil {
		return OutcomeError, fmt.Errorf("request payment %d: %w", jobID, err)
	}

	e.ledger.MarkAccepted(jobID)
	log.Info("job accepted", "offering", name, "hasPayableDetail", pd != nil)
	return OutcomeAccepted, nil
}

// Deliver runs the deliver stage. ExecuteJob is never retried: handler
// side effects are not assumed idempotent, and the poll loop will
// re-observe a job whose delivery did not complete.
func (e *Executor) Deliver(ctx context.Context, job *acp.Job) (Outcome, error) {
	jobID := job.ID.Int64()
	log := e.logger.With("jobId", jobID, "stage", "deliver")

	if job.HasDeliverable() {
		log.Info("deliverable already on record, skipping")
		e.ledger.MarkDelivered(jobID)
		return OutcomeSkipped, nil
	}
	if e.ledger.Delivered(jobID) {
		return OutcomeSkipped, nil
	}

	name := acp.ResolveOfferingName(job)
	if name == "" {
		log.Warn("offering name unresolvable at deliver, leaving job as is")
		return OutcomeSkipped, nil
	}
	off, err := e.offerings.Load(name)
	if err != nil {
		log.Warn("offering load failed at deliver", "offering", name, "error", err)
		return OutcomeSkipped, nil
	}

	req := acp.ResolveServiceRequirements(job)
	jc, err := e.jobContext(job, name, off.Config)
	if err != nil {
		log.Error("job context not buildable", "offering", name, "error", err)
		return OutcomeError, err
	}

	result, err := off.Handlers.ExecuteJob(ctx, req, jc)
	if err != nil {
		return OutcomeError, fmt.Errorf("execute %s for job %d: %w", name, jobID, err)
	}
	if result == nil {
		return OutcomeError, fmt.Errorf("execute %s for job %d: handler returned no result", name, jobID)
	}

	if _, err := retry.Do(ctx, e.retryCfg, metrics.OpDeliverJob, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.DeliverJob(ctx, jobID, result.Deliverable, result.PayableDetail)
	}); err != nil {
		return OutcomeError, fmt.Errorf("deliver job %d: %w", jobID, err)
	}

	e.ledger.MarkDelivered(jobID)
	log.Info("job delivered", "offering", name, "hasPayableDetail", result.PayableDetail != nil)
	return OutcomeDelivered, nil
}

// reject sends accept=false with the given reason under retry and marks
// the job accepted-handled for this lifetime. The reason text is buyer
// facing and may derive from requirements, so it is not logged.
func (e *Executor) reject(ctx context.Context, log *slog.Logger, jobID int64, reason string) (Outcome, error) {
	if _, err := retry.Do(ctx, e.retryCfg, metrics.OpAcceptJob, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.AcceptJob(ctx, jobID, false, reason)
	}); err != nil {
		return OutcomeError, fmt.Errorf("reject job %d: %w", jobID, err)
	}
	e.ledger.MarkAccepted(jobID)
	log.Info("job rejected")
	return OutcomeRejected, nil
}

// jobContext assembles the handler context, creating the job directory
// as a side effect.
func (e *Executor) jobContext(job *acp.Job, name string, cfg *offering.Config) (*offering.JobContext, error) {
	root, jobDir, err := delivery.EnsureJobDir(e.deliveryRoot, job.ID.Int64())
	if err != nil {
		return nil, fmt.Errorf("ensure job dir: %w", err)
	}
	return &offering.JobContext{
		JobID:        job.ID.Int64(),
		OfferingName: name,
		DeliveryRoot: root,
		JobDir:       jobDir,
		Job:          job,
		Config:       cfg,
	}, nil
}
