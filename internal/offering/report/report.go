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

// Package report is the built-in report_writing offering. It renders
// buyer requirements into a Markdown report under the job's delivery
// directory, or into an intake request when required fields are
// missing. Importing the package registers the handler.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stall/internal/delivery"
	"stall/internal/offering"
	"stall/pkg/acp"
)

// HandlerKey is the registry key the handler self-registers under.
const HandlerKey = "report_writing"

func init() {
	offering.Register(HandlerKey, func() offering.Handlers { return &Handler{} })
}

// Handler implements every offering capability: execution, requirement
// validation, payment-request text, and additional-funds requests.
type Handler struct{}

var (
	_ offering.Handlers              = (*Handler)(nil)
	_ offering.RequirementsValidator = (*Handler)(nil)
	_ offering.PaymentRequester      = (*Handler)(nil)
	_ offering.FundsRequester        = (*Handler)(nil)
)

// titleKeys are checked in order for the report heading.
var titleKeys = []string{"topic", "title", "subject"}

// supportedFormats is what ValidateRequirements accepts for an explicit
// "format" field. Everything the handler writes is Markdown.
var supportedFormats = map[string]bool{
	"md":       true,
	"markdown": true,
	"txt":      true,
	"text":     true,
}

// ValidateRequirements rejects only requirements the handler can never
// satisfy: an explicit output format other than Markdown or plain text.
// Missing fields are not rejected here; they flow into the intake
// request instead.
func (h *Handler) ValidateRequirements(_ context.Context, req map[string]any, _ *offering.JobContext) (offering.Validation, error) {
	format, ok := req["format"].(string)
	if !ok || strings.TrimSpace(format) == "" {
		return offering.Validation{Valid: true}, nil
	}
	if !supportedFormats[strings.ToLower(strings.TrimSpace(format))] {
		return offering.Validation{
			Valid:  false,
			Reason: fmt.Sprintf("Unsupported format %q: this offering delivers Markdown", format),
		}, nil
	}
	return offering.Validation{Valid: true}, nil
}

// RequestPayment describes what the buyer is paying for.
func (h *Handler) RequestPayment(_ context.Context, req map[string]any, jc *offering.JobContext) (string, error) {
	title := reportTitle(req, jc.OfferingName)
	return fmt.Sprintf("Payment requested for %q. The report will be delivered on this job once funds clear.", title), nil
}

// RequestAdditionalFunds reads transfer details from the offering
// config's extension fields. A config without requiredFunds, or without
// a positive fundsAmount, requests nothing.
func (h *Handler) RequestAdditionalFunds(_ context.Context, _ map[string]any, jc *offering.JobContext) (*offering.FundsRequest, error) {
	cfg := jc.Config
	if cfg == nil || !cfg.RequiredFunds {
		return nil, nil
	}
	amount := extraNumber(cfg.Extra, "fundsAmount")
	if amount <= 0 {
		return nil, nil
	}
	fr := &offering.FundsRequest{
		Amount:       amount,
		TokenAddress: extraString(cfg.Extra, "fundsToken"),
		Recipient:    extraString(cfg.Extra, "fundsRecipient"),
	}
	fr.Content = fmt.Sprintf("This offering requires an additional transfer of %v before work begins.", amount)
	return fr, nil
}

// ExecuteJob writes the job snapshot, then either an intake request
// (when required fields are missing) or the finished report.
func (h *Handler) ExecuteJob(_ context.Context, req map[string]any, jc *offering.JobContext) (*offering.ExecuteResult, error) {
	var filesWritten []string

	var snapshot any = jc.Job
	if jc.Job != nil && jc.Job.Raw != nil {
		snapshot = jc.Job.Raw
	}
	if _, err := delivery.WriteJSONFile(jc.JobDir, delivery.SnapshotFile, snapshot); err != nil {
		return nil, err
	}
	filesWritten = append(filesWritten, delivery.SnapshotFile)

	var required []string
	if jc.Config != nil {
		required = jc.Config.RequiredFields
	}
	missing := delivery.MissingRequiredFields(req, required)
	if len(missing) > 0 {
		if _, err := delivery.WriteTextFile(jc.JobDir, delivery.IntakeFile, renderIntake(jc, missing)); err != nil {
			return nil, err
		}
		filesWritten = append(filesWritten, delivery.IntakeFile)
		value := delivery.BuildNeedsInfoValue(jc.JobID, jc.OfferingName, jc.JobDir, missing, filesWritten, delivery.IntakeFile)
		return &offering.ExecuteResult{
			Deliverable: acp.StructuredDeliverable("object", value),
		}, nil
	}

	if _, err := delivery.WriteTextFile(jc.JobDir, delivery.ReportFile, renderReport(req, jc)); err != nil {
		return nil, err
	}
	filesWritten = append(filesWritten, delivery.ReportFile)
	value := delivery.BuildWrittenValue(jc.JobID, jc.OfferingName, jc.JobDir, filesWritten, delivery.ReportFile)
	return &offering.ExecuteResult{
		Deliverable: acp.StructuredDeliverable("object", value),
	}, nil
}

func renderIntake(jc *offering.JobContext, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Intake Request: Job %d\n\n", jc.JobID)
	fmt.Fprintf(&b, "The %q offering needs more information before it can deliver.\n\n", jc.OfferingName)
	b.WriteString("## Missing fields\n\n")
	for _, f := range missing {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	b.WriteString("\n## How to respond\n\n")
	b.WriteString("Send a follow-up message on this job containing the fields above.\n")
	return b.String()
}

func renderReport(req map[string]any, jc *offering.JobContext) string {
	title := reportTitle(req, jc.OfferingName)

	keys := make([]string, 0, len(req))
	for k := range req {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Prepared for job %d.\n", jc.JobID)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", headingFor(k), renderValue(req[k]))
	}
	return b.String()
}

func reportTitle(req map[string]any, fallback string) string {
	for _, k := range titleKeys {
		if s, ok := req[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if fallback != "" {
		return fallback
	}
	return "Report"
}

func headingFor(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case nil:
		return "(not provided)"
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return "```json\n" + string(data) + "\n```"
	}
}

func extraNumber(extra map[string]any, key string) float64 {
	if extra == nil {
		return 0
	}
	switch v := extra[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func extraString(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	s, _ := extra[key].(string)
	return strings.TrimSpace(s)
}
