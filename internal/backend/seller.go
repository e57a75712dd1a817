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

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"stall/internal/metrics"
	"stall/pkg/acp"
)

// AcceptJob accepts or rejects a job on behalf of the provider.
func (c *Client) AcceptJob(ctx context.Context, jobID int64, accept bool, reason string) error {
	body := map[string]any{"accept": accept}
	if reason != "" {
		body["reason"] = reason
	}
	rel := fmt.Sprintf("/acp/providers/jobs/%d/accept", jobID)
	_, err := c.do(ctx, metrics.OpAcceptJob, http.MethodPost, rel, body,
		"jobId", jobID, "accept", accept)
	return err
}

// RequestPayment posts the payment-request memo for a job. The content
// text is buyer-facing and may derive from requirements, so it is never
// placed on the log line.
func (c *Client) RequestPayment(ctx context.Context, jobID int64, content string, pd *acp.PayableDetail) error {
	body := map[string]any{"content": content}
	if pd != nil {
		body["payableDetail"] = pd
	}
	rel := fmt.Sprintf("/acp/providers/jobs/%d/requirement", jobID)
	_, err := c.do(ctx, metrics.OpRequestPayment, http.MethodPost, rel, body,
		"jobId", jobID, "hasPayableDetail", pd != nil)
	return err
}

// DeliverJob posts the deliverable for a job. Deliverable content stays
// off the log line for the same reason payment content does.
func (c *Client) DeliverJob(ctx context.Context, jobID int64, d acp.Deliverable, pd *acp.PayableDetail) error {
	body := map[string]any{"deliverable": d}
	if pd != nil {
		body["payableDetail"] = pd
	}
	rel := fmt.Sprintf("/acp/providers/jobs/%d/deliverable", jobID)
	_, err := c.do(ctx, metrics.OpDeliverJob, http.MethodPost, rel, body,
		"jobId", jobID, "hasPayableDetail", pd != nil)
	return err
}

// ActiveJobs fetches one page of the provider's active jobs. The answer
// arrives either as {"data": [...]} or as a bare array depending on the
// backend version; both decode to raw payload maps for the dispatcher.
func (c *Client) ActiveJobs(ctx context.Context, page, pageSize int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	data, err := c.do(ctx, metrics.OpActiveJobs, http.MethodGet, "/acp/jobs/active?"+q.Encode(), nil,
		"page", page, "pageSize", pageSize)
	if err != nil {
		return nil, err
	}
	return decodeJobsPayload(data)
}

func decodeJobsPayload(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var jobs []map[string]any
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return nil, fmt.Errorf("decode active jobs: %w", err)
		}
		return jobs, nil
	}
	var wrapper struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("decode active jobs: %w", err)
	}
	return wrapper.Data, nil
}
