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

package acp

import (
	"reflect"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0xABCdef0123", "0xabcdef0123"},
		{"  0xAAA  ", "0xaaa"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJobID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    int64
		wantOK  bool
	}{
		{"int", map[string]any{"id": 42}, 42, true},
		{"float integral", map[string]any{"id": float64(123)}, 123, true},
		{"float fractional", map[string]any{"id": 12.5}, 0, false},
		{"digit string", map[string]any{"id": "777"}, 777, true},
		{"padded digit string", map[string]any{"id": " 8 "}, 8, true},
		{"non-digit string", map[string]any{"id": "abc"}, 0, false},
		{"missing", map[string]any{}, 0, false},
		{"nil value", map[string]any{"id": nil}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := JobID(tt.payload)
			if ok != tt.wantOK {
				t.Fatalf("JobID ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("JobID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeJobTolerance(t *testing.T) {
	payload := map[string]any{
		"id":              "123",
		"phase":           "NEGOTIATION",
		"providerAddress": "0xAAAbbbCCC000000000000000000000000000dead",
		"price":           "1.5",
		"memos": []any{
			map[string]any{
				"id":        float64(999),
				"nextPhase": 1,
				"content":   `{"name":"svc"}`,
			},
			map[string]any{
				"id":        "1000",
				"nextPhase": "TRANSACTION",
				"content":   "pay up",
				"memoType":  float64(2),
			},
		},
		"deliverable": nil,
	}

	job, err := DecodeJob(payload)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if job.ID.Int64() != 123 {
		t.Errorf("ID = %d, want 123", job.ID.Int64())
	}
	if job.Phase != PhaseNegotiation {
		t.Errorf("Phase = %v, want NEGOTIATION", job.Phase)
	}
	if job.Price != 1.5 {
		t.Errorf("Price = %v, want 1.5", job.Price)
	}
	if len(job.Memos) != 2 {
		t.Fatalf("got %d memos, want 2", len(job.Memos))
	}
	if job.Memos[0].NextPhase != PhaseNegotiation {
		t.Errorf("memo 0 NextPhase = %v, want NEGOTIATION", job.Memos[0].NextPhase)
	}
	if job.Memos[1].NextPhase != PhaseTransaction {
		t.Errorf("memo 1 NextPhase = %v, want TRANSACTION", job.Memos[1].NextPhase)
	}
	if job.Memos[1].ID.Int64() != 1000 {
		t.Errorf("memo 1 ID = %d, want 1000", job.Memos[1].ID.Int64())
	}
	if job.Memos[1].MemoType != "2" {
		t.Errorf("memo 1 MemoType = %q, want \"2\"", job.Memos[1].MemoType)
	}
	if job.HasDeliverable() {
		t.Error("HasDeliverable = true for null deliverable")
	}
	if job.Raw == nil {
		t.Error("Raw payload not retained")
	}
}

func TestDecodeJobMissingPhase(t *testing.T) {
	job, err := DecodeJob(map[string]any{"id": 1})
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if job.Phase != PhaseUnknown {
		t.Errorf("missing phase decoded to %v, want PhaseUnknown", job.Phase)
	}
}

func TestHasDeliverable(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{"absent", map[string]any{"id": 1}, false},
		{"null", map[string]any{"id": 1, "deliverable": nil}, false},
		{"empty string", map[string]any{"id": 1, "deliverable": ""}, false},
		{"string", map[string]any{"id": 1, "deliverable": "done"}, true},
		{"object", map[string]any{"id": 1, "deliverable": map[string]any{"type": "text", "value": "done"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob(tt.payload)
			if err != nil {
				t.Fatalf("DecodeJob: %v", err)
			}
			if got := job.HasDeliverable(); got != tt.want {
				t.Errorf("HasDeliverable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindMemoByNextPhase(t *testing.T) {
	memos := []Memo{
		{ID: 1, NextPhase: PhaseNegotiation},
		{ID: 2, NextPhase: PhaseTransaction},
		{ID: 3, NextPhase: PhaseTransaction},
	}

	memo := FindMemoByNextPhase(memos, PhaseTransaction)
	if memo == nil || memo.ID != 2 {
		t.Errorf("expected first TRANSACTION memo (id 2), got %+v", memo)
	}
	if FindMemoByNextPhase(memos, PhaseCompleted) != nil {
		t.Error("expected nil for absent phase")
	}
	if !HasMemoWithNextPhase(memos, PhaseNegotiation) {
		t.Error("HasMemoWithNextPhase(NEGOTIATION) = false")
	}
	if HasMemoWithNextPhase(nil, PhaseNegotiation) {
		t.Error("HasMemoWithNextPhase on nil memos = true")
	}
}

func TestResolveOfferingName(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			"context jobOfferingName wins",
			map[string]any{
				"id":      1,
				"context": map[string]any{"jobOfferingName": "svc-a", "offeringName": "svc-b"},
				"name":    "svc-c",
			},
			"svc-a",
		},
		{
			"context offering",
			map[string]any{
				"id":      1,
				"context": map[string]any{"offering": "  svc-x  "},
			},
			"svc-x",
		},
		{
			"job name fallback",
			map[string]any{"id": 1, "name": "svc-top"},
			"svc-top",
		},
		{
			"negotiation memo JSON",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": "NEGOTIATION", "content": `{"name":"typescript_api_development"}`},
				},
			},
			"typescript_api_development",
		},
		{
			"memo offeringName key",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": 1, "content": `{"offeringName":"svc-m"}`},
				},
			},
			"svc-m",
		},
		{
			"non-JSON memo yields nothing",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": 1, "content": "hello there"},
				},
			},
			"",
		},
		{
			"empty strings skipped",
			map[string]any{
				"id":      1,
				"context": map[string]any{"offeringName": "   "},
			},
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob(tt.payload)
			if err != nil {
				t.Fatalf("DecodeJob: %v", err)
			}
			if got := ResolveOfferingName(job); got != tt.want {
				t.Errorf("ResolveOfferingName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveServiceRequirements(t *testing.T) {
	wantReq := map[string]any{"apiDescription": "Build /health"}

	tests := []struct {
		name    string
		payload map[string]any
		want    map[string]any
	}{
		{
			"context requirement",
			map[string]any{
				"id":      1,
				"context": map[string]any{"requirement": map[string]any{"apiDescription": "Build /health"}},
			},
			wantReq,
		},
		{
			"context serviceRequirements",
			map[string]any{
				"id":      1,
				"context": map[string]any{"serviceRequirements": map[string]any{"apiDescription": "Build /health"}},
			},
			wantReq,
		},
		{
			"context requirement not a map is skipped",
			map[string]any{
				"id":      1,
				"context": map[string]any{"requirement": "free text"},
			},
			map[string]any{},
		},
		{
			"memo requirement key",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": "NEGOTIATION", "content": `{"name":"svc","requirement":{"apiDescription":"Build /health"}}`},
				},
			},
			wantReq,
		},
		{
			"memo body minus reserved keys",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": 1, "content": `{"name":"svc","price":5,"topic":"go","depth":"full"}`},
				},
			},
			map[string]any{"topic": "go", "depth": "full"},
		},
		{
			"nothing resolves",
			map[string]any{"id": 1},
			map[string]any{},
		},
		{
			"memo with only reserved keys",
			map[string]any{
				"id": 1,
				"memos": []any{
					map[string]any{"id": 9, "nextPhase": 1, "content": `{"name":"svc","jobFee":1}`},
				},
			},
			map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob(tt.payload)
			if err != nil {
				t.Fatalf("DecodeJob: %v", err)
			}
			got := ResolveServiceRequirements(job)
			if got == nil {
				t.Fatal("ResolveServiceRequirements returned nil map")
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveServiceRequirements = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliverableJSON(t *testing.T) {
	d := TextDeliverable("all done")
	out, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal text: %v", err)
	}
	if string(out) != `"all done"` {
		t.Errorf("text form = %s", out)
	}

	d = StructuredDeliverable("url", map[string]any{"status": "ok"})
	out, err = d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal structured: %v", err)
	}
	want := `{"type":"url","value":{"status":"ok"}}`
	if string(out) != want {
		t.Errorf("structured form = %s, want %s", out, want)
	}

	var back Deliverable
	if err := back.UnmarshalJSON([]byte(`{"type":"text","value":"v"}`)); err != nil {
		t.Fatalf("unmarshal object: %v", err)
	}
	if back.Type != "text" || back.Value != "v" {
		t.Errorf("unmarshal object = %+v", back)
	}
	if err := back.UnmarshalJSON([]byte(`"plain"`)); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if back.Text != "plain" || back.Type != "" {
		t.Errorf("unmarshal string = %+v", back)
	}
}
