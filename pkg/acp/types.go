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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexID is a numeric identifier that backends deliver as either a JSON
// number or a digit-only string. Values that parse as neither decode to
// zero (absent) instead of failing the enclosing document.
type FlexID int64

// Int64 returns the identifier as a plain integer.
func (f FlexID) Int64() int64 { return int64(f) }

// MarshalJSON always emits the numeric form.
func (f FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(f))
}

// UnmarshalJSON accepts numbers (including integral floats) and
// digit-only strings.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	*f = 0
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return nil
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64); err == nil {
			*f = FlexID(n)
		}
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err != nil {
		return nil
	}
	if n := int64(num); float64(n) == num {
		*f = FlexID(n)
	}
	return nil
}

// Memo is a chat-like envelope attached to a job. Content is a UTF-8
// string that frequently carries a JSON document with the buyer's intent
// for the next phase.
type Memo struct {
	ID        FlexID `json:"id"`
	NextPhase Phase  `json:"nextPhase"`
	Content   string `json:"content"`
	MemoType  string `json:"memoType,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// UnmarshalJSON decodes the tolerant wire form: nextPhase and memoType
// arrive as numbers or strings, and a missing nextPhase must not read as
// phase zero (REQUEST).
func (m *Memo) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID        FlexID          `json:"id"`
		NextPhase json.RawMessage `json:"nextPhase"`
		Content   json.RawMessage `json:"content"`
		MemoType  json.RawMessage `json:"memoType"`
		Status    json.RawMessage `json:"status"`
		CreatedAt json.RawMessage `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = aux.ID
	m.NextPhase = PhaseUnknown
	if len(aux.NextPhase) > 0 {
		var v any
		if err := json.Unmarshal(aux.NextPhase, &v); err == nil {
			if p, ok := ParsePhase(v); ok {
				m.NextPhase = p
			}
		}
	}
	m.Content = rawText(aux.Content)
	m.MemoType = rawScalar(aux.MemoType)
	m.Status = rawScalar(aux.Status)
	m.CreatedAt = rawScalar(aux.CreatedAt)
	return nil
}

// Deliverable is the value a seller returns for a completed job. The wire
// form is either a bare string or an object {type, value}.
type Deliverable struct {
	Text  string
	Type  string
	Value any
}

// TextDeliverable wraps a plain string deliverable.
func TextDeliverable(s string) Deliverable {
	return Deliverable{Text: s}
}

// StructuredDeliverable wraps a typed deliverable value.
func StructuredDeliverable(typ string, value any) Deliverable {
	return Deliverable{Type: typ, Value: value}
}

// IsZero reports whether the deliverable carries no content at all.
func (d Deliverable) IsZero() bool {
	return d.Text == "" && d.Type == "" && d.Value == nil
}

// MarshalJSON emits the bare-string form when no structured fields are
// set, otherwise the {type, value} object.
func (d Deliverable) MarshalJSON() ([]byte, error) {
	if d.Type == "" && d.Value == nil {
		return json.Marshal(d.Text)
	}
	return json.Marshal(struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	}{d.Type, d.Value})
}

// UnmarshalJSON accepts both wire forms.
func (d *Deliverable) UnmarshalJSON(data []byte) error {
	*d = Deliverable{}
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		return json.Unmarshal(data, &d.Text)
	}
	var aux struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		// Non-object, non-string deliverables (bare numbers, arrays)
		// are kept as an untyped value.
		var v any
		if err2 := json.Unmarshal(data, &v); err2 != nil {
			return err
		}
		d.Value = v
		return nil
	}
	d.Type = aux.Type
	d.Value = aux.Value
	return nil
}

// PayableDetail describes an on-chain transfer attached to a payment
// request or a deliverable.
type PayableDetail struct {
	Amount       float64 `json:"amount"`
	TokenAddress string  `json:"tokenAddress"`
	Recipient    string  `json:"recipient,omitempty"`
}

// Job is the unit of work. The runtime borrows jobs read-only per event
// and holds no canonical copy; Raw preserves the payload as received for
// snapshot artifacts.
type Job struct {
	ID               FlexID
	Phase            Phase
	ClientAddress    string
	ProviderAddress  string
	EvaluatorAddress string
	Price            float64
	Name             string
	Memos            []Memo
	Context          map[string]any
	Deliverable      *Deliverable
	MemoToSign       *FlexID
	Raw              map[string]any
}

// HasDeliverable reports whether the backend already shows a populated
// deliverable for the job.
func (j *Job) HasDeliverable() bool {
	return j.Deliverable != nil && !j.Deliverable.IsZero()
}

// UnmarshalJSON decodes the drifting wire form: ids and phases as numbers
// or strings, addresses occasionally as non-strings, price as number or
// numeric string. A field the payload omits or mangles decodes to its
// absent value; only malformed JSON fails.
func (j *Job) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID               FlexID          `json:"id"`
		Phase            json.RawMessage `json:"phase"`
		ClientAddress    json.RawMessage `json:"clientAddress"`
		ProviderAddress  json.RawMessage `json:"providerAddress"`
		EvaluatorAddress json.RawMessage `json:"evaluatorAddress"`
		Price            json.RawMessage `json:"price"`
		Name             json.RawMessage `json:"name"`
		Memos            []Memo          `json:"memos"`
		Context          map[string]any  `json:"context"`
		Deliverable      *Deliverable    `json:"deliverable"`
		MemoToSign       *FlexID         `json:"memoToSign"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.ID = aux.ID
	j.Phase = PhaseUnknown
	if len(aux.Phase) > 0 {
		var v any
		if err := json.Unmarshal(aux.Phase, &v); err == nil {
			if p, ok := ParsePhase(v); ok {
				j.Phase = p
			}
		}
	}
	j.ClientAddress = rawScalar(aux.ClientAddress)
	j.ProviderAddress = rawScalar(aux.ProviderAddress)
	j.EvaluatorAddress = rawScalar(aux.EvaluatorAddress)
	j.Price = rawNumber(aux.Price)
	j.Name = rawScalar(aux.Name)
	j.Memos = aux.Memos
	j.Context = aux.Context
	j.Deliverable = aux.Deliverable
	j.MemoToSign = aux.MemoToSign
	j.Raw = nil
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err == nil {
		j.Raw = raw
	}
	return nil
}

// DecodeJob converts a raw event payload into the typed job model.
func DecodeJob(payload map[string]any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}

// rawScalar renders a raw JSON scalar as a string: strings are unquoted,
// numbers and booleans keep their literal text, everything else is "".
func rawScalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return ""
		}
		return str
	}
	if s[0] == '{' || s[0] == '[' {
		return ""
	}
	return s
}

// rawText is rawScalar except that objects and arrays keep their literal
// JSON text, which lets memo content written as a bare object survive.
func rawText(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return ""
		}
		return str
	}
	return s
}

// rawNumber parses a raw JSON number or numeric string; anything else is 0.
func rawNumber(raw json.RawMessage) float64 {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0
		}
		s = strings.TrimSpace(str)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}
