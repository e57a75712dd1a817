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

// Package acp defines the protocol data model shared across the seller
// runtime: job phases, memos, tolerant payload decoding, and wallet
// address helpers. Backends deliver several fields as either numbers or
// strings; everything here decodes that dual form once so the rest of
// the runtime only sees canonical values.
package acp

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Phase represents a discrete state in a job's lifecycle.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
	PhaseCompleted
	PhaseRejected
	PhaseExpired
)

// PhaseUnknown marks payload phases that could not be normalized.
// Dispatch drops events carrying it.
const PhaseUnknown Phase = -1

var phaseLabels = [...]string{
	PhaseRequest:     "REQUEST",
	PhaseNegotiation: "NEGOTIATION",
	PhaseTransaction: "TRANSACTION",
	PhaseEvaluation:  "EVALUATION",
	PhaseCompleted:   "COMPLETED",
	PhaseRejected:    "REJECTED",
	PhaseExpired:     "EXPIRED",
}

var phasesByLabel = map[string]Phase{
	"REQUEST":     PhaseRequest,
	"NEGOTIATION": PhaseNegotiation,
	"TRANSACTION": PhaseTransaction,
	"EVALUATION":  PhaseEvaluation,
	"COMPLETED":   PhaseCompleted,
	"REJECTED":    PhaseRejected,
	"EXPIRED":     PhaseExpired,
}

// String returns the symbolic uppercase label, or "UNKNOWN" for values
// outside the protocol range.
func (p Phase) String() string {
	if p.Valid() {
		return phaseLabels[p]
	}
	return "UNKNOWN"
}

// Valid reports whether the phase is one of the seven protocol phases.
func (p Phase) Valid() bool {
	return p >= PhaseRequest && p <= PhaseExpired
}

// IsTerminal reports whether the phase ends the job's lifecycle.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseExpired
}

// MarshalJSON renders the phase as its symbolic label.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the protocol's dual wire form (number or string).
// Unrecognized values decode to PhaseUnknown rather than failing, so a
// drifted payload never breaks the surrounding document.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	got, ok := ParsePhase(v)
	if !ok {
		*p = PhaseUnknown
		return nil
	}
	*p = got
	return nil
}

// ParsePhase normalizes any of the phase encodings observed on the wire:
// integer 0..6, numeric string "0".."6", or symbolic label in any case.
// The second result is false when the value has no protocol meaning.
func ParsePhase(v any) (Phase, bool) {
	switch t := v.(type) {
	case Phase:
		if t.Valid() {
			return t, true
		}
	case int:
		return phaseFromInt(int64(t))
	case int32:
		return phaseFromInt(int64(t))
	case int64:
		return phaseFromInt(t)
	case float64:
		n := int64(t)
		if float64(n) == t {
			return phaseFromInt(n)
		}
	case json.Number:
		return parsePhaseString(t.String())
	case string:
		return parsePhaseString(t)
	}
	return PhaseUnknown, false
}

// PhaseLabel is a convenience for log fields: the symbolic label of any
// wire encoding, or "UNKNOWN".
func PhaseLabel(v any) string {
	if p, ok := ParsePhase(v); ok {
		return p.String()
	}
	return "UNKNOWN"
}

func parsePhaseString(s string) (Phase, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PhaseUnknown, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return phaseFromInt(n)
	}
	if p, ok := phasesByLabel[strings.ToUpper(s)]; ok {
		return p, true
	}
	return PhaseUnknown, false
}

func phaseFromInt(n int64) (Phase, bool) {
	if n < int64(PhaseRequest) || n > int64(PhaseExpired) {
		return PhaseUnknown, false
	}
	return Phase(n), true
}
