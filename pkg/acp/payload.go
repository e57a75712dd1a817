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
	"strconv"
	"strings"
)

// Buyers put the offering name and the requirements in several places
// depending on client version. The resolvers below walk those locations
// in a fixed priority order. All of them are total: a payload that
// resolves nothing yields an absent value, never an error.

var offeringNameKeys = []string{"jobOfferingName", "offeringName", "offering", "name"}

var requirementKeys = []string{"requirement", "requirements", "serviceRequirements"}

// reservedMemoKeys are stripped when the negotiation memo body itself is
// used as the requirements map of last resort.
var reservedMemoKeys = map[string]struct{}{
	"name":                {},
	"offeringName":        {},
	"offering":            {},
	"requirement":         {},
	"requirements":        {},
	"serviceRequirements": {},
	"price":               {},
	"priceValue":          {},
	"priceType":           {},
	"jobFee":              {},
	"memoToSign":          {},
}

// NormalizeAddress canonicalizes a wallet address for comparison:
// trimmed and lowercased, with "" standing for absent.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// JobID extracts the numeric job id from a raw event payload. Integers,
// integral floats, and digit-only strings are accepted.
func JobID(payload map[string]any) (int64, bool) {
	v, ok := payload["id"]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		n := int64(t)
		if float64(n) == t {
			return n, true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// FindMemoByNextPhase returns the first memo transitioning to the given
// phase, or nil.
func FindMemoByNextPhase(memos []Memo, phase Phase) *Memo {
	for i := range memos {
		if memos[i].NextPhase == phase {
			return &memos[i]
		}
	}
	return nil
}

// HasMemoWithNextPhase reports whether any memo transitions to the given
// phase.
func HasMemoWithNextPhase(memos []Memo, phase Phase) bool {
	return FindMemoByNextPhase(memos, phase) != nil
}

// ResolveOfferingName locates the logical offering name for a job.
// Priority: context keys, the job-level name, then the negotiation memo
// body parsed as JSON with the same key priority.
func ResolveOfferingName(job *Job) string {
	if job == nil {
		return ""
	}
	if s := firstStringValue(job.Context, offeringNameKeys); s != "" {
		return s
	}
	if s := strings.TrimSpace(job.Name); s != "" {
		return s
	}
	if doc := negotiationMemoJSON(job); doc != nil {
		if s := firstStringValue(doc, offeringNameKeys); s != "" {
			return s
		}
	}
	return ""
}

// ResolveServiceRequirements locates the buyer's stated requirements.
// Priority: context keys holding a map, the negotiation memo body's
// requirement keys, then the memo body itself minus reserved keys.
// Always returns a non-nil map.
func ResolveServiceRequirements(job *Job) map[string]any {
	if job == nil {
		return map[string]any{}
	}
	if m := firstMapValue(job.Context, requirementKeys); m != nil {
		return m
	}
	if doc := negotiationMemoJSON(job); doc != nil {
		if m := firstMapValue(doc, requirementKeys); m != nil {
			return m
		}
		rest := make(map[string]any, len(doc))
		for k, v := range doc {
			if _, reserved := reservedMemoKeys[k]; reserved {
				continue
			}
			rest[k] = v
		}
		if len(rest) > 0 {
			return rest
		}
	}
	return map[string]any{}
}

func negotiationMemoJSON(job *Job) map[string]any {
	memo := FindMemoByNextPhase(job.Memos, PhaseNegotiation)
	if memo == nil {
		return nil
	}
	return parseJSONObject(memo.Content)
}

// parseJSONObject parses s as a JSON object, returning nil for anything
// else (plain prose memos are common).
func parseJSONObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func firstStringValue(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					return t
				}
			}
		}
	}
	return ""
}

func firstMapValue(m map[string]any, keys []string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if mm, ok := v.(map[string]any); ok {
				return mm
			}
		}
	}
	return nil
}
