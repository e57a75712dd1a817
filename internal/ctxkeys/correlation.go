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

// Package ctxkeys carries per-event identifiers through context. The
// dispatcher stamps one correlation ID on each job event; every log
// line the event produces downstream, including backend calls, carries
// the same ID so one event's trail can be pulled out of mixed output.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

type key int

const correlationKey key = iota

// GetCorrelationID returns the correlation ID from ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(correlationKey).(string); ok {
		return s
	}
	return ""
}

// WithCorrelationID returns a child context carrying the given ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey, id)
}

// EnsureCorrelationID returns a context that carries a correlation ID
// and the ID itself, generating a fresh one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
