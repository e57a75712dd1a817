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

// Package offering maps logical offering names to local handler code.
// An offering is a directory under the offerings root holding an
// offering.json config; its behavior is a Handlers implementation
// registered at startup under the config's handler key.
package offering

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stall/pkg/acp"
)

// JobContext is the per-invocation context passed to handlers. It is
// created fresh for every stage execution and never cached.
type JobContext struct {
	JobID        int64
	OfferingName string
	DeliveryRoot string
	JobDir       string
	Job          *acp.Job
	Config       *Config
}

// ExecuteResult is the output of a handler's ExecuteJob.
type ExecuteResult struct {
	Deliverable   acp.Deliverable
	PayableDetail *acp.PayableDetail
}

// Validation is the result of an optional requirements check.
type Validation struct {
	Valid  bool
	Reason string
}

// FundsRequest describes additional funds a handler wants collected
// with the payment request. Content, when set, replaces the default
// payment-request text.
type FundsRequest struct {
	Amount       float64
	TokenAddress string
	Recipient    string
	Content      string
}

// Handlers is the required capability of every offering: ExecuteJob
// runs the offering's business logic and produces the deliverable.
// It is the only place arbitrary offering code runs.
type Handlers interface {
	ExecuteJob(ctx context.Context, req map[string]any, jc *JobContext) (*ExecuteResult, error)
}

// RequirementsValidator is an optional capability: offerings that
// implement it can reject a job before it is accepted.
type RequirementsValidator interface {
	ValidateRequirements(ctx context.Context, req map[string]any, jc *JobContext) (Validation, error)
}

// PaymentRequester is an optional capability: offerings that implement
// it control the payment-request text sent to the buyer.
type PaymentRequester interface {
	RequestPayment(ctx context.Context, req map[string]any, jc *JobContext) (string, error)
}

// FundsRequester is an optional capability: offerings whose config sets
// requiredFunds implement it to specify the transfer details.
type FundsRequester interface {
	RequestAdditionalFunds(ctx context.Context, req map[string]any, jc *JobContext) (*FundsRequest, error)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]func() Handlers)
)

// Register makes a handler constructor available under the given key,
// usually the offering name. Handler packages call it from init and are
// pulled in with blank imports, the same convention database/sql
// drivers use. Register panics on an empty key, a nil factory, or a
// duplicate key.
func Register(key string, factory func() Handlers) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if key == "" {
		panic("offering: Register with empty key")
	}
	if factory == nil {
		panic("offering: Register with nil factory")
	}
	if _, dup := factories[key]; dup {
		panic("offering: Register called twice for handler " + key)
	}
	factories[key] = factory
}

// RegisteredHandlers returns the sorted handler keys, for startup logs.
func RegisteredHandlers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	keys := make([]string, 0, len(factories))
	for k := range factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func handlerFor(key string) (func() Handlers, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[key]
	return f, ok
}

// NotFoundError reports an offering name that resolves to no directory
// under the offerings root.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("offering %q not found under offerings root", e.Name)
}
