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

// Package seller routes inbound job events to the accept and deliver
// stages and owns the process-lifetime idempotency state. The remote
// backend stays authoritative: after a restart the ledger is empty and
// effective stage is rebuilt from memo and deliverable observations.
package seller

import "sync"

// stageState records which stages have run for one job.
type stageState struct {
	accepted  bool
	delivered bool
}

// StageLedger is the in-memory idempotency map plus the in-flight set
// that keeps at most one stage running per job id.
type StageLedger struct {
	mu       sync.Mutex
	stages   map[int64]stageState
	inFlight map[int64]struct{}
}

func NewStageLedger() *StageLedger {
	return &StageLedger{
		stages:   make(map[int64]stageState),
		inFlight: make(map[int64]struct{}),
	}
}

// TryAcquire reserves the in-flight slot for jobID. A second event for
// the same job while one is being processed is dropped by the caller.
func (l *StageLedger) TryAcquire(jobID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[jobID]; busy {
		return false
	}
	l.inFlight[jobID] = struct{}{}
	return true
}

// Release frees the in-flight slot. Safe to call for a job that was
// never acquired.
func (l *StageLedger) Release(jobID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, jobID)
}

func (l *StageLedger) Accepted(jobID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stages[jobID].accepted
}

func (l *StageLedger) Delivered(jobID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stages[jobID].delivered
}

func (l *StageLedger) MarkAccepted(jobID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stages[jobID]
	st.accepted = true
	l.stages[jobID] = st
}

func (l *StageLedger) MarkDelivered(jobID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stages[jobID]
	st.delivered = true
	l.stages[jobID] = st
}

// Len reports how many jobs have ledger entries, for the heartbeat log.
func (l *StageLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stages)
}
