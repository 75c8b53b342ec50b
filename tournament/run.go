// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package tournament

import "time"

// RunStatus enumerates the evaluation run lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the run reached a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimeout
}

// Run is one execution of one submission against one (round, network, date)
// slice of the synthetic corpus. The orchestrator creates it `pending` when a
// round is dispatched; the evaluation task that picks it up owns every later
// mutation. Unique per (submission, round, network, test date).
//
// The scoring fields double as an audit ledger: a gate failure still records
// the counts that tripped it.
type Run struct {
	ID           string
	SubmissionID string
	TournamentID string
	Round        int
	Network      string
	TestDate     string
	Status       RunStatus
	ExitCode     int
	Error        string

	OutputSchemaValid bool
	PatternsReported  int
	GTExpected        int
	GTFound           int
	NoveltyValid      int
	NoveltyInvalid    int

	FeatureSeconds float64
	PatternSeconds float64

	FeatureScore   float64
	RecallScore    float64
	NoveltyScore   float64
	PrecisionScore float64
	PatternsFound  bool
	FinalScore     float64

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}
