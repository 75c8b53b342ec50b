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

// Package tournament defines the domain entities of the evaluation arena: the
// Tournament lifecycle, participant Submissions, per-round evaluation Runs and
// the aggregated Results. Entities carry no behavior beyond their own
// invariants; persistence lives in the store package and every mutation of
// lifecycle state goes through there.
package tournament

import (
	"time"
)

// Status enumerates the tournament lifecycle. A tournament is created
// `pending`, collects submissions while `collecting`, is handed over to the
// orchestrator as `in_progress`, runs its rounds as `evaluating` and ends in
// one of the two terminal states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCollecting Status = "collecting"
	StatusInProgress Status = "in_progress"
	StatusEvaluating Status = "evaluating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Config is the per-tournament configuration snapshot, persisted as JSONB so
// a tournament replays with the settings it was opened with even if the
// process environment changed since.
type Config struct {
	SubmissionWindowSeconds int    `json:"submission_window_seconds"`
	RoundCount              int    `json:"round_count"`
	InterRoundSeconds       int    `json:"inter_round_seconds"`
	BaselineRepository      string `json:"baseline_repository"`
	BaselineVersion         string `json:"baseline_version"`
}

// SubmissionWindow returns the collection window as a duration.
func (c Config) SubmissionWindow() time.Duration {
	return time.Duration(c.SubmissionWindowSeconds) * time.Second
}

// InterRoundPause returns the pause between evaluation rounds.
func (c Config) InterRoundPause() time.Duration {
	return time.Duration(c.InterRoundSeconds) * time.Second
}

// Tournament is one scheduled evaluation cycle, bounded by a monotonically
// increasing epoch number. At most one tournament may be in a non-terminal
// status at any time; the store enforces that with a partial unique index.
type Tournament struct {
	ID                 string
	Epoch              int64
	Status             Status
	Networks           []string
	Config             Config
	TotalSubmissions   int
	TotalRuns          int
	StartedAt          time.Time
	CompletedAt        *time.Time
	WeightsPublishedAt *time.Time
	CreatedAt          time.Time
}

// NetworkForRound maps a round index to the network it evaluates against.
// Rounds beyond the configured networks repeat the last one.
func (t *Tournament) NetworkForRound(round int) string {
	if len(t.Networks) == 0 {
		return ""
	}
	if round >= len(t.Networks) {
		return t.Networks[len(t.Networks)-1]
	}
	return t.Networks[round]
}

// TestDate returns the corpus snapshot date for this tournament, derived from
// the start timestamp so that re-dispatched rounds stay keyed to the same
// snapshot across process restarts.
func (t *Tournament) TestDate() string {
	return t.StartedAt.UTC().Format("2006-01-02")
}
