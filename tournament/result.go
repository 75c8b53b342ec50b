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

// Result is the aggregated, ranked outcome of one participant in one
// tournament: a denormalization of its completed runs, regenerable from them.
// A participant has a Result iff every one of its runs completed; ranks over
// the result set form a permutation 1..K. Rewritten atomically on
// finalization, delete-then-insert in a single transaction.
type Result struct {
	ID             string
	TournamentID   string
	SubmissionID   string
	ParticipantKey string
	ParticipantUID int

	RoundsTotal     int
	RoundsCompleted int

	SchemaValidRate   float64
	AvgFeatureScore   float64
	AvgRecallScore    float64
	AvgNoveltyScore   float64
	AvgPrecisionScore float64

	TotalGTFound        int
	TotalNoveltyValid   int
	TotalNoveltyInvalid int

	FinalScore   float64
	Rank         int
	BeatBaseline bool
	IsWinner     bool

	CalculatedAt time.Time
}
