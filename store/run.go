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

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/codepr/arena/tournament"
)

const insertRun = `
INSERT INTO evaluation_runs
	(id, submission_id, tournament_id, round, network, test_date, status, created_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (submission_id, round, network, test_date) DO NOTHING
RETURNING id`

// GetOrCreateRun makes dispatch idempotent: the first call for a given
// (submission, round, network, test date) inserts a pending run, any later
// call returns the existing row whatever state it has reached. The returned
// run is always the persisted one.
func (s *Store) GetOrCreateRun(ctx context.Context, run *tournament.Run) (*tournament.Run, bool, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = tournament.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	var id string
	err := s.db.QueryRowContext(ctx, insertRun,
		run.ID, run.SubmissionID, run.TournamentID, run.Round, run.Network,
		run.TestDate, run.Status, run.CreatedAt).Scan(&id)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, errors.Wrap(err, "creating run")
	}

	existing, err := s.getRun(ctx,
		selectRun+" WHERE submission_id = $1 AND round = $2 AND network = $3 AND test_date = $4",
		run.SubmissionID, run.Round, run.Network, run.TestDate)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.Errorf("run for submission %s round %d disappeared", run.SubmissionID, run.Round)
	}
	return existing, false, nil
}

const selectRun = `
SELECT id, submission_id, tournament_id, round, network, test_date, status,
	exit_code, error, output_schema_valid, patterns_reported, gt_expected,
	gt_found, novelty_valid, novelty_invalid, feature_seconds, pattern_seconds,
	feature_score, recall_score, novelty_score, precision_score, patterns_found,
	final_score, started_at, completed_at, created_at
FROM evaluation_runs`

func scanRun(sc scanner) (*tournament.Run, error) {
	var (
		run       tournament.Run
		started   sql.NullTime
		completed sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.SubmissionID, &run.TournamentID, &run.Round,
		&run.Network, &run.TestDate, &run.Status, &run.ExitCode, &run.Error,
		&run.OutputSchemaValid, &run.PatternsReported, &run.GTExpected,
		&run.GTFound, &run.NoveltyValid, &run.NoveltyInvalid,
		&run.FeatureSeconds, &run.PatternSeconds, &run.FeatureScore,
		&run.RecallScore, &run.NoveltyScore, &run.PrecisionScore,
		&run.PatternsFound, &run.FinalScore, &started, &completed, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return &run, nil
}

func (s *Store) getRun(ctx context.Context, query string, args ...any) (*tournament.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading run")
	}
	return run, nil
}

// GetRun loads one run by id, nil when missing.
func (s *Store) GetRun(ctx context.Context, id string) (*tournament.Run, error) {
	return s.getRun(ctx, selectRun+" WHERE id = $1", id)
}

func (s *Store) listRuns(ctx context.Context, query string, args ...any) ([]tournament.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []tournament.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		runs = append(runs, *run)
	}
	return runs, errors.Wrap(rows.Err(), "listing runs")
}

// GetRunsByTournament loads every run of a tournament.
func (s *Store) GetRunsByTournament(ctx context.Context, tournamentID string) ([]tournament.Run, error) {
	return s.listRuns(ctx,
		selectRun+" WHERE tournament_id = $1 ORDER BY round, created_at", tournamentID)
}

// GetRunsByRound loads the runs of a single round.
func (s *Store) GetRunsByRound(ctx context.Context, tournamentID string, round int) ([]tournament.Run, error) {
	return s.listRuns(ctx,
		selectRun+" WHERE tournament_id = $1 AND round = $2 ORDER BY created_at", tournamentID, round)
}

// GetRunsBySubmission loads the runs of one submission across all rounds.
func (s *Store) GetRunsBySubmission(ctx context.Context, submissionID string) ([]tournament.Run, error) {
	return s.listRuns(ctx,
		selectRun+" WHERE submission_id = $1 ORDER BY round", submissionID)
}

const startRun = `
UPDATE evaluation_runs
SET status = 'running', started_at = COALESCE(started_at, now())
WHERE id = $1`

// StartRun stamps the wall-clock start of a container run.
func (s *Store) StartRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, startRun, id)
	return errors.Wrap(err, "starting run")
}

const updateRun = `
UPDATE evaluation_runs
SET status = $2, exit_code = $3, error = $4, output_schema_valid = $5,
	patterns_reported = $6, gt_expected = $7, gt_found = $8,
	novelty_valid = $9, novelty_invalid = $10, feature_seconds = $11,
	pattern_seconds = $12, feature_score = $13, recall_score = $14,
	novelty_score = $15, precision_score = $16, patterns_found = $17,
	final_score = $18, completed_at = $19
WHERE id = $1`

// UpdateRun writes the full outcome of an evaluation, gates, counters and
// scores included. CompletedAt is filled here when the caller left it nil
// and the status is terminal.
func (s *Store) UpdateRun(ctx context.Context, run *tournament.Run) error {
	if run.CompletedAt == nil && run.Status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	var completed any
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, updateRun,
		run.ID, run.Status, run.ExitCode, run.Error, run.OutputSchemaValid,
		run.PatternsReported, run.GTExpected, run.GTFound, run.NoveltyValid,
		run.NoveltyInvalid, run.FeatureSeconds, run.PatternSeconds,
		run.FeatureScore, run.RecallScore, run.NoveltyScore, run.PrecisionScore,
		run.PatternsFound, run.FinalScore, completed)
	return errors.Wrapf(err, "updating run %s", run.ID)
}

const failRun = `
UPDATE evaluation_runs
SET status = $2, error = $3, completed_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'timeout')`

// FailRun marks a run failed or timed out unless it already reached a
// terminal state. The guard is what lets the round barrier sweep stragglers
// without clobbering results that landed during the sweep.
func (s *Store) FailRun(ctx context.Context, id string, status tournament.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, failRun, id, status, errMsg)
	if err != nil {
		return errors.Wrapf(err, "failing run %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Warn().
			Str("run", id).
			Str("status", string(status)).
			Str("error", errMsg).
			Msg("run failed")
	}
	return nil
}
