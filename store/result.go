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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/codepr/arena/tournament"
)

const deleteResults = `DELETE FROM results WHERE tournament_id = $1`

const insertResult = `
INSERT INTO results
	(id, tournament_id, submission_id, participant_key, participant_uid,
	rounds_total, rounds_completed, schema_valid_rate, avg_feature_score,
	avg_recall_score, avg_novelty_score, avg_precision_score, total_gt_found,
	total_novelty_valid, total_novelty_invalid, final_score, rank,
	beat_baseline, is_winner, calculated_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

// ReplaceResults atomically rewrites the result set of a tournament.
// Delete-then-insert in one transaction keeps aggregation idempotent: crash
// and re-run and the table still holds exactly one row per participant.
func (s *Store) ReplaceResults(ctx context.Context, tournamentID string, results []tournament.Result) error {
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning replace")
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, deleteResults, tournamentID); err != nil {
			return errors.Wrap(err, "deleting stale results")
		}
		now := time.Now().UTC()
		for i := range results {
			r := &results[i]
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if r.CalculatedAt.IsZero() {
				r.CalculatedAt = now
			}
			if _, err := tx.ExecContext(ctx, insertResult,
				r.ID, r.TournamentID, r.SubmissionID, r.ParticipantKey, r.ParticipantUID,
				r.RoundsTotal, r.RoundsCompleted, r.SchemaValidRate, r.AvgFeatureScore,
				r.AvgRecallScore, r.AvgNoveltyScore, r.AvgPrecisionScore, r.TotalGTFound,
				r.TotalNoveltyValid, r.TotalNoveltyInvalid, r.FinalScore, r.Rank,
				r.BeatBaseline, r.IsWinner, r.CalculatedAt); err != nil {
				return errors.Wrapf(err, "inserting result for %s", r.ParticipantKey)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("tournament", tournamentID).
		Int("results", len(results)).
		Msg("results replaced")
	return nil
}

const selectResults = `
SELECT id, tournament_id, submission_id, participant_key, participant_uid,
	rounds_total, rounds_completed, schema_valid_rate, avg_feature_score,
	avg_recall_score, avg_novelty_score, avg_precision_score, total_gt_found,
	total_novelty_valid, total_novelty_invalid, final_score, rank,
	beat_baseline, is_winner, calculated_at
FROM results
WHERE tournament_id = $1
ORDER BY rank`

// GetResults loads the ranked results of a tournament, best first.
func (s *Store) GetResults(ctx context.Context, tournamentID string) ([]tournament.Result, error) {
	rows, err := s.db.QueryContext(ctx, selectResults, tournamentID)
	if err != nil {
		return nil, errors.Wrap(err, "listing results")
	}
	defer rows.Close()

	var results []tournament.Result
	for rows.Next() {
		var r tournament.Result
		if err := rows.Scan(&r.ID, &r.TournamentID, &r.SubmissionID, &r.ParticipantKey,
			&r.ParticipantUID, &r.RoundsTotal, &r.RoundsCompleted, &r.SchemaValidRate,
			&r.AvgFeatureScore, &r.AvgRecallScore, &r.AvgNoveltyScore,
			&r.AvgPrecisionScore, &r.TotalGTFound, &r.TotalNoveltyValid,
			&r.TotalNoveltyInvalid, &r.FinalScore, &r.Rank, &r.BeatBaseline,
			&r.IsWinner, &r.CalculatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning result")
		}
		results = append(results, r)
	}
	return results, errors.Wrap(rows.Err(), "listing results")
}
