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

// UpsertOutcome tells the collector what happened to a submission pointer.
type UpsertOutcome int

const (
	SubmissionUnchanged UpsertOutcome = iota
	SubmissionCreated
	SubmissionUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case SubmissionCreated:
		return "created"
	case SubmissionUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

const selectSubmissionForUpdate = `
SELECT id, repository_url, commit_ref
FROM submissions
WHERE tournament_id = $1 AND participant_key = $2
FOR UPDATE`

const insertSubmission = `
INSERT INTO submissions
	(id, tournament_id, participant_key, participant_uid, repository_url, commit_ref, status, submitted_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8)`

const resetSubmission = `
UPDATE submissions
SET participant_uid = $2, repository_url = $3, commit_ref = $4,
	image_digest = '', status = 'pending', error = '',
	submitted_at = $5, validated_at = NULL
WHERE id = $1`

// UpsertSubmission records a participant's pointer for the collecting
// window. A brand new pointer creates a pending submission; a changed
// pointer resets the existing one back to pending so it gets revalidated
// and rebuilt; an identical pointer leaves the row untouched. The row is
// locked while comparing so two collector cycles cannot race.
func (s *Store) UpsertSubmission(ctx context.Context, sub *tournament.Submission) (UpsertOutcome, error) {
	var outcome UpsertOutcome
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning upsert")
		}
		defer tx.Rollback()

		var (
			existingID  string
			existingURL string
			existingRef string
		)
		err = tx.QueryRowContext(ctx, selectSubmissionForUpdate,
			sub.TournamentID, sub.ParticipantKey).
			Scan(&existingID, &existingURL, &existingRef)

		now := time.Now().UTC()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if sub.ID == "" {
				sub.ID = uuid.NewString()
			}
			sub.Status = tournament.SubmissionPending
			sub.SubmittedAt = now
			if _, err := tx.ExecContext(ctx, insertSubmission,
				sub.ID, sub.TournamentID, sub.ParticipantKey, sub.ParticipantUID,
				sub.Repo.URL, sub.Repo.Ref, sub.Status, sub.SubmittedAt); err != nil {
				return errors.Wrap(err, "inserting submission")
			}
			outcome = SubmissionCreated
		case err != nil:
			return errors.Wrap(err, "locking submission")
		case existingURL == sub.Repo.URL && existingRef == sub.Repo.Ref:
			sub.ID = existingID
			outcome = SubmissionUnchanged
		default:
			sub.ID = existingID
			sub.Status = tournament.SubmissionPending
			sub.SubmittedAt = now
			if _, err := tx.ExecContext(ctx, resetSubmission,
				sub.ID, sub.ParticipantUID, sub.Repo.URL, sub.Repo.Ref, sub.SubmittedAt); err != nil {
				return errors.Wrap(err, "resetting submission")
			}
			outcome = SubmissionUpdated
		}
		return tx.Commit()
	})
	if err != nil {
		return outcome, err
	}
	if outcome != SubmissionUnchanged {
		s.logger.Debug().
			Str("submission", sub.ID).
			Str("participant", sub.ParticipantKey).
			Str("outcome", outcome.String()).
			Msg("submission upserted")
	}
	return outcome, nil
}

const updateSubmissionStatus = `
UPDATE submissions
SET status = $2, error = $3,
	validated_at = CASE WHEN $4 THEN COALESCE(validated_at, now()) ELSE validated_at END
WHERE id = $1`

// SetSubmissionStatus moves a submission through validation. The
// validated_at stamp is written the first time a final verdict lands.
func (s *Store) SetSubmissionStatus(ctx context.Context, id string, status tournament.SubmissionStatus, errMsg string) error {
	final := status == tournament.SubmissionValid || status == tournament.SubmissionInvalid
	if _, err := s.db.ExecContext(ctx, updateSubmissionStatus, id, status, errMsg, final); err != nil {
		return errors.Wrapf(err, "updating submission %s to %s", id, status)
	}
	return nil
}

const updateSubmissionImage = `UPDATE submissions SET image_digest = $2 WHERE id = $1`

// SetSubmissionImage records the digest of the built analyzer image so
// later rounds can skip the build.
func (s *Store) SetSubmissionImage(ctx context.Context, id, digest string) error {
	_, err := s.db.ExecContext(ctx, updateSubmissionImage, id, digest)
	return errors.Wrap(err, "setting submission image")
}

const selectSubmission = `
SELECT id, tournament_id, participant_key, participant_uid, repository_url,
	commit_ref, image_digest, status, error, submitted_at, validated_at
FROM submissions`

func scanSubmission(sc scanner) (*tournament.Submission, error) {
	var (
		sub       tournament.Submission
		validated sql.NullTime
	)
	err := sc.Scan(&sub.ID, &sub.TournamentID, &sub.ParticipantKey, &sub.ParticipantUID,
		&sub.Repo.URL, &sub.Repo.Ref, &sub.ImageDigest, &sub.Status, &sub.Error,
		&sub.SubmittedAt, &validated)
	if err != nil {
		return nil, err
	}
	if validated.Valid {
		sub.ValidatedAt = &validated.Time
	}
	return &sub, nil
}

// GetSubmission loads one submission by id, nil when missing.
func (s *Store) GetSubmission(ctx context.Context, id string) (*tournament.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, selectSubmission+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading submission")
	}
	return sub, nil
}

// GetSubmissions loads every submission of a tournament in a stable order.
func (s *Store) GetSubmissions(ctx context.Context, tournamentID string) ([]tournament.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSubmission+" WHERE tournament_id = $1 ORDER BY participant_key", tournamentID)
	if err != nil {
		return nil, errors.Wrap(err, "listing submissions")
	}
	defer rows.Close()

	var subs []tournament.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning submission")
		}
		subs = append(subs, *sub)
	}
	return subs, errors.Wrap(rows.Err(), "listing submissions")
}
