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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/codepr/arena/tournament"
)

const insertTournament = `
INSERT INTO tournaments
	(id, epoch, status, networks, config, total_submissions, total_runs, started_at, created_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const selectTournament = `
SELECT id, epoch, status, networks, config, total_submissions, total_runs,
	started_at, completed_at, weights_published_at, created_at
FROM tournaments`

// CreateTournament inserts a new tournament. The partial unique index on
// non-terminal status makes this fail while another tournament is still
// running, which is exactly the single-active guarantee the collector
// relies on.
func (s *Store) CreateTournament(ctx context.Context, t *tournament.Tournament) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = tournament.StatusPending
	}
	now := time.Now().UTC()
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	rawConfig, err := json.Marshal(t.Config)
	if err != nil {
		return errors.Wrap(err, "encoding tournament config")
	}
	_, err = s.db.ExecContext(ctx, insertTournament,
		t.ID, t.Epoch, t.Status, pq.Array(t.Networks), rawConfig,
		t.TotalSubmissions, t.TotalRuns, t.StartedAt, t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "creating tournament")
	}
	s.logger.Info().
		Str("tournament", t.ID).
		Int64("epoch", t.Epoch).
		Msg("tournament created")
	return nil
}

func scanTournament(sc scanner) (*tournament.Tournament, error) {
	var (
		t         tournament.Tournament
		rawConfig []byte
		completed sql.NullTime
		published sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.Epoch, &t.Status, pq.Array(&t.Networks), &rawConfig,
		&t.TotalSubmissions, &t.TotalRuns, &t.StartedAt, &completed, &published,
		&t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &t.Config); err != nil {
			return nil, errors.Wrap(err, "decoding tournament config")
		}
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if published.Valid {
		t.WeightsPublishedAt = &published.Time
	}
	return &t, nil
}

func (s *Store) getTournament(ctx context.Context, query string, args ...any) (*tournament.Tournament, error) {
	t, err := scanTournament(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading tournament")
	}
	return t, nil
}

// GetTournament loads a tournament by id, nil when it does not exist.
func (s *Store) GetTournament(ctx context.Context, id string) (*tournament.Tournament, error) {
	return s.getTournament(ctx, selectTournament+" WHERE id = $1", id)
}

// GetTournamentByEpoch loads the tournament created for a given epoch.
func (s *Store) GetTournamentByEpoch(ctx context.Context, epoch int64) (*tournament.Tournament, error) {
	return s.getTournament(ctx, selectTournament+" WHERE epoch = $1", epoch)
}

// GetActiveTournament returns the tournament currently outside a terminal
// state, nil when everything has finished. At most one can exist.
func (s *Store) GetActiveTournament(ctx context.Context) (*tournament.Tournament, error) {
	return s.getTournament(ctx,
		selectTournament+" WHERE status NOT IN ('completed', 'failed') ORDER BY created_at DESC LIMIT 1")
}

// GetLatestTournament returns the most recent tournament regardless of
// state, nil when none has ever been created.
func (s *Store) GetLatestTournament(ctx context.Context) (*tournament.Tournament, error) {
	return s.getTournament(ctx, selectTournament+" ORDER BY epoch DESC LIMIT 1")
}

const updateTournamentStatus = `
UPDATE tournaments
SET status = $2,
	completed_at = CASE WHEN $3 THEN COALESCE(completed_at, now()) ELSE completed_at END
WHERE id = $1`

// UpdateTournamentStatus moves a tournament through its lifecycle and
// stamps completed_at the first time a terminal state is reached.
func (s *Store) UpdateTournamentStatus(ctx context.Context, id string, status tournament.Status) error {
	if _, err := s.db.ExecContext(ctx, updateTournamentStatus, id, status, status.Terminal()); err != nil {
		return errors.Wrapf(err, "updating tournament %s to %s", id, status)
	}
	s.logger.Info().
		Str("tournament", id).
		Str("status", string(status)).
		Msg("tournament status updated")
	return nil
}

const updateTotalSubmissions = `UPDATE tournaments SET total_submissions = $2 WHERE id = $1`

// SetTotalSubmissions records how many submissions were collected when the
// window closed.
func (s *Store) SetTotalSubmissions(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, updateTotalSubmissions, id, n)
	return errors.Wrap(err, "setting total submissions")
}

const updateTotalRuns = `UPDATE tournaments SET total_runs = $2 WHERE id = $1`

// SetTotalRuns records the planned run count once dispatch starts.
func (s *Store) SetTotalRuns(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, updateTotalRuns, id, n)
	return errors.Wrap(err, "setting total runs")
}

const updateWeightsPublished = `
UPDATE tournaments
SET weights_published_at = now()
WHERE id = $1 AND weights_published_at IS NULL`

// MarkWeightsPublished stamps the publication exactly once, repeated calls
// are no-ops.
func (s *Store) MarkWeightsPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, updateWeightsPublished, id)
	return errors.Wrap(err, "marking weights published")
}
