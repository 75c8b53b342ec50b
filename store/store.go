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

// Package store persists tournaments, submissions, evaluation runs and
// results on PostgreSQL. It is the single source of truth for the whole
// pipeline: every state transition is written here before any side effect
// happens, which is what makes orchestrator and worker restarts safe.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Schema kept in one place rather than behind a migration tool, the service
// bootstraps its own tables on startup. The partial unique index allows at
// most one tournament outside a terminal state.
const schema = `
CREATE TABLE IF NOT EXISTS tournaments (
	id                   UUID PRIMARY KEY,
	epoch                BIGINT NOT NULL UNIQUE,
	status               TEXT NOT NULL DEFAULT 'pending',
	networks             TEXT[] NOT NULL DEFAULT '{}',
	config               JSONB NOT NULL DEFAULT '{}',
	total_submissions    INTEGER NOT NULL DEFAULT 0,
	total_runs           INTEGER NOT NULL DEFAULT 0,
	started_at           TIMESTAMPTZ NOT NULL,
	completed_at         TIMESTAMPTZ,
	weights_published_at TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS tournaments_single_active
	ON tournaments ((status IS NOT NULL))
	WHERE status NOT IN ('completed', 'failed');

CREATE INDEX IF NOT EXISTS tournaments_status_idx ON tournaments (status);

CREATE TABLE IF NOT EXISTS submissions (
	id              UUID PRIMARY KEY,
	tournament_id   UUID NOT NULL REFERENCES tournaments (id) ON DELETE CASCADE,
	participant_key TEXT NOT NULL,
	participant_uid INTEGER NOT NULL DEFAULT 0,
	repository_url  TEXT NOT NULL,
	commit_ref      TEXT NOT NULL,
	image_digest    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	error           TEXT NOT NULL DEFAULT '',
	submitted_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	validated_at    TIMESTAMPTZ,
	UNIQUE (tournament_id, participant_key)
);

CREATE INDEX IF NOT EXISTS submissions_tournament_idx ON submissions (tournament_id);

CREATE TABLE IF NOT EXISTS evaluation_runs (
	id                  UUID PRIMARY KEY,
	submission_id       UUID NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
	tournament_id       UUID NOT NULL REFERENCES tournaments (id) ON DELETE CASCADE,
	round               INTEGER NOT NULL,
	network             TEXT NOT NULL,
	test_date           TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	exit_code           INTEGER NOT NULL DEFAULT 0,
	error               TEXT NOT NULL DEFAULT '',
	output_schema_valid BOOLEAN NOT NULL DEFAULT false,
	patterns_reported   INTEGER NOT NULL DEFAULT 0,
	gt_expected         INTEGER NOT NULL DEFAULT 0,
	gt_found            INTEGER NOT NULL DEFAULT 0,
	novelty_valid       INTEGER NOT NULL DEFAULT 0,
	novelty_invalid     INTEGER NOT NULL DEFAULT 0,
	feature_seconds     DOUBLE PRECISION NOT NULL DEFAULT 0,
	pattern_seconds     DOUBLE PRECISION NOT NULL DEFAULT 0,
	feature_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	recall_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	novelty_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	precision_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	patterns_found      BOOLEAN NOT NULL DEFAULT false,
	final_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (submission_id, round, network, test_date)
);

CREATE INDEX IF NOT EXISTS evaluation_runs_tournament_idx
	ON evaluation_runs (tournament_id, round);

CREATE TABLE IF NOT EXISTS results (
	id                    UUID PRIMARY KEY,
	tournament_id         UUID NOT NULL REFERENCES tournaments (id) ON DELETE CASCADE,
	submission_id         UUID NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
	participant_key       TEXT NOT NULL,
	participant_uid       INTEGER NOT NULL DEFAULT 0,
	rounds_total          INTEGER NOT NULL DEFAULT 0,
	rounds_completed      INTEGER NOT NULL DEFAULT 0,
	schema_valid_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_feature_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_recall_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_novelty_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_precision_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_gt_found        INTEGER NOT NULL DEFAULT 0,
	total_novelty_valid   INTEGER NOT NULL DEFAULT 0,
	total_novelty_invalid INTEGER NOT NULL DEFAULT 0,
	final_score           DOUBLE PRECISION NOT NULL DEFAULT 0,
	rank                  INTEGER NOT NULL DEFAULT 0,
	beat_baseline         BOOLEAN NOT NULL DEFAULT false,
	is_winner             BOOLEAN NOT NULL DEFAULT false,
	calculated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tournament_id, participant_key)
);
`

// Store wraps a PostgreSQL connection pool with the operations the
// pipeline needs. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New wraps an existing connection, mainly for tests.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, logger), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates the tables and indexes if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "initializing schema")
	}
	s.logger.Debug().Msg("schema initialized")
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const maxTxRetries = 3

// withRetry re-runs fn when PostgreSQL aborts it with a serialization or
// deadlock error. fn has to be safe to run more than once.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func retryable(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	if !ok {
		return false
	}
	// serialization_failure and deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
