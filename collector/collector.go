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

// Package collector runs the edges of the tournament lifecycle the
// orchestrator does not own: it opens tournaments on schedule, polls the
// participant fleet for submission pointers while the window is open,
// closes the window, and publishes the normalized weight vector once a
// tournament has results.
package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/arena/config"
	"github.com/codepr/arena/metrics"
	"github.com/codepr/arena/store"
	"github.com/codepr/arena/tournament"
)

// Store is the slice of persistence the collector needs.
type Store interface {
	CreateTournament(ctx context.Context, t *tournament.Tournament) error
	GetActiveTournament(ctx context.Context) (*tournament.Tournament, error)
	GetLatestTournament(ctx context.Context) (*tournament.Tournament, error)
	UpdateTournamentStatus(ctx context.Context, id string, status tournament.Status) error
	SetTotalSubmissions(ctx context.Context, id string, n int) error
	MarkWeightsPublished(ctx context.Context, id string) error
	UpsertSubmission(ctx context.Context, sub *tournament.Submission) (store.UpsertOutcome, error)
	GetSubmissions(ctx context.Context, tournamentID string) ([]tournament.Submission, error)
	GetResults(ctx context.Context, tournamentID string) ([]tournament.Result, error)
}

// RefResolver pins a mutable ref (a branch name) to a commit SHA so the
// evaluated snapshot cannot move under the tournament.
type RefResolver interface {
	Resolve(ctx context.Context, repoURL, ref string) (string, error)
}

// WeightPublisher pushes the normalized weight vector for an epoch.
type WeightPublisher interface {
	PublishWeights(ctx context.Context, netuid int, weights []float64) error
}

// LogPublisher records the weight vector instead of pushing it anywhere,
// the default wiring until a chain client is injected.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) PublishWeights(_ context.Context, netuid int, weights []float64) error {
	nonzero := 0
	for _, w := range weights {
		if w > 0 {
			nonzero++
		}
	}
	p.Logger.Info().
		Int("netuid", netuid).
		Int("size", len(weights)).
		Int("nonzero", nonzero).
		Floats64("weights", weights).
		Msg("weights computed")
	return nil
}

// Deps are the collaborators a Collector is wired with. Resolver may be nil
// to skip ref pinning.
type Deps struct {
	Store     Store
	Roster    Roster
	Source    Source
	Resolver  RefResolver
	Publisher WeightPublisher
	Metrics   *metrics.Metrics
}

type Collector struct {
	store     Store
	roster    Roster
	source    Source
	resolver  RefResolver
	publisher WeightPublisher
	metrics   *metrics.Metrics
	settings  config.Settings
	poll      time.Duration
	logger    zerolog.Logger
}

func New(deps Deps, settings config.Settings, logger zerolog.Logger) *Collector {
	return &Collector{
		store:     deps.Store,
		roster:    deps.Roster,
		source:    deps.Source,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		settings:  settings,
		poll:      settings.PollInterval,
		logger:    logger,
	}
}

// Run drives the collection cycle until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info().
		Dur("poll_interval", c.poll).
		Str("schedule_mode", c.settings.ScheduleMode).
		Msg("collector started")
	for {
		if err := c.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info().Msg("collector stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("collection step failed")
		}
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("collector stopped")
			return nil
		case <-time.After(c.poll):
		}
	}
}

// step derives the cycle state from the store and advances it one notch.
func (c *Collector) step(ctx context.Context) error {
	tour, err := c.store.GetActiveTournament(ctx)
	if err != nil {
		return errors.Wrap(err, "loading active tournament")
	}
	if tour == nil {
		latest, err := c.store.GetLatestTournament(ctx)
		if err != nil {
			return errors.Wrap(err, "loading latest tournament")
		}
		if latest != nil && latest.Status == tournament.StatusCompleted && latest.WeightsPublishedAt == nil {
			return c.publishWeights(ctx, latest)
		}
		if c.shouldOpen(latest, time.Now().UTC()) {
			return c.openTournament(ctx, latest)
		}
		return nil
	}

	switch tour.Status {
	case tournament.StatusPending:
		if err := c.store.UpdateTournamentStatus(ctx, tour.ID, tournament.StatusCollecting); err != nil {
			return errors.Wrap(err, "opening submission window")
		}
		c.logger.Info().Str("tournament_id", tour.ID).Int64("epoch", tour.Epoch).Msg("submission window open")
		return nil
	case tournament.StatusCollecting:
		return c.collect(ctx, tour)
	default:
		// Evaluation phases belong to the orchestrator.
		return nil
	}
}

// shouldOpen applies the schedule gate for starting a fresh tournament.
func (c *Collector) shouldOpen(latest *tournament.Tournament, now time.Time) bool {
	if c.settings.ScheduleMode != config.ScheduleDaily {
		return true
	}
	if latest == nil {
		return true
	}
	return !now.Before(nextDailyStart(latest.StartedAt))
}

// nextDailyStart returns the first 00:00 UTC boundary after the given
// instant.
func nextDailyStart(after time.Time) time.Time {
	return after.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// openTournament creates the next epoch's tournament with a snapshot of the
// current settings. It is created pending; the next step opens the window.
func (c *Collector) openTournament(ctx context.Context, latest *tournament.Tournament) error {
	epoch := int64(1)
	if latest != nil {
		epoch = latest.Epoch + 1
	}
	tour := &tournament.Tournament{
		ID:       uuid.NewString(),
		Epoch:    epoch,
		Status:   tournament.StatusPending,
		Networks: c.settings.Networks,
		Config: tournament.Config{
			SubmissionWindowSeconds: int(c.settings.SubmissionWindow.Seconds()),
			RoundCount:              c.settings.RoundCount,
			InterRoundSeconds:       int(c.settings.InterRoundPause.Seconds()),
			BaselineRepository:      c.settings.BaselineRepository,
			BaselineVersion:         c.settings.BaselineVersion,
		},
		StartedAt: time.Now().UTC(),
	}
	if err := c.store.CreateTournament(ctx, tour); err != nil {
		return errors.Wrap(err, "creating tournament")
	}
	c.metrics.TournamentsStarted.Inc()
	c.logger.Info().
		Str("tournament_id", tour.ID).
		Int64("epoch", epoch).
		Strs("networks", tour.Networks).
		Msg("tournament opened")
	return nil
}

// collect polls the fleet for pointers while the window is open and hands
// the tournament over to the orchestrator when it elapses.
func (c *Collector) collect(ctx context.Context, tour *tournament.Tournament) error {
	window := tour.Config.SubmissionWindow()
	if window <= 0 {
		window = c.settings.SubmissionWindow
	}
	if time.Since(tour.StartedAt) >= window {
		return c.closeWindow(ctx, tour)
	}

	participants, err := c.roster.Participants(ctx)
	if err != nil {
		return errors.Wrap(err, "loading roster")
	}
	for _, participant := range participants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.collectOne(ctx, tour, participant); err != nil {
			return err
		}
	}
	return nil
}

// collectOne queries one participant and upserts a well-formed pointer.
// Fetch and format failures only cost that participant this poll.
func (c *Collector) collectOne(ctx context.Context, tour *tournament.Tournament, participant Participant) error {
	rpcCtx, cancel := context.WithTimeout(ctx, c.settings.RPCTimeout)
	pointer, err := c.source.Pointer(rpcCtx, participant)
	cancel()
	if err != nil {
		c.metrics.SubmissionsRejected.Inc()
		c.logger.Debug().Err(err).Str("participant", participant.Key).Msg("no pointer")
		return nil
	}
	if err := pointer.Validate(); err != nil {
		c.metrics.SubmissionsRejected.Inc()
		c.logger.Info().Err(err).Str("participant", participant.Key).Msg("pointer rejected")
		return nil
	}
	pointer = c.pinRef(ctx, pointer)

	outcome, err := c.store.UpsertSubmission(ctx, &tournament.Submission{
		ID:             uuid.NewString(),
		TournamentID:   tour.ID,
		ParticipantKey: participant.Key,
		ParticipantUID: participant.UID,
		Repo:           pointer,
		Status:         tournament.SubmissionPending,
	})
	if err != nil {
		return errors.Wrapf(err, "upserting submission for %s", participant.Key)
	}
	if outcome != store.SubmissionUnchanged {
		c.metrics.SubmissionsCollected.Inc()
		c.logger.Info().
			Str("participant", participant.Key).
			Str("repository", pointer.URL).
			Str("ref", pointer.Ref).
			Str("outcome", outcome.String()).
			Msg("submission collected")
	}
	return nil
}

// pinRef swaps a branch ref for the commit SHA it points at right now.
// Resolution failures keep the raw ref, the clone resolves branches too.
func (c *Collector) pinRef(ctx context.Context, pointer tournament.RepoPointer) tournament.RepoPointer {
	if c.resolver == nil || pointer.IsSHA() {
		return pointer
	}
	sha, err := c.resolver.Resolve(ctx, pointer.URL, pointer.Ref)
	if err != nil {
		c.logger.Warn().Err(err).Str("repository", pointer.URL).Str("ref", pointer.Ref).Msg("ref not pinned")
		return pointer
	}
	pointer.Ref = sha
	return pointer
}

// closeWindow stamps the collected total and hands over to the
// orchestrator.
func (c *Collector) closeWindow(ctx context.Context, tour *tournament.Tournament) error {
	subs, err := c.store.GetSubmissions(ctx, tour.ID)
	if err != nil {
		return errors.Wrap(err, "counting submissions")
	}
	if err := c.store.SetTotalSubmissions(ctx, tour.ID, len(subs)); err != nil {
		return errors.Wrap(err, "recording submission total")
	}
	if err := c.store.UpdateTournamentStatus(ctx, tour.ID, tournament.StatusInProgress); err != nil {
		return errors.Wrap(err, "closing submission window")
	}
	c.logger.Info().
		Str("tournament_id", tour.ID).
		Int("submissions", len(subs)).
		Msg("submission window closed")
	return nil
}

// publishWeights turns a completed tournament's results into the epoch's
// normalized weight vector and stamps the publication.
func (c *Collector) publishWeights(ctx context.Context, tour *tournament.Tournament) error {
	results, err := c.store.GetResults(ctx, tour.ID)
	if err != nil {
		return errors.Wrap(err, "loading results")
	}
	size := 0
	if participants, err := c.roster.Participants(ctx); err == nil {
		size = len(participants)
	}
	weights := WeightVector(results, size)
	if err := c.publisher.PublishWeights(ctx, c.settings.Netuid, weights); err != nil {
		return errors.Wrap(err, "publishing weights")
	}
	if err := c.store.MarkWeightsPublished(ctx, tour.ID); err != nil {
		return errors.Wrap(err, "stamping publication")
	}
	c.metrics.WeightsPublished.Inc()
	c.logger.Info().
		Str("tournament_id", tour.ID).
		Int64("epoch", tour.Epoch).
		Int("ranked", len(results)).
		Msg("weights published")
	return nil
}

// WeightVector builds the dense weight vector indexed by participant UID,
// normalized by the score sum. The vector is at least size long and grows
// to fit the highest ranked UID; an all-zero score sum yields all zeros.
func WeightVector(results []tournament.Result, size int) []float64 {
	for _, result := range results {
		if result.ParticipantUID+1 > size {
			size = result.ParticipantUID + 1
		}
	}
	weights := make([]float64, size)
	var sum float64
	for _, result := range results {
		sum += result.FinalScore
	}
	if sum <= 0 {
		return weights
	}
	for _, result := range results {
		weights[result.ParticipantUID] = result.FinalScore / sum
	}
	return weights
}
