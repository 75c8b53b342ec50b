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

// Package orchestrator drives the tournament state machine: it picks up the
// active tournament once the collector hands it over, dispatches one batch
// of evaluation tasks per round, waits at the round barrier, aggregates the
// per-run scores under the strict disqualification rules and writes the
// ranked results.
//
// Every transition is persisted before its side effects and every step is
// idempotent, so a crashed orchestrator resumes by re-dispatching the
// current round: runs are keyed by (submission, round, network, test date)
// and terminal runs are never re-enqueued.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/arena/config"
	"github.com/codepr/arena/metrics"
	"github.com/codepr/arena/queue"
	"github.com/codepr/arena/sandbox"
	"github.com/codepr/arena/scoring"
	"github.com/codepr/arena/tournament"
)

// Store is the slice of persistence the orchestrator needs.
type Store interface {
	GetActiveTournament(ctx context.Context) (*tournament.Tournament, error)
	UpdateTournamentStatus(ctx context.Context, id string, status tournament.Status) error
	SetTotalRuns(ctx context.Context, id string, n int) error
	GetSubmissions(ctx context.Context, tournamentID string) ([]tournament.Submission, error)
	SetSubmissionStatus(ctx context.Context, id string, status tournament.SubmissionStatus, errMsg string) error
	GetOrCreateRun(ctx context.Context, run *tournament.Run) (*tournament.Run, bool, error)
	GetRunsByRound(ctx context.Context, tournamentID string, round int) ([]tournament.Run, error)
	GetRunsByTournament(ctx context.Context, tournamentID string) ([]tournament.Run, error)
	FailRun(ctx context.Context, id string, status tournament.RunStatus, errMsg string) error
	ReplaceResults(ctx context.Context, tournamentID string, results []tournament.Result) error
}

// Producer is the enqueue half of the task queue.
type Producer interface {
	Produce(ctx context.Context, body []byte) error
}

// ImageRemover tears down submission images once a tournament is settled.
type ImageRemover interface {
	RemoveImage(ctx context.Context, tag string) error
}

// Deps are the collaborators an Orchestrator is wired with. Images may be
// nil when the orchestrator host runs no Docker daemon.
type Deps struct {
	Store    Store
	Producer Producer
	Images   ImageRemover
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	store    Store
	producer Producer
	images   ImageRemover
	metrics  *metrics.Metrics
	settings config.Settings
	poll     time.Duration
	logger   zerolog.Logger
}

func New(deps Deps, settings config.Settings, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    deps.Store,
		producer: deps.Producer,
		images:   deps.Images,
		metrics:  deps.Metrics,
		settings: settings,
		poll:     settings.PollInterval,
		logger:   logger,
	}
}

// Run polls for a tournament to drive until the context is cancelled.
// Cancellation mid-tournament is not a failure: the tournament stays
// `evaluating` and the next orchestrator resumes it.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Dur("poll_interval", o.poll).Msg("orchestrator started")
	for {
		if err := o.step(ctx); err != nil {
			if canceled(err) {
				o.logger.Info().Msg("orchestrator stopped")
				return nil
			}
			o.logger.Error().Err(err).Msg("orchestration step failed")
		}
		if err := sleepCtx(ctx, o.poll); err != nil {
			o.logger.Info().Msg("orchestrator stopped")
			return nil
		}
	}
}

// step drives the active tournament one execution attempt forward. Errors
// inside the tournament mark it failed; only lookup errors and cancellation
// propagate.
func (o *Orchestrator) step(ctx context.Context) error {
	tour, err := o.store.GetActiveTournament(ctx)
	if err != nil {
		return errors.Wrap(err, "loading active tournament")
	}
	if tour == nil {
		return nil
	}
	if tour.Status != tournament.StatusInProgress && tour.Status != tournament.StatusEvaluating {
		// Collection phases belong to the collector.
		return nil
	}
	if err := o.execute(ctx, tour); err != nil {
		if canceled(err) {
			return err
		}
		o.Fail(ctx, tour.ID, err)
	}
	return nil
}

// execute takes a handed-over tournament through its rounds to completion.
func (o *Orchestrator) execute(ctx context.Context, tour *tournament.Tournament) error {
	logger := o.logger.With().
		Str("tournament_id", tour.ID).
		Int64("epoch", tour.Epoch).
		Logger()

	rounds := tour.Config.RoundCount
	if rounds <= 0 {
		rounds = o.settings.RoundCount
	}

	if tour.Status == tournament.StatusInProgress {
		subs, err := o.store.GetSubmissions(ctx, tour.ID)
		if err != nil {
			return errors.Wrap(err, "listing submissions")
		}
		runnable := 0
		for i := range subs {
			if subs[i].Status != tournament.SubmissionInvalid {
				runnable++
			}
		}
		if err := o.store.SetTotalRuns(ctx, tour.ID, runnable*rounds); err != nil {
			return errors.Wrap(err, "recording planned runs")
		}
		if err := o.store.UpdateTournamentStatus(ctx, tour.ID, tournament.StatusEvaluating); err != nil {
			return errors.Wrap(err, "entering evaluation")
		}
		logger.Info().
			Int("rounds", rounds).
			Int("planned_runs", runnable*rounds).
			Msg("evaluation started")
	}

	pause := tour.Config.InterRoundPause()
	if pause <= 0 {
		pause = o.settings.InterRoundPause
	}

	for round := 0; round < rounds; round++ {
		enqueued, err := o.DispatchRound(ctx, tour, round)
		if err != nil {
			return errors.Wrapf(err, "dispatching round %d", round)
		}
		logger.Info().
			Int("round", round).
			Str("network", tour.NetworkForRound(round)).
			Int("enqueued", enqueued).
			Msg("round dispatched")
		if err := o.AwaitRound(ctx, tour.ID, round); err != nil {
			return errors.Wrapf(err, "awaiting round %d", round)
		}
		// Settled rounds resume without the pause.
		if enqueued > 0 && round < rounds-1 {
			if err := sleepCtx(ctx, pause); err != nil {
				return err
			}
		}
	}

	results, err := o.Aggregate(ctx, tour, rounds)
	if err != nil {
		return errors.Wrap(err, "aggregating")
	}
	return o.Finalize(ctx, tour, results)
}

// DispatchRound ensures one pending run per runnable submission and
// enqueues an evaluation task for every run that is not yet terminal.
// Re-dispatch after a crash enqueues duplicates at worst, the evaluator
// drops those.
func (o *Orchestrator) DispatchRound(ctx context.Context, tour *tournament.Tournament, round int) (int, error) {
	subs, err := o.store.GetSubmissions(ctx, tour.ID)
	if err != nil {
		return 0, errors.Wrap(err, "listing submissions")
	}

	network := tour.NetworkForRound(round)
	testDate := tour.TestDate()
	enqueued := 0
	for i := range subs {
		sub := &subs[i]
		if sub.Status == tournament.SubmissionInvalid {
			continue
		}
		run, _, err := o.store.GetOrCreateRun(ctx, &tournament.Run{
			ID:           uuid.NewString(),
			SubmissionID: sub.ID,
			TournamentID: tour.ID,
			Round:        round,
			Network:      network,
			TestDate:     testDate,
			Status:       tournament.RunPending,
		})
		if err != nil {
			return enqueued, errors.Wrapf(err, "ensuring run for submission %s", sub.ID)
		}
		if run.Status.Terminal() {
			continue
		}
		body, err := (queue.Task{
			TournamentID: tour.ID,
			SubmissionID: sub.ID,
			RunID:        run.ID,
			Round:        round,
			Network:      network,
			TestDate:     testDate,
			Epoch:        tour.Epoch,
		}).Encode()
		if err != nil {
			return enqueued, err
		}
		if err := o.producer.Produce(ctx, body); err != nil {
			return enqueued, errors.Wrapf(err, "enqueueing run %s", run.ID)
		}
		enqueued++
	}
	return enqueued, nil
}

// AwaitRound blocks until every run of the round is terminal. When the
// barrier deadline expires the stragglers are failed with
// round_deadline_exceeded and the round is considered settled; strict
// aggregation disqualifies their submissions later.
func (o *Orchestrator) AwaitRound(ctx context.Context, tournamentID string, round int) error {
	deadline := time.Now().Add(o.settings.RoundBarrierTimeout)
	for {
		runs, err := o.store.GetRunsByRound(ctx, tournamentID, round)
		if err != nil {
			return errors.Wrap(err, "polling round")
		}
		pending := 0
		for i := range runs {
			if !runs[i].Status.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			o.logger.Warn().
				Str("tournament_id", tournamentID).
				Int("round", round).
				Int("stragglers", pending).
				Msg("round deadline expired")
			for i := range runs {
				if runs[i].Status.Terminal() {
					continue
				}
				if err := o.store.FailRun(ctx, runs[i].ID, tournament.RunFailed, "round_deadline_exceeded"); err != nil {
					return errors.Wrapf(err, "expiring run %s", runs[i].ID)
				}
			}
			return nil
		}
		if err := sleepCtx(ctx, o.poll); err != nil {
			return err
		}
	}
}

// Aggregate applies the strict multi-round rules: any failed or timed out
// run disqualifies the submission, as does an incomplete set of completed
// runs. Survivors get component means, rates and totals over their
// completed runs and are ranked by mean final score.
func (o *Orchestrator) Aggregate(ctx context.Context, tour *tournament.Tournament, rounds int) ([]tournament.Result, error) {
	subs, err := o.store.GetSubmissions(ctx, tour.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing submissions")
	}
	runs, err := o.store.GetRunsByTournament(ctx, tour.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	bySubmission := make(map[string][]tournament.Run, len(subs))
	for _, run := range runs {
		bySubmission[run.SubmissionID] = append(bySubmission[run.SubmissionID], run)
	}

	now := time.Now().UTC()
	results := make([]tournament.Result, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		if sub.Status == tournament.SubmissionInvalid {
			// Already rejected, the recorded reason stands.
			continue
		}

		var completed []tournament.Run
		dead := 0
		for _, run := range bySubmission[sub.ID] {
			switch run.Status {
			case tournament.RunCompleted:
				completed = append(completed, run)
			case tournament.RunFailed, tournament.RunTimeout:
				dead++
			}
		}
		if dead > 0 {
			reason := fmt.Sprintf("disqualified: %d failed/timeout runs", dead)
			if err := o.store.SetSubmissionStatus(ctx, sub.ID, tournament.SubmissionInvalid, reason); err != nil {
				return nil, errors.Wrapf(err, "disqualifying submission %s", sub.ID)
			}
			o.logger.Info().
				Str("submission_id", sub.ID).
				Str("participant", sub.ParticipantKey).
				Int("dead_runs", dead).
				Msg("submission disqualified")
			continue
		}
		if len(completed) != rounds {
			if err := o.store.SetSubmissionStatus(ctx, sub.ID, tournament.SubmissionInvalid, "incomplete"); err != nil {
				return nil, errors.Wrapf(err, "disqualifying submission %s", sub.ID)
			}
			o.logger.Info().
				Str("submission_id", sub.ID).
				Int("completed", len(completed)).
				Int("rounds", rounds).
				Msg("submission incomplete")
			continue
		}

		result := tournament.Result{
			ID:              uuid.NewString(),
			TournamentID:    tour.ID,
			SubmissionID:    sub.ID,
			ParticipantKey:  sub.ParticipantKey,
			ParticipantUID:  sub.ParticipantUID,
			RoundsTotal:     rounds,
			RoundsCompleted: len(completed),
			CalculatedAt:    now,
		}
		schemaValid := 0
		for _, run := range completed {
			if run.OutputSchemaValid {
				schemaValid++
			}
			result.AvgFeatureScore += run.FeatureScore
			result.AvgRecallScore += run.RecallScore
			result.AvgNoveltyScore += run.NoveltyScore
			result.AvgPrecisionScore += run.PrecisionScore
			result.FinalScore += run.FinalScore
			result.TotalGTFound += run.GTFound
			result.TotalNoveltyValid += run.NoveltyValid
			result.TotalNoveltyInvalid += run.NoveltyInvalid
		}
		n := float64(len(completed))
		result.SchemaValidRate = float64(schemaValid) / n
		result.AvgFeatureScore /= n
		result.AvgRecallScore /= n
		result.AvgNoveltyScore /= n
		result.AvgPrecisionScore /= n
		result.FinalScore /= n
		results = append(results, result)
	}

	scores := make(map[string]float64, len(results))
	for i := range results {
		scores[results[i].ParticipantKey] = results[i].FinalScore
	}
	byKey := make(map[string]*tournament.Result, len(results))
	for i := range results {
		byKey[results[i].ParticipantKey] = &results[i]
	}
	for _, ranked := range scoring.Rank(scores) {
		result := byKey[ranked.Key]
		result.Rank = ranked.Rank
		result.BeatBaseline = result.FinalScore > o.settings.BaselineThreshold
		result.IsWinner = ranked.Rank == 1
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Rank < results[j].Rank })
	return results, nil
}

// Finalize writes the ranked results in one shot, completes the tournament
// and tears down the submission images.
func (o *Orchestrator) Finalize(ctx context.Context, tour *tournament.Tournament, results []tournament.Result) error {
	if err := o.store.ReplaceResults(ctx, tour.ID, results); err != nil {
		return errors.Wrap(err, "writing results")
	}
	if err := o.store.UpdateTournamentStatus(ctx, tour.ID, tournament.StatusCompleted); err != nil {
		return errors.Wrap(err, "completing tournament")
	}
	o.metrics.TournamentsFinished.WithLabelValues(string(tournament.StatusCompleted)).Inc()

	winner := ""
	if len(results) > 0 && results[0].IsWinner {
		winner = results[0].ParticipantKey
	}
	o.logger.Info().
		Str("tournament_id", tour.ID).
		Int("ranked", len(results)).
		Str("winner", winner).
		Msg("tournament completed")

	o.cleanupImages(ctx, tour)
	return nil
}

// Fail marks the tournament failed. Runs already written stay untouched for
// the post-mortem.
func (o *Orchestrator) Fail(ctx context.Context, tournamentID string, cause error) {
	o.logger.Error().Err(cause).Str("tournament_id", tournamentID).Msg("tournament failed")
	if err := o.store.UpdateTournamentStatus(ctx, tournamentID, tournament.StatusFailed); err != nil {
		o.logger.Error().Err(err).Msg("failure transition not persisted")
		return
	}
	o.metrics.TournamentsFinished.WithLabelValues(string(tournament.StatusFailed)).Inc()
}

// cleanupImages is best effort: a leftover image costs disk, not
// correctness.
func (o *Orchestrator) cleanupImages(ctx context.Context, tour *tournament.Tournament) {
	if o.images == nil {
		return
	}
	subs, err := o.store.GetSubmissions(ctx, tour.ID)
	if err != nil {
		o.logger.Warn().Err(err).Msg("image cleanup skipped")
		return
	}
	for i := range subs {
		if subs[i].ImageDigest == "" {
			continue
		}
		if err := o.images.RemoveImage(ctx, sandbox.ImageTag(subs[i].ID)); err != nil {
			o.logger.Warn().Err(err).Str("submission_id", subs[i].ID).Msg("image removal failed")
		}
	}
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
