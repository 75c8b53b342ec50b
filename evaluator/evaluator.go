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

// Package evaluator is the worker side of the arena. It consumes evaluation
// tasks, turns a submission pointer into a policy-checked build and a
// locked-down container run, scores the outputs and writes the outcome back.
//
// Failure routing is deliberate: anything the miner caused (bad repo, policy
// violation, broken build, crash, timeout, garbage output) is recorded on
// the run or the submission and the task is done; only failures to persist
// that outcome requeue the task.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/arena/config"
	"github.com/codepr/arena/dataset"
	"github.com/codepr/arena/metrics"
	"github.com/codepr/arena/policy"
	"github.com/codepr/arena/queue"
	"github.com/codepr/arena/sandbox"
	"github.com/codepr/arena/scoring"
	"github.com/codepr/arena/tournament"
)

// wall time split assumed when a run reports no timings manifest; pattern
// detection dominates in every profile we have seen.
const (
	fallbackFeatureShare = 0.2
	fallbackPatternShare = 0.8
)

// Store is the slice of persistence the worker needs.
type Store interface {
	GetRun(ctx context.Context, id string) (*tournament.Run, error)
	StartRun(ctx context.Context, id string) error
	UpdateRun(ctx context.Context, run *tournament.Run) error
	FailRun(ctx context.Context, id string, status tournament.RunStatus, errMsg string) error
	GetSubmission(ctx context.Context, id string) (*tournament.Submission, error)
	SetSubmissionStatus(ctx context.Context, id string, status tournament.SubmissionStatus, errMsg string) error
	SetSubmissionImage(ctx context.Context, id, digest string) error
}

// Sandbox is the container surface the worker drives.
type Sandbox interface {
	BuildImage(ctx context.Context, dir, tag string) (string, error)
	Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error)
	ReadFeatures(outputDir string) *dataset.Frame
	ReadPatterns(outputDir string) *dataset.Frame
	ReadTimings(outputDir string) (sandbox.Timings, bool)
}

// Validator checks a checkout against the submission policy.
type Validator interface {
	Validate(dir string) ([]policy.Violation, error)
}

// Deps are the collaborators an Evaluator is wired with.
type Deps struct {
	Store     Store
	Sandbox   Sandbox
	Validator Validator
	Clone     CloneFunc
	Workspace dataset.Workspace
	Corpus    dataset.Corpus
	Scorer    *scoring.Engine
	Metrics   *metrics.Metrics
}

type Evaluator struct {
	store     Store
	sandbox   Sandbox
	validator Validator
	clone     CloneFunc
	workspace dataset.Workspace
	corpus    dataset.Corpus
	scorer    *scoring.Engine
	metrics   *metrics.Metrics
	settings  config.Settings
	logger    zerolog.Logger
}

func New(deps Deps, settings config.Settings, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:     deps.Store,
		sandbox:   deps.Sandbox,
		validator: deps.Validator,
		clone:     deps.Clone,
		workspace: deps.Workspace,
		corpus:    deps.Corpus,
		scorer:    deps.Scorer,
		metrics:   deps.Metrics,
		settings:  settings,
		logger:    logger,
	}
}

// Handle adapts Evaluate to the queue contract. Undecodable payloads are
// dropped, requeueing them would poison the queue.
func (e *Evaluator) Handle(ctx context.Context, body []byte) error {
	task, err := queue.DecodeTask(body)
	if err != nil {
		e.logger.Error().Err(err).Msg("dropping malformed task")
		return nil
	}
	if err := e.Evaluate(ctx, task); err != nil {
		e.metrics.TasksRequeued.Inc()
		return err
	}
	return nil
}

// Evaluate processes one task end to end. A nil return acks the task,
// whatever the run's fate; an error requeues it.
func (e *Evaluator) Evaluate(ctx context.Context, task queue.Task) error {
	logger := e.logger.With().
		Str("run_id", task.RunID).
		Str("submission_id", task.SubmissionID).
		Int("round", task.Round).
		Str("network", task.Network).
		Logger()

	run, err := e.store.GetRun(ctx, task.RunID)
	if err != nil {
		return errors.Wrap(err, "loading run")
	}
	if run == nil {
		logger.Warn().Msg("dropping task for unknown run")
		return nil
	}
	if run.Status.Terminal() {
		// Redelivery of an already processed task.
		logger.Debug().Str("status", string(run.Status)).Msg("run already terminal, skipping")
		return nil
	}

	sub, err := e.store.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return errors.Wrap(err, "loading submission")
	}
	if sub == nil {
		return e.failRun(ctx, run.ID, tournament.RunFailed, "submission_missing")
	}

	if err := e.store.StartRun(ctx, run.ID); err != nil {
		return errors.Wrap(err, "starting run")
	}

	tag := sandbox.ImageTag(sub.ID)
	failReason, err := e.ensureBuilt(ctx, logger, run, sub, tag)
	if err != nil {
		return err
	}
	if failReason != "" {
		return e.failRun(ctx, run.ID, tournament.RunFailed, failReason)
	}

	// Materialize the round input and the participant's output directory.
	src := e.corpus.TransfersPath(run.Network, run.TestDate)
	if _, err := e.workspace.EnsureRoundInput(run.TournamentID, run.Round, src); err != nil {
		logger.Error().Err(err).Msg("round input unavailable")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "dataset_error: "+err.Error())
	}
	outputDir, err := e.workspace.EnsureOutputDir(run.TournamentID, run.Round, sub.ParticipantKey)
	if err != nil {
		logger.Error().Err(err).Msg("output dir unavailable")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "workspace_error: "+err.Error())
	}

	result, err := e.sandbox.Run(ctx, sandbox.RunSpec{
		Name:      "arena-run-" + run.ID,
		Image:     tag,
		InputDir:  e.workspace.RoundInputDir(run.TournamentID, run.Round),
		OutputDir: outputDir,
		Timeout:   e.settings.RunTimeout,
		Memory:    e.settings.MemoryBytes(),
		NanoCPUs:  int64(e.settings.CPUQuota * 1e9),
	})
	if err != nil {
		logger.Error().Err(err).Msg("container run failed")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "container_error: "+err.Error())
	}
	e.metrics.RunSeconds.Observe(result.Duration.Seconds())

	if result.TimedOut {
		logger.Warn().Dur("duration", result.Duration).Msg("run timed out")
		return e.failRun(ctx, run.ID, tournament.RunTimeout, "timed_out")
	}
	if result.ExitCode != 0 {
		reason := fmt.Sprintf("exit_code_%d: %s", result.ExitCode, sandbox.Truncate(result.Logs, 1000))
		return e.failRun(ctx, run.ID, tournament.RunFailed, reason)
	}

	if err := e.scoreRun(ctx, logger, run, sub, outputDir, result); err != nil {
		return err
	}

	// Scored and persisted, the scratch output has served its purpose.
	if err := e.workspace.RemoveOutput(run.TournamentID, run.Round, sub.ParticipantKey); err != nil {
		logger.Warn().Err(err).Msg("output cleanup failed")
	}
	return nil
}

// ensureBuilt makes the submission's image available locally, validating
// and building on first contact. A non-empty failReason is a miner-caused
// dead end for this run; an error is a worker-side problem worth a retry.
func (e *Evaluator) ensureBuilt(ctx context.Context, logger zerolog.Logger, run *tournament.Run, sub *tournament.Submission, tag string) (failReason string, err error) {
	if sub.Built() {
		return "", nil
	}
	if sub.Status == tournament.SubmissionInvalid {
		return "submission_invalid: " + sub.Error, nil
	}

	if err := e.store.SetSubmissionStatus(ctx, sub.ID, tournament.SubmissionValidating, ""); err != nil {
		return "", errors.Wrap(err, "marking submission validating")
	}

	// Checkouts are keyed by run: concurrent tasks of one submission on a
	// shared host must not share a working tree.
	dir := e.workspace.CloneDir(run.ID)
	if err := e.workspace.RemoveClone(run.ID); err != nil {
		return "", errors.Wrap(err, "clearing stale checkout")
	}
	defer func() {
		if err := e.workspace.RemoveClone(run.ID); err != nil {
			logger.Warn().Err(err).Msg("checkout cleanup failed")
		}
	}()

	if err := e.clone(ctx, sub.Repo.URL, sub.Repo.Ref, dir); err != nil {
		logger.Info().Err(err).Msg("clone failed")
		return e.invalidate(ctx, sub, "clone_failed: "+err.Error())
	}

	violations, err := e.validator.Validate(dir)
	if err != nil {
		// Unreadable checkout on our side, not a policy verdict.
		logger.Error().Err(err).Msg("policy scan failed")
		return "validation_error: " + err.Error(), nil
	}
	if len(violations) > 0 {
		return e.invalidate(ctx, sub, "policy_violation: "+policy.Summary(violations))
	}

	start := time.Now()
	digest, err := e.sandbox.BuildImage(ctx, dir, tag)
	if err != nil {
		var buildErr *sandbox.BuildError
		if errors.As(err, &buildErr) {
			return e.invalidate(ctx, sub, "build_failed: "+sandbox.Truncate(buildErr.Log, 1000))
		}
		logger.Error().Err(err).Msg("image build error")
		return "build_error: " + err.Error(), nil
	}
	e.metrics.BuildSeconds.Observe(time.Since(start).Seconds())

	if err := e.store.SetSubmissionImage(ctx, sub.ID, digest); err != nil {
		return "", errors.Wrap(err, "recording image digest")
	}
	if err := e.store.SetSubmissionStatus(ctx, sub.ID, tournament.SubmissionValid, ""); err != nil {
		return "", errors.Wrap(err, "marking submission valid")
	}
	sub.ImageDigest = digest
	sub.Status = tournament.SubmissionValid
	logger.Info().Str("digest", digest).Msg("submission built")
	return "", nil
}

// invalidate permanently rejects a submission; every later run of it fails
// fast with the recorded reason.
func (e *Evaluator) invalidate(ctx context.Context, sub *tournament.Submission, reason string) (string, error) {
	if err := e.store.SetSubmissionStatus(ctx, sub.ID, tournament.SubmissionInvalid, reason); err != nil {
		return "", errors.Wrap(err, "marking submission invalid")
	}
	sub.Status = tournament.SubmissionInvalid
	sub.Error = reason
	return reason, nil
}

// scoreRun reads the run's artifacts, applies the rubric and persists the
// completed run. Gate failures complete with zero scores, they are the
// miner's score, not an error.
func (e *Evaluator) scoreRun(ctx context.Context, logger zerolog.Logger, run *tournament.Run, sub *tournament.Submission, outputDir string, result sandbox.RunResult) error {
	features := e.sandbox.ReadFeatures(outputDir)
	patterns := e.sandbox.ReadPatterns(outputDir)
	if features == nil && patterns == nil {
		// Clean exit but nothing written, distinct from a schema verdict.
		logger.Info().Msg("no output artifacts")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "missing_output_files")
	}

	wall := result.Duration.Seconds()
	featureSeconds, patternSeconds := wall*fallbackFeatureShare, wall*fallbackPatternShare
	if timings, ok := e.sandbox.ReadTimings(outputDir); ok {
		featureSeconds, patternSeconds = timings.FeatureSeconds, timings.PatternSeconds
	}

	transfers, err := e.corpus.LoadTransfers(run.Network, run.TestDate)
	if err != nil {
		logger.Error().Err(err).Msg("transfers snapshot unreadable")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "dataset_error: "+err.Error())
	}
	groundTruth, err := e.corpus.LoadGroundTruth(run.Network, run.TestDate)
	if err != nil {
		logger.Error().Err(err).Msg("ground truth unreadable")
		return e.failRun(ctx, run.ID, tournament.RunFailed, "dataset_error: "+err.Error())
	}

	score := e.scorer.Score(scoring.Input{
		Features:       features,
		Patterns:       patterns,
		Transfers:      transfers,
		GroundTruth:    groundTruth,
		FeatureSeconds: featureSeconds,
		PatternSeconds: patternSeconds,
	})

	run.Status = tournament.RunCompleted
	run.ExitCode = int(result.ExitCode)
	run.Error = score.SchemaError
	run.OutputSchemaValid = score.SchemaValid
	run.PatternsReported = score.PatternsReported
	run.GTExpected = score.GTExpected
	run.GTFound = score.GTFound
	run.NoveltyValid = score.NoveltyValid
	run.NoveltyInvalid = score.NoveltyInvalid
	run.FeatureSeconds = featureSeconds
	run.PatternSeconds = patternSeconds
	run.FeatureScore = score.FeatureScore
	run.RecallScore = score.RecallScore
	run.NoveltyScore = score.NoveltyScore
	run.PrecisionScore = score.PrecisionScore
	run.PatternsFound = score.PatternsFound
	run.FinalScore = score.FinalScore

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return errors.Wrap(err, "persisting scored run")
	}
	e.metrics.RunsFinished.WithLabelValues(string(tournament.RunCompleted)).Inc()
	e.metrics.FinalScores.Observe(score.FinalScore)

	logger.Info().
		Str("participant", sub.ParticipantKey).
		Bool("schema_valid", score.SchemaValid).
		Float64("final_score", score.FinalScore).
		Msg("run scored")
	return nil
}

// failRun records a terminal failure; only a store error propagates.
func (e *Evaluator) failRun(ctx context.Context, id string, status tournament.RunStatus, reason string) error {
	if err := e.store.FailRun(ctx, id, status, reason); err != nil {
		return errors.Wrap(err, "recording run failure")
	}
	e.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	return nil
}
