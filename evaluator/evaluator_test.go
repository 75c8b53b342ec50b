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

package evaluator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/arena/config"
	"github.com/codepr/arena/dataset"
	"github.com/codepr/arena/metrics"
	"github.com/codepr/arena/policy"
	"github.com/codepr/arena/queue"
	"github.com/codepr/arena/sandbox"
	"github.com/codepr/arena/scoring"
	"github.com/codepr/arena/tournament"
)

const testDate = "2026-03-01"

type failCall struct {
	id     string
	status tournament.RunStatus
	reason string
}

type statusCall struct {
	id     string
	status tournament.SubmissionStatus
	errMsg string
}

type fakeStore struct {
	run *tournament.Run
	sub *tournament.Submission

	started   int
	updated   *tournament.Run
	failed    *failCall
	statuses  []statusCall
	digest    string
	updateErr error
}

func (s *fakeStore) GetRun(_ context.Context, id string) (*tournament.Run, error) {
	if s.run == nil || s.run.ID != id {
		return nil, nil
	}
	cp := *s.run
	return &cp, nil
}

func (s *fakeStore) StartRun(_ context.Context, id string) error {
	s.started++
	return nil
}

func (s *fakeStore) UpdateRun(_ context.Context, run *tournament.Run) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	cp := *run
	s.updated = &cp
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, id string, status tournament.RunStatus, reason string) error {
	s.failed = &failCall{id: id, status: status, reason: reason}
	return nil
}

func (s *fakeStore) GetSubmission(_ context.Context, id string) (*tournament.Submission, error) {
	if s.sub == nil || s.sub.ID != id {
		return nil, nil
	}
	cp := *s.sub
	return &cp, nil
}

func (s *fakeStore) SetSubmissionStatus(_ context.Context, id string, status tournament.SubmissionStatus, errMsg string) error {
	s.statuses = append(s.statuses, statusCall{id: id, status: status, errMsg: errMsg})
	s.sub.Status = status
	if status == tournament.SubmissionInvalid {
		s.sub.Error = errMsg
	}
	return nil
}

func (s *fakeStore) SetSubmissionImage(_ context.Context, id, digest string) error {
	s.digest = digest
	s.sub.ImageDigest = digest
	return nil
}

type fakeSandbox struct {
	artifacts *sandbox.Engine

	digest   string
	buildErr error
	builds   int

	result   sandbox.RunResult
	runErr   error
	onRun    func(spec sandbox.RunSpec)
	lastSpec sandbox.RunSpec
	runs     int
}

func (f *fakeSandbox) BuildImage(_ context.Context, dir, tag string) (string, error) {
	f.builds++
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return f.digest, nil
}

func (f *fakeSandbox) Run(_ context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error) {
	f.runs++
	f.lastSpec = spec
	if f.runErr != nil {
		return sandbox.RunResult{}, f.runErr
	}
	if f.onRun != nil {
		f.onRun(spec)
	}
	return f.result, nil
}

func (f *fakeSandbox) ReadFeatures(dir string) *dataset.Frame { return f.artifacts.ReadFeatures(dir) }
func (f *fakeSandbox) ReadPatterns(dir string) *dataset.Frame { return f.artifacts.ReadPatterns(dir) }
func (f *fakeSandbox) ReadTimings(dir string) (sandbox.Timings, bool) {
	return f.artifacts.ReadTimings(dir)
}

type fakeValidator struct {
	violations []policy.Violation
	err        error
	calls      int
}

func (f *fakeValidator) Validate(string) ([]policy.Violation, error) {
	f.calls++
	return f.violations, f.err
}

type featureRow struct {
	Address    string  `parquet:"address"`
	Degree     float64 `parquet:"degree"`
	Volume     float64 `parquet:"volume"`
	Burstiness float64 `parquet:"burstiness"`
	Entropy    float64 `parquet:"entropy"`
}

type patternRow struct {
	PatternID   string   `parquet:"pattern_id"`
	PatternType string   `parquet:"pattern_type"`
	Addresses   []string `parquet:"addresses,list"`
}

type harness struct {
	t         *testing.T
	store     *fakeStore
	sandbox   *fakeSandbox
	validator *fakeValidator
	workspace dataset.Workspace
	eval      *Evaluator
	clones    int
	cloneErr  error
	task      queue.Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	artifacts, err := sandbox.New(zerolog.Nop())
	require.NoError(t, err)

	corpus := dataset.NewCorpus(t.TempDir())
	require.NoError(t, os.MkdirAll(corpus.SnapshotDir("torus", testDate), 0755))
	require.NoError(t, parquet.WriteFile(corpus.TransfersPath("torus", testDate), []dataset.Transfer{
		{FromAddress: "addr-a", ToAddress: "addr-x", Amount: 5, Timestamp: 100},
		{FromAddress: "addr-y", ToAddress: "addr-z", Amount: 7, Timestamp: 200},
	}))
	require.NoError(t, parquet.WriteFile(corpus.GroundTruthPath("torus", testDate), []dataset.GroundTruthRow{
		{Address: "addr-a"}, {Address: "addr-b"}, {Address: "addr-c"}, {Address: "addr-d"},
	}))

	h := &harness{
		t: t,
		store: &fakeStore{
			run: &tournament.Run{
				ID:           "run-1",
				SubmissionID: "sub-1",
				TournamentID: "tour-1",
				Round:        0,
				Network:      "torus",
				TestDate:     testDate,
				Status:       tournament.RunPending,
			},
			sub: &tournament.Submission{
				ID:             "sub-1",
				TournamentID:   "tour-1",
				ParticipantKey: "hotkey-a",
				Repo: tournament.RepoPointer{
					URL: "https://github.com/miner/analyzer",
					Ref: "0123456789abcdef0123456789abcdef01234567",
				},
				Status: tournament.SubmissionPending,
			},
		},
		sandbox: &fakeSandbox{
			artifacts: artifacts,
			digest:    "sha256:fake",
			result:    sandbox.RunResult{ExitCode: 0, Duration: 90 * time.Second},
		},
		validator: &fakeValidator{},
		workspace: dataset.NewWorkspace(t.TempDir()),
		task: queue.Task{
			TournamentID: "tour-1",
			SubmissionID: "sub-1",
			RunID:        "run-1",
			Round:        0,
			Network:      "torus",
			TestDate:     testDate,
		},
	}

	clone := func(_ context.Context, _, _, dir string) error {
		if h.cloneErr != nil {
			return h.cloneErr
		}
		h.clones++
		return os.MkdirAll(dir, 0755)
	}

	settings := config.Settings{
		RunTimeout:  time.Minute,
		MemoryLimit: "1g",
		CPUQuota:    2.0,
	}
	h.eval = New(Deps{
		Store:     h.store,
		Sandbox:   h.sandbox,
		Validator: h.validator,
		Clone:     clone,
		Workspace: h.workspace,
		Corpus:    corpus,
		Scorer:    scoring.NewEngine(scoring.DefaultParams(), zerolog.Nop()),
		Metrics:   metrics.New(prometheus.NewRegistry()),
	}, settings, zerolog.Nop())
	return h
}

// writeGoodOutputs makes the fake container produce a schema-clean output
// that finds one ground truth address and one novel flow.
func (h *harness) writeGoodOutputs(withTimings bool) {
	h.sandbox.onRun = func(spec sandbox.RunSpec) {
		require.NoError(h.t, parquet.WriteFile(filepath.Join(spec.OutputDir, "features.parquet"), []featureRow{
			{Address: "addr-a", Degree: 2, Volume: 5, Burstiness: 0.1, Entropy: 0.7},
			{Address: "addr-x", Degree: 1, Volume: 5, Burstiness: 0.2, Entropy: 0.4},
		}))
		require.NoError(h.t, parquet.WriteFile(filepath.Join(spec.OutputDir, "patterns.parquet"), []patternRow{
			{PatternID: "p1", PatternType: "cycle", Addresses: []string{"addr-a", "addr-x"}},
			{PatternID: "p2", PatternType: "cycle", Addresses: []string{"addr-y", "addr-z"}},
		}))
		if withTimings {
			require.NoError(h.t, os.WriteFile(filepath.Join(spec.OutputDir, "timings.json"),
				[]byte(`{"feature_seconds": 30, "pattern_seconds": 55}`), 0644))
		}
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	h := newHarness(t)
	h.writeGoodOutputs(true)

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	run := h.store.updated
	require.NotNil(t, run)
	assert.Equal(t, tournament.RunCompleted, run.Status)
	assert.True(t, run.OutputSchemaValid)
	assert.Equal(t, 2, run.PatternsReported)
	assert.Equal(t, 4, run.GTExpected)
	assert.Equal(t, 1, run.GTFound)
	assert.Equal(t, 1, run.NoveltyValid)
	assert.Equal(t, 0, run.NoveltyInvalid)
	assert.Equal(t, 30.0, run.FeatureSeconds)
	assert.Equal(t, 55.0, run.PatternSeconds)
	assert.InDelta(t, 0.5, run.FeatureScore, 1e-9)
	assert.InDelta(t, 0.25, run.RecallScore, 1e-9)
	assert.InDelta(t, 0.5, run.NoveltyScore, 1e-9)
	assert.InDelta(t, 0.375, run.FinalScore, 1e-9)
	assert.Nil(t, h.store.failed)

	// build pipeline ran once, in order
	assert.Equal(t, 1, h.clones)
	assert.Equal(t, 1, h.validator.calls)
	assert.Equal(t, 1, h.sandbox.builds)
	assert.Equal(t, "sha256:fake", h.store.digest)
	require.Len(t, h.store.statuses, 2)
	assert.Equal(t, tournament.SubmissionValidating, h.store.statuses[0].status)
	assert.Equal(t, tournament.SubmissionValid, h.store.statuses[1].status)

	// container wiring
	assert.Equal(t, "arena-analyzer:sub-1", h.sandbox.lastSpec.Image)
	assert.Equal(t, "arena-run-run-1", h.sandbox.lastSpec.Name)
	assert.Equal(t, h.workspace.RoundInputDir("tour-1", 0), h.sandbox.lastSpec.InputDir)
	assert.Equal(t, int64(2_000_000_000), h.sandbox.lastSpec.NanoCPUs)

	// round input staged from the corpus, scratch output cleaned up
	_, err := os.Stat(h.workspace.RoundInputFile("tour-1", 0))
	assert.NoError(t, err)
	_, err = os.Stat(h.workspace.OutputDir("tour-1", 0, "hotkey-a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.workspace.CloneDir("run-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestEvaluateApportionsWallTime(t *testing.T) {
	h := newHarness(t)
	h.writeGoodOutputs(false)
	h.sandbox.result.Duration = 100 * time.Second

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	run := h.store.updated
	require.NotNil(t, run)
	assert.InDelta(t, 20.0, run.FeatureSeconds, 1e-9)
	assert.InDelta(t, 80.0, run.PatternSeconds, 1e-9)
}

func TestEvaluateSkipsTerminalRun(t *testing.T) {
	h := newHarness(t)
	h.store.run.Status = tournament.RunCompleted

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))
	assert.Equal(t, 0, h.store.started)
	assert.Equal(t, 0, h.sandbox.runs)
	assert.Nil(t, h.store.updated)
}

func TestEvaluateDropsUnknownRun(t *testing.T) {
	h := newHarness(t)
	h.store.run = nil

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))
	assert.Equal(t, 0, h.store.started)
}

func TestEvaluateInvalidSubmissionFailsFast(t *testing.T) {
	h := newHarness(t)
	h.store.sub.Status = tournament.SubmissionInvalid
	h.store.sub.Error = "policy_violation: dangerous_import in main.py"

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Equal(t, tournament.RunFailed, h.store.failed.status)
	assert.Equal(t, "submission_invalid: policy_violation: dangerous_import in main.py", h.store.failed.reason)
	assert.Equal(t, 0, h.clones)
	assert.Equal(t, 0, h.sandbox.runs)
}

func TestEvaluateBuiltSubmissionSkipsPipeline(t *testing.T) {
	h := newHarness(t)
	h.store.sub.Status = tournament.SubmissionValid
	h.store.sub.ImageDigest = "sha256:already"
	h.writeGoodOutputs(true)

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	assert.Equal(t, 0, h.clones)
	assert.Equal(t, 0, h.validator.calls)
	assert.Equal(t, 0, h.sandbox.builds)
	assert.Empty(t, h.store.statuses)
	require.NotNil(t, h.store.updated)
	assert.Equal(t, tournament.RunCompleted, h.store.updated.Status)
}

func TestEvaluateCloneFailure(t *testing.T) {
	h := newHarness(t)
	h.cloneErr = errors.New("repository not found")

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Contains(t, h.store.failed.reason, "clone_failed")
	assert.Contains(t, h.store.failed.reason, "repository not found")
	assert.Equal(t, tournament.SubmissionInvalid, h.store.sub.Status)
	assert.Equal(t, 0, h.validator.calls)
	assert.Equal(t, 0, h.sandbox.builds)
}

func TestEvaluatePolicyViolation(t *testing.T) {
	h := newHarness(t)
	h.validator.violations = []policy.Violation{
		{Kind: "dangerous_import", File: "main.py", Line: 3, Detail: "import os"},
	}

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Contains(t, h.store.failed.reason, "policy_violation")
	assert.Contains(t, h.store.failed.reason, "dangerous_import")
	assert.Equal(t, tournament.SubmissionInvalid, h.store.sub.Status)
	assert.Equal(t, 0, h.sandbox.builds)
}

func TestEvaluateValidatorErrorDoesNotInvalidate(t *testing.T) {
	h := newHarness(t)
	h.validator.err = errors.New("walk failed")

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Contains(t, h.store.failed.reason, "validation_error")
	// the submission stays retryable
	assert.NotEqual(t, tournament.SubmissionInvalid, h.store.sub.Status)
}

func TestEvaluateBuildFailure(t *testing.T) {
	h := newHarness(t)
	h.sandbox.buildErr = &sandbox.BuildError{Log: "ERROR: no matching distribution"}

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Contains(t, h.store.failed.reason, "build_failed")
	assert.Contains(t, h.store.failed.reason, "no matching distribution")
	assert.Equal(t, tournament.SubmissionInvalid, h.store.sub.Status)
	assert.Equal(t, 0, h.sandbox.runs)
}

func TestEvaluateTimeout(t *testing.T) {
	h := newHarness(t)
	h.sandbox.result = sandbox.RunResult{ExitCode: -1, TimedOut: true, Duration: time.Minute}

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Equal(t, tournament.RunTimeout, h.store.failed.status)
	assert.Nil(t, h.store.updated)
}

func TestEvaluateNonZeroExit(t *testing.T) {
	h := newHarness(t)
	h.sandbox.result = sandbox.RunResult{ExitCode: 2, Logs: "Traceback: boom", Duration: time.Second}

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Equal(t, tournament.RunFailed, h.store.failed.status)
	assert.Contains(t, h.store.failed.reason, "exit_code_2")
	assert.Contains(t, h.store.failed.reason, "boom")
}

func TestEvaluateNoOutputFailsRun(t *testing.T) {
	h := newHarness(t)
	// container exits cleanly but writes nothing

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	require.NotNil(t, h.store.failed)
	assert.Equal(t, tournament.RunFailed, h.store.failed.status)
	assert.Equal(t, "missing_output_files", h.store.failed.reason)
	assert.Nil(t, h.store.updated)
}

func TestEvaluatePartialOutputCompletesWithZeroScore(t *testing.T) {
	h := newHarness(t)
	// patterns written, features forgotten: a schema verdict, not an
	// infrastructure failure
	h.sandbox.onRun = func(spec sandbox.RunSpec) {
		require.NoError(t, parquet.WriteFile(filepath.Join(spec.OutputDir, "patterns.parquet"), []patternRow{
			{PatternID: "p1", PatternType: "cycle", Addresses: []string{"addr-a", "addr-x"}},
		}))
	}

	require.NoError(t, h.eval.Evaluate(context.Background(), h.task))

	run := h.store.updated
	require.NotNil(t, run)
	assert.Equal(t, tournament.RunCompleted, run.Status)
	assert.False(t, run.OutputSchemaValid)
	assert.Contains(t, run.Error, "features output missing")
	assert.Equal(t, 1, run.PatternsReported)
	assert.Equal(t, 4, run.GTExpected)
	assert.Zero(t, run.FinalScore)
	assert.Nil(t, h.store.failed)
}

func TestEvaluateRequeuesOnStoreError(t *testing.T) {
	h := newHarness(t)
	h.writeGoodOutputs(true)
	h.store.updateErr = errors.New("connection reset")

	err := h.eval.Evaluate(context.Background(), h.task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting scored run")
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.eval.Handle(context.Background(), []byte("{broken")))
	assert.Equal(t, 0, h.store.started)
}

func TestHandleRunsDecodedTask(t *testing.T) {
	h := newHarness(t)
	h.writeGoodOutputs(true)

	raw, err := h.task.Encode()
	require.NoError(t, err)
	require.NoError(t, h.eval.Handle(context.Background(), raw))
	assert.NotNil(t, h.store.updated)
}
