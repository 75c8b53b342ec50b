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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/codepr/arena/collector"
	"github.com/codepr/arena/config"
	"github.com/codepr/arena/dataset"
	"github.com/codepr/arena/evaluator"
	"github.com/codepr/arena/metrics"
	"github.com/codepr/arena/orchestrator"
	"github.com/codepr/arena/policy"
	"github.com/codepr/arena/queue"
	"github.com/codepr/arena/sandbox"
	"github.com/codepr/arena/scoring"
	"github.com/codepr/arena/store"
)

// Process roles. "all" runs every role in one process over an in-memory
// queue, handy for a single-host deployment or local runs.
const (
	modeCollector    = "collector"
	modeOrchestrator = "orchestrator"
	modeWorker       = "worker"
	modeAll          = "all"
)

var mode string

func main() {
	flag.StringVar(&mode, "mode", modeAll,
		"Process role, one of collector, orchestrator, worker or all")
	flag.Parse()

	switch mode {
	case modeCollector, modeOrchestrator, modeWorker, modeAll:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(settings.LogLevel).With().Str("mode", mode).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, logger); err != nil {
		logger.Fatal().Err(err).Msg("arena exited")
	}
	logger.Info().Msg("arena stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func run(ctx context.Context, settings config.Settings, logger zerolog.Logger) error {
	st, err := store.Open(settings.DatabaseURL, logger.With().Str("component", "store").Logger())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var tasks queue.ProducerConsumer
	if mode == modeAll {
		tasks = queue.NewMemoryQueue(1024)
	} else {
		tasks = queue.NewAmqpQueue(settings.BrokerURL, settings.TaskQueue,
			logger.With().Str("component", "queue").Logger())
	}
	defer tasks.Close()

	// The docker engine lives wherever runs execute: the worker, and the
	// single-process mode. A split orchestrator cleans up nothing.
	var engine *sandbox.Engine
	if mode == modeWorker || mode == modeAll {
		engine, err = sandbox.New(logger.With().Str("component", "sandbox").Logger())
		if err != nil {
			return err
		}
		defer engine.Close()
	}

	services := []service{func(ctx context.Context) error {
		srv := metrics.NewServer(settings.MetricsAddr, registry, st.Ping,
			logger.With().Str("component", "metrics").Logger())
		return srv.Run(ctx)
	}}

	if mode == modeCollector || mode == modeAll {
		svc, err := collectorService(st, m, settings, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
	}
	if mode == modeOrchestrator || mode == modeAll {
		var images orchestrator.ImageRemover
		if engine != nil {
			images = engine
		}
		orch := orchestrator.New(orchestrator.Deps{
			Store:    st,
			Producer: tasks,
			Images:   images,
			Metrics:  m,
		}, settings, logger.With().Str("component", "orchestrator").Logger())
		services = append(services, orch.Run)
	}
	if mode == modeWorker || mode == modeAll {
		svc, err := workerService(st, engine, tasks, m, settings, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
	}

	return runServices(ctx, services)
}

func collectorService(st *store.Store, m *metrics.Metrics, settings config.Settings, logger zerolog.Logger) (service, error) {
	if settings.RosterFile == "" {
		return nil, errors.New("collector requires ARENA_ROSTER_FILE")
	}
	clog := logger.With().Str("component", "collector").Logger()
	coll := collector.New(collector.Deps{
		Store:     st,
		Roster:    collector.FileRoster{Path: settings.RosterFile},
		Source:    collector.RosterSource{},
		Resolver:  collector.NewGitHubResolver(settings.GithubToken),
		Publisher: collector.LogPublisher{Logger: clog},
		Metrics:   m,
	}, settings, clog)
	return coll.Run, nil
}

func workerService(st *store.Store, engine *sandbox.Engine, tasks queue.ProducerConsumer, m *metrics.Metrics, settings config.Settings, logger zerolog.Logger) (service, error) {
	pol := policy.Default()
	if settings.PolicyFile != "" {
		var err error
		if pol, err = policy.Load(settings.PolicyFile); err != nil {
			return nil, err
		}
	}
	checker, err := policy.NewChecker(pol, logger.With().Str("component", "policy").Logger())
	if err != nil {
		return nil, err
	}
	eval := evaluator.New(evaluator.Deps{
		Store:     st,
		Sandbox:   engine,
		Validator: checker,
		Clone:     evaluator.GitClone,
		Workspace: dataset.NewWorkspace(settings.WorkRoot),
		Corpus:    dataset.NewCorpus(settings.DataRoot),
		Scorer:    scoring.NewEngine(scoringParams(settings), logger.With().Str("component", "scoring").Logger()),
		Metrics:   m,
	}, settings, logger.With().Str("component", "worker").Logger())

	return func(ctx context.Context) error {
		err := tasks.Consume(ctx, eval.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}, nil
}

func scoringParams(s config.Settings) scoring.Params {
	return scoring.Params{
		FeatureWeight:          s.FeatureWeight,
		RecallWeight:           s.RecallWeight,
		NoveltyWeight:          s.NoveltyWeight,
		BaselineFeatureSeconds: s.BaselineFeatureSeconds,
		MaxFeatureSeconds:      s.MaxFeatureSeconds,
		NoveltyCapRatio:        s.NoveltyCapRatio,
	}
}

type service func(ctx context.Context) error

// runServices runs every service until the first one stops, then cancels
// the rest and waits for them to drain.
func runServices(ctx context.Context, services []service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, len(services))
	for _, svc := range services {
		svc := svc
		go func() {
			errs <- svc(ctx)
			cancel()
		}()
	}
	var first error
	for range services {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
