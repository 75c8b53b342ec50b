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

// Package metrics exposes the arena's Prometheus instrumentation and the
// small HTTP server publishing it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the processes record. All components
// share one instance registered against one registry.
type Metrics struct {
	TournamentsStarted  prometheus.Counter
	TournamentsFinished *prometheus.CounterVec

	SubmissionsCollected prometheus.Counter
	SubmissionsRejected  prometheus.Counter

	RunsFinished  *prometheus.CounterVec
	TasksRequeued prometheus.Counter

	BuildSeconds prometheus.Histogram
	RunSeconds   prometheus.Histogram
	FinalScores  prometheus.Histogram

	WeightsPublished prometheus.Counter
}

// New registers every instrument with reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TournamentsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "tournaments_started_total",
			Help:      "Tournaments opened for collection.",
		}),
		TournamentsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "tournaments_finished_total",
			Help:      "Tournaments reaching a terminal status.",
		}, []string{"status"}),
		SubmissionsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "submissions_collected_total",
			Help:      "Repository pointers accepted during collection windows.",
		}),
		SubmissionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "submissions_rejected_total",
			Help:      "Repository pointers rejected before persisting.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "runs_finished_total",
			Help:      "Evaluation runs by terminal status.",
		}, []string{"status"}),
		TasksRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "tasks_requeued_total",
			Help:      "Evaluation tasks put back on the queue after worker errors.",
		}),
		BuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Name:      "image_build_seconds",
			Help:      "Wall time of miner image builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RunSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Name:      "container_run_seconds",
			Help:      "Wall time of evaluation containers.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		FinalScores: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Name:      "run_final_score",
			Help:      "Distribution of per-run final scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		WeightsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "weights_published_total",
			Help:      "Weight vectors pushed to the chain.",
		}),
	}
}
