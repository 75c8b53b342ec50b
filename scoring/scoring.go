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

// Package scoring implements the evaluation rubric applied to every run: two
// strict gates (output schema and zero-tolerance flow tracing), three scored
// components and the weighted final score, plus the ranking rule used at
// aggregation.
//
// The anti-cheat core is flow tracing: a reported pattern only counts if
// every consecutive address pair in it exists as a directed edge in the
// transfers table, so fabricating addresses that were never involved in a
// flow zeroes the whole run.
package scoring

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/arena/dataset"
)

// minFeatureColumns is the address column plus at least four feature values.
const minFeatureColumns = 5

// patternTypes is the closed set of pattern families a submission may report.
var patternTypes = map[string]struct{}{
	"cycle":             {},
	"layering_path":     {},
	"smurfing_network":  {},
	"proximity_risk":    {},
	"motif_fanin":       {},
	"motif_fanout":      {},
	"temporal_burst":    {},
	"threshold_evasion": {},
}

// ValidPatternType reports whether a pattern_type value is recognized.
func ValidPatternType(value string) bool {
	_, ok := patternTypes[value]
	return ok
}

// Params are the tunables of the rubric. Weights must sum to 1.0.
type Params struct {
	FeatureWeight          float64
	RecallWeight           float64
	NoveltyWeight          float64
	BaselineFeatureSeconds float64
	MaxFeatureSeconds      float64
	NoveltyCapRatio        float64
}

// DefaultParams returns the production rubric parameters.
func DefaultParams() Params {
	return Params{
		FeatureWeight:          0.25,
		RecallWeight:           0.50,
		NoveltyWeight:          0.25,
		BaselineFeatureSeconds: 30,
		MaxFeatureSeconds:      300,
		NoveltyCapRatio:        0.5,
	}
}

// Input is everything the rubric needs for one run: the two tables the miner
// produced, the full transfers snapshot they ran against, the ground truth
// addresses and the measured phase timings.
type Input struct {
	Features       *dataset.Frame
	Patterns       *dataset.Frame
	Transfers      []dataset.Transfer
	GroundTruth    []string
	FeatureSeconds float64
	PatternSeconds float64
}

// Classification is the outcome of pattern verification over one run. The
// counts stay recorded even when a gate zeroes the scores, so auditors can
// see why.
type Classification struct {
	PatternsReported int
	GTExpected       int
	GTFound          int
	NoveltyValid     int
	NoveltyInvalid   int
}

// Score is the full scoring ledger of one run.
type Score struct {
	SchemaValid bool
	SchemaError string

	Classification

	FeatureScore   float64
	RecallScore    float64
	NoveltyScore   float64
	PrecisionScore float64
	PatternsFound  bool
	FinalScore     float64
}

// Engine applies the rubric.
type Engine struct {
	params Params
	logger zerolog.Logger
}

// NewEngine returns an engine with the given parameters.
func NewEngine(params Params, logger zerolog.Logger) *Engine {
	return &Engine{params: params, logger: logger}
}

// Score runs the full rubric over one run's outputs.
func (e *Engine) Score(in Input) Score {
	var s Score
	if in.Patterns != nil {
		s.PatternsReported = in.Patterns.Len()
	}
	s.GTExpected = countUnique(in.GroundTruth)

	if err := ValidateFeatureFrame(in.Features); err != nil {
		s.SchemaError = err.Error()
	} else if err := ValidatePatternFrame(in.Patterns); err != nil {
		s.SchemaError = err.Error()
	} else {
		s.SchemaValid = true
	}
	if !s.SchemaValid {
		e.logger.Info().Str("reason", s.SchemaError).Msg("schema_gate_failed")
		return s
	}

	graph := NewFlowGraph(in.Transfers)
	s.Classification = Classify(in.Patterns, graph, in.GroundTruth)

	if s.NoveltyInvalid > 0 {
		e.logger.Info().
			Int("novelty_invalid", s.NoveltyInvalid).
			Int("patterns_reported", s.PatternsReported).
			Msg("zero_tolerance_gate_failed")
		return s
	}

	s.FeatureScore = e.featurePerformance(in.FeatureSeconds)
	s.RecallScore = syntheticRecall(s.GTFound, s.GTExpected)
	s.NoveltyScore = e.noveltyDiscovery(s.NoveltyValid, s.GTExpected)
	s.PatternsFound = s.GTFound+s.NoveltyValid > 0
	s.PrecisionScore = 1.0

	if s.PatternsFound {
		s.FinalScore = e.params.FeatureWeight*s.FeatureScore +
			e.params.RecallWeight*s.RecallScore +
			e.params.NoveltyWeight*s.NoveltyScore
	} else {
		s.FinalScore = e.params.FeatureWeight * s.FeatureScore
	}

	e.logger.Debug().
		Int("gt_found", s.GTFound).
		Int("novelty_valid", s.NoveltyValid).
		Float64("final_score", s.FinalScore).
		Msg("run_scored")
	return s
}

// ValidateFeatureFrame is the features half of the schema gate: an address
// column with no nulls plus at least four more columns.
func ValidateFeatureFrame(features *dataset.Frame) error {
	if features == nil {
		return errors.New("features output missing")
	}
	if !features.HasColumn("address") {
		return errors.New("features missing address column")
	}
	if n := features.NullCount("address"); n > 0 {
		return errors.Errorf("features address column has %d null values", n)
	}
	if features.NumColumns() < minFeatureColumns {
		return errors.Errorf("features need at least %d columns, got %d", minFeatureColumns, features.NumColumns())
	}
	return nil
}

// ValidatePatternFrame is the patterns half of the schema gate: pattern_id
// and pattern_type columns, with every type drawn from the closed set.
func ValidatePatternFrame(patterns *dataset.Frame) error {
	if patterns == nil {
		return errors.New("patterns output missing")
	}
	for _, column := range []string{"pattern_id", "pattern_type"} {
		if !patterns.HasColumn(column) {
			return errors.Errorf("patterns missing %s column", column)
		}
	}
	for row := 0; row < patterns.Len(); row++ {
		value, ok := patterns.Value(row, "pattern_type")
		if !ok {
			return errors.New("pattern_type contains null values")
		}
		if !ValidPatternType(value) {
			return errors.Errorf("unknown pattern_type %q", value)
		}
	}
	return nil
}

// ExtractSequence derives the ordered address sequence of a pattern row.
// Precedence: addresses (lists verbatim, scalars comma-split), then
// address_path, then the concatenation of whichever single-address fields
// are set. An empty result marks the pattern invalid.
func ExtractSequence(patterns *dataset.Frame, row int) []string {
	for _, column := range []string{"addresses", "address_path"} {
		if !patterns.HasColumn(column) {
			continue
		}
		values := patterns.Strings(row, column)
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 && !patterns.IsList(column) {
			return cleanSequence(strings.Split(values[0], ","))
		}
		return cleanSequence(values)
	}
	var seq []string
	for _, column := range []string{"address", "source_address", "target_address"} {
		if value, ok := patterns.Value(row, column); ok {
			seq = append(seq, value)
		}
	}
	return cleanSequence(seq)
}

// Classify verifies every reported pattern against the flow graph and the
// ground truth, producing the gate counts.
func Classify(patterns *dataset.Frame, graph *FlowGraph, groundTruth []string) Classification {
	gt := make(map[string]struct{}, len(groundTruth))
	for _, address := range groundTruth {
		gt[address] = struct{}{}
	}
	c := Classification{GTExpected: len(gt)}
	if patterns == nil {
		return c
	}
	c.PatternsReported = patterns.Len()

	found := make(map[string]struct{})
	for row := 0; row < patterns.Len(); row++ {
		seq := ExtractSequence(patterns, row)
		if len(seq) == 0 {
			c.NoveltyInvalid++
			continue
		}
		if len(seq) >= 2 && !graph.VerifyFlows(seq) {
			c.NoveltyInvalid++
			continue
		}
		overlap := false
		for _, address := range seq {
			if _, ok := gt[address]; ok {
				found[address] = struct{}{}
				overlap = true
			}
		}
		if overlap {
			continue
		}
		// a lone address never seen in any transfer is fabricated
		if len(seq) == 1 && !graph.HasAddress(seq[0]) {
			c.NoveltyInvalid++
			continue
		}
		c.NoveltyValid++
	}
	c.GTFound = len(found)
	return c
}

func (e *Engine) featurePerformance(elapsed float64) float64 {
	if elapsed <= 0 {
		return 1.0
	}
	if elapsed >= e.params.MaxFeatureSeconds {
		return 0.0
	}
	ratio := e.params.BaselineFeatureSeconds / elapsed
	return math.Min(1.0, math.Max(0.0, ratio/(1.0+ratio)))
}

func syntheticRecall(found, expected int) float64 {
	if expected == 0 {
		return 1.0
	}
	return float64(found) / float64(expected)
}

func (e *Engine) noveltyDiscovery(valid, expected int) float64 {
	limit := int(float64(expected) * e.params.NoveltyCapRatio)
	if limit == 0 {
		return 0.0
	}
	if valid > limit {
		valid = limit
	}
	return float64(valid) / float64(limit)
}

func cleanSequence(values []string) []string {
	seq := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			seq = append(seq, trimmed)
		}
	}
	return seq
}

func countUnique(values []string) int {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return len(set)
}
