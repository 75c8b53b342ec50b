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

package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/codepr/arena/dataset"
	"github.com/pkg/errors"
)

// Artifact reads never fail the worker: whatever a miner did to its output
// directory, a missing or unreadable table reads as nil and the scoring
// gates take it from there.

// ReadFeatures loads the features table a run wrote, nil when absent or
// unreadable.
func (e *Engine) ReadFeatures(outputDir string) *dataset.Frame {
	path := filepath.Join(outputDir, "features.parquet")
	frame, err := dataset.ReadFrame(path)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			e.logger.Warn().Err(err).Msg("unreadable features output")
		}
		return nil
	}
	return frame
}

// ReadPatterns loads the patterns table of a run: patterns.parquet when
// present, otherwise every patterns_*.parquet shard merged. Nil when the
// run reported nothing readable.
func (e *Engine) ReadPatterns(outputDir string) *dataset.Frame {
	single := filepath.Join(outputDir, "patterns.parquet")
	frame, err := dataset.ReadFrame(single)
	if err == nil {
		return frame
	}
	if !os.IsNotExist(errors.Cause(err)) {
		e.logger.Warn().Err(err).Msg("unreadable patterns output")
		return nil
	}

	// Glob returns the shards sorted, merge order is stable.
	shards, err := filepath.Glob(filepath.Join(outputDir, "patterns_*.parquet"))
	if err != nil || len(shards) == 0 {
		return nil
	}
	frames := make([]*dataset.Frame, 0, len(shards))
	for _, shard := range shards {
		frame, err := dataset.ReadFrame(shard)
		if err != nil {
			e.logger.Warn().Err(err).Str("file", shard).Msg("unreadable patterns shard")
			return nil
		}
		frames = append(frames, frame)
	}
	return dataset.MergeFrames(frames...)
}

// Timings is the optional self-reported split of container wall time
// between the feature and pattern stages.
type Timings struct {
	FeatureSeconds float64 `json:"feature_seconds"`
	PatternSeconds float64 `json:"pattern_seconds"`
}

// ReadTimings loads the optional timings manifest. The second return is
// false when the manifest is absent or unusable and the caller falls back
// to apportioning wall time.
func (e *Engine) ReadTimings(outputDir string) (Timings, bool) {
	raw, err := os.ReadFile(filepath.Join(outputDir, "timings.json"))
	if err != nil {
		return Timings{}, false
	}
	var t Timings
	if err := json.Unmarshal(raw, &t); err != nil {
		e.logger.Warn().Err(err).Msg("malformed timings manifest")
		return Timings{}, false
	}
	if t.FeatureSeconds < 0 || t.PatternSeconds < 0 {
		return Timings{}, false
	}
	return t, true
}
