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

package dataset

import (
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type patternFixture struct {
	PatternID   string   `parquet:"pattern_id"`
	PatternType string   `parquet:"pattern_type"`
	Addresses   []string `parquet:"addresses,list"`
	Note        string   `parquet:"note,optional"`
	Confidence  float64  `parquet:"confidence"`
}

func writeFixture[T any](t *testing.T, name string, rows []T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, parquet.WriteFile(path, rows))
	return path
}

func TestReadFrame(t *testing.T) {
	path := writeFixture(t, "patterns.parquet", []patternFixture{
		{PatternID: "p1", PatternType: "cycle", Addresses: []string{"a", "b", "c"}, Note: "seen", Confidence: 0.9},
		{PatternID: "p2", PatternType: "temporal_burst", Addresses: nil, Confidence: 0.1},
	})

	frame, err := ReadFrame(path)
	require.NoError(t, err)

	assert.Equal(t, 2, frame.Len())
	assert.Equal(t, 5, frame.NumColumns())
	assert.True(t, frame.HasColumn("pattern_id"))
	assert.True(t, frame.HasColumn("addresses"))
	assert.False(t, frame.HasColumn("missing"))
	assert.True(t, frame.IsList("addresses"))
	assert.False(t, frame.IsList("pattern_id"))

	assert.Equal(t, []string{"a", "b", "c"}, frame.Strings(0, "addresses"))
	id, ok := frame.Value(0, "pattern_id")
	require.True(t, ok)
	assert.Equal(t, "p1", id)

	// nil slice lands as a null list cell, empty optional string as a null
	assert.Empty(t, frame.Strings(1, "addresses"))
	_, ok = frame.Value(1, "note")
	assert.False(t, ok)
	assert.Equal(t, 1, frame.NullCount("note"))
	assert.Equal(t, 0, frame.NullCount("pattern_id"))
	assert.Equal(t, 2, frame.NullCount("missing"))
}

func TestReadFrameMissingFile(t *testing.T) {
	_, err := ReadFrame(filepath.Join(t.TempDir(), "nope.parquet"))
	assert.Error(t, err)
}

func TestMergeFrames(t *testing.T) {
	left := NewFrame("pattern_id", "pattern_type")
	left.AppendRow(map[string][]string{"pattern_id": {"p1"}, "pattern_type": {"cycle"}})

	right := NewFrame("pattern_id", "addresses")
	right.MarkList("addresses")
	right.AppendRow(map[string][]string{"pattern_id": {"p2"}, "addresses": {"x", "y"}})

	merged := MergeFrames(left, right)
	require.NotNil(t, merged)
	assert.Equal(t, 2, merged.Len())
	assert.ElementsMatch(t, []string{"pattern_id", "pattern_type", "addresses"}, merged.Columns())
	assert.True(t, merged.IsList("addresses"))

	// columns absent from a source frame read as nulls
	assert.Empty(t, merged.Strings(0, "addresses"))
	assert.Equal(t, []string{"x", "y"}, merged.Strings(1, "addresses"))
	_, ok := merged.Value(1, "pattern_type")
	assert.False(t, ok)

	// merge order changes row order, not content
	flipped := MergeFrames(right, left)
	assert.Equal(t, merged.Len(), flipped.Len())
	assert.ElementsMatch(t, merged.Columns(), flipped.Columns())
	assert.Equal(t, []string{"x", "y"}, flipped.Strings(0, "addresses"))
}

func TestMergeFramesNil(t *testing.T) {
	assert.Nil(t, MergeFrames(nil, nil))
	assert.Nil(t, MergeFrames())

	only := NewFrame("a")
	only.AppendRow(map[string][]string{"a": {"1"}})
	merged := MergeFrames(nil, only)
	require.NotNil(t, merged)
	assert.Equal(t, 1, merged.Len())
}
