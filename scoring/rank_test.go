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

package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRank(t *testing.T) {
	ranked := Rank(map[string]float64{
		"carol": 0.2,
		"alice": 0.6,
		"bob":   0.2,
	})
	require.Len(t, ranked, 3)

	assert.Equal(t, "alice", ranked[0].Key)
	assert.Equal(t, 1, ranked[0].Rank)
	// Ties broken by key so the order is stable across runs.
	assert.Equal(t, "bob", ranked[1].Key)
	assert.Equal(t, 2, ranked[1].Rank)
	assert.Equal(t, "carol", ranked[2].Key)
	assert.Equal(t, 3, ranked[2].Rank)

	assert.InDelta(t, 0.6, ranked[0].Weight, 1e-9)
	assert.InDelta(t, 0.2, ranked[1].Weight, 1e-9)
	assert.InDelta(t, 0.2, ranked[2].Weight, 1e-9)

	var sum float64
	for _, r := range ranked {
		sum += r.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestRankZeroScores(t *testing.T) {
	ranked := Rank(map[string]float64{"alice": 0, "bob": 0})
	require.Len(t, ranked, 2)
	for _, r := range ranked {
		assert.Equal(t, 0.0, r.Weight)
	}
	assert.Equal(t, "alice", ranked[0].Key)
	assert.Equal(t, 1, ranked[0].Rank)
}

func TestRankEmpty(t *testing.T) {
	assert.Empty(t, Rank(nil))
	assert.Empty(t, Rank(map[string]float64{}))
}
