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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, s.RoundCount)
	assert.Equal(t, []string{"torus"}, s.Networks)
	assert.Equal(t, ScheduleManual, s.ScheduleMode)
	assert.Equal(t, 10*time.Minute, s.BuildTimeout)
	assert.Equal(t, 5*time.Minute, s.RunTimeout)
	assert.Equal(t, 2*time.Minute, s.SubmissionWindow)
	assert.Equal(t, 3*time.Minute, s.InterRoundPause)
	assert.Equal(t, 2.0, s.CPUQuota)
	assert.Equal(t, "arena.evaluations", s.TaskQueue)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ARENA_ROUND_COUNT", "5")
	t.Setenv("ARENA_TEST_NETWORKS", "torus,helix")
	t.Setenv("ARENA_MEMORY_LIMIT", "512m")
	t.Setenv("ARENA_SCHEDULE_MODE", "daily")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, s.RoundCount)
	assert.Equal(t, []string{"torus", "helix"}, s.Networks)
	assert.Equal(t, ScheduleDaily, s.ScheduleMode)
	assert.Equal(t, int64(512*1024*1024), s.MemoryBytes())
}

func TestMemoryBytes(t *testing.T) {
	s := Settings{MemoryLimit: "8g"}
	assert.Equal(t, int64(8*1024*1024*1024), s.MemoryBytes())
}

func TestValidate(t *testing.T) {
	valid := Settings{
		RoundCount:    1,
		Networks:      []string{"torus"},
		ScheduleMode:  ScheduleManual,
		CPUQuota:      1.0,
		MemoryLimit:   "1g",
		FeatureWeight: 0.25,
		RecallWeight:  0.5,
		NoveltyWeight: 0.25,
	}
	require.NoError(t, valid.Validate())

	t.Run("round count", func(t *testing.T) {
		s := valid
		s.RoundCount = 0
		assert.Error(t, s.Validate())
	})
	t.Run("schedule mode", func(t *testing.T) {
		s := valid
		s.ScheduleMode = "hourly"
		assert.Error(t, s.Validate())
	})
	t.Run("memory limit", func(t *testing.T) {
		s := valid
		s.MemoryLimit = "a lot"
		assert.Error(t, s.Validate())
	})
	t.Run("weights", func(t *testing.T) {
		s := valid
		s.NoveltyWeight = 0.5
		assert.Error(t, s.Validate())
	})
	t.Run("networks", func(t *testing.T) {
		s := valid
		s.Networks = nil
		assert.Error(t, s.Validate())
	})
}
