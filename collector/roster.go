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

package collector

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/codepr/arena/tournament"
)

// Participant is one known miner of the fleet.
type Participant struct {
	UID      int    `yaml:"uid"`
	Key      string `yaml:"hotkey"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Repo     string `yaml:"repository_url,omitempty"`
	Ref      string `yaml:"commit_ref,omitempty"`
}

// Roster enumerates the fleet the collector polls.
type Roster interface {
	Participants(ctx context.Context) ([]Participant, error)
}

// Source returns a participant's current submission pointer.
type Source interface {
	Pointer(ctx context.Context, p Participant) (tournament.RepoPointer, error)
}

// FileRoster reads the fleet from a YAML file, one entry per participant:
//
//	- uid: 0
//	  hotkey: 5F3sa2TJAWMqDhXG6jhV4N8ko9SxwGy8TpaNS1repo5EYjQX
//	  repository_url: https://github.com/miner/analyzer
//	  commit_ref: main
//
// The file is re-read on every poll so fleet changes show up without a
// restart.
type FileRoster struct {
	Path string
}

func (r FileRoster) Participants(context.Context) ([]Participant, error) {
	raw, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading roster %s", r.Path)
	}
	var participants []Participant
	if err := yaml.Unmarshal(raw, &participants); err != nil {
		return nil, errors.Wrapf(err, "parsing roster %s", r.Path)
	}
	return participants, nil
}

// RosterSource serves the pointers declared inline in the roster entries,
// standing in for a miner-side submission endpoint.
type RosterSource struct{}

func (RosterSource) Pointer(_ context.Context, p Participant) (tournament.RepoPointer, error) {
	if p.Repo == "" {
		return tournament.RepoPointer{}, errors.Errorf("participant %s declares no repository", p.Key)
	}
	return tournament.RepoPointer{URL: p.Repo, Ref: p.Ref}, nil
}
