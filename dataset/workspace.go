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
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Workspace lays out the scratch tree evaluation runs share:
//
//	{root}/tournaments/{id}/rounds/{r}/input/transfers.parquet
//	{root}/tournaments/{id}/rounds/{r}/output/{participant_key}/
//	{root}/clones/{submission_id}/
//
// The round input is written once per round, first writer wins; output
// directories are single-writer, one per participant.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at the given directory.
func NewWorkspace(root string) Workspace {
	return Workspace{root: root}
}

func (w Workspace) roundDir(tournamentID string, round int) string {
	return filepath.Join(w.root, "tournaments", tournamentID, "rounds", strconv.Itoa(round))
}

// RoundInputDir returns the shared input directory of a round.
func (w Workspace) RoundInputDir(tournamentID string, round int) string {
	return filepath.Join(w.roundDir(tournamentID, round), "input")
}

// RoundInputFile returns the shared transfers file of a round.
func (w Workspace) RoundInputFile(tournamentID string, round int) string {
	return filepath.Join(w.RoundInputDir(tournamentID, round), "transfers.parquet")
}

// OutputDir returns the per-participant output directory of a round.
func (w Workspace) OutputDir(tournamentID string, round int, participantKey string) string {
	return filepath.Join(w.roundDir(tournamentID, round), "output", participantKey)
}

// EnsureOutputDir creates and returns the per-participant output directory.
// The container user is unprivileged and must be able to write into it.
func (w Workspace) EnsureOutputDir(tournamentID string, round int, participantKey string) (string, error) {
	dir := w.OutputDir(tournamentID, round, participantKey)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	// MkdirAll is clipped by the umask.
	if err := os.Chmod(dir, 0777); err != nil {
		return "", errors.Wrapf(err, "chmod %s", dir)
	}
	return dir, nil
}

// CloneDir returns the checkout directory for a submission.
func (w Workspace) CloneDir(submissionID string) string {
	return filepath.Join(w.root, "clones", submissionID)
}

// EnsureRoundInput makes the shared transfers file of a round available,
// copying it from the corpus when it is not there yet. Concurrent callers
// race safely: the copy lands through a temp file and an atomic rename, and
// every racer copies the same snapshot, so whichever rename wins the file is
// complete and identical.
func (w Workspace) EnsureRoundInput(tournamentID string, round int, src string) (string, error) {
	dst := w.RoundInputFile(tournamentID, round)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".transfers-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temp input")
	}
	defer os.Remove(tmp.Name())

	source, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "opening corpus file %s", src)
	}
	_, err = io.Copy(tmp, source)
	source.Close()
	if err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "copying %s", src)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing temp input")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", errors.Wrap(err, "chmod temp input")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.Wrapf(err, "publishing %s", dst)
	}
	return dst, nil
}

// RemoveClone deletes a submission checkout; safe to call twice.
func (w Workspace) RemoveClone(submissionID string) error {
	return os.RemoveAll(w.CloneDir(submissionID))
}

// RemoveOutput deletes a participant's round output; safe to call twice.
func (w Workspace) RemoveOutput(tournamentID string, round int, participantKey string) error {
	return os.RemoveAll(w.OutputDir(tournamentID, round, participantKey))
}
