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

package tournament

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// SubmissionStatus enumerates the submission lifecycle. Transitions to
// `valid` or `invalid` happen exactly once, during evaluation; once invalid a
// submission keeps its original failure reason.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionValidating SubmissionStatus = "validating"
	SubmissionValid      SubmissionStatus = "valid"
	SubmissionInvalid    SubmissionStatus = "invalid"
)

// Pointer formats accepted from untrusted participants. Anything that does
// not match is rejected before it ever reaches the store.
var (
	repoURLPattern   = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9_-]+/[A-Za-z0-9_.-]+(?:\.git)?$`)
	commitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
	branchRefPattern = regexp.MustCompile(`^[\w\-./]{1,255}$`)
)

var (
	ErrInvalidRepoURL = errors.New("invalid repository url")
	ErrInvalidRef     = errors.New("invalid commit reference")
)

// RepoPointer is a participant's (repository, revision) submission pointer.
type RepoPointer struct {
	URL string `json:"repository_url"`
	Ref string `json:"commit_ref"`
}

// Validate applies the strict format rules for pointers collected from
// miners: a plain https GitHub repository URL and either a 7-40 hex digit
// commit SHA or a branch name.
func (p RepoPointer) Validate() error {
	if !repoURLPattern.MatchString(p.URL) {
		return ErrInvalidRepoURL
	}
	if !commitSHAPattern.MatchString(p.Ref) && !branchRefPattern.MatchString(p.Ref) {
		return ErrInvalidRef
	}
	return nil
}

// IsSHA reports whether the reference is already a pinned commit hash.
func (p RepoPointer) IsSHA() bool {
	return commitSHAPattern.MatchString(p.Ref)
}

// Equal compares two pointers field by field.
func (p RepoPointer) Equal(other RepoPointer) bool {
	return p.URL == other.URL && p.Ref == other.Ref
}

// Submission is a participant's entry in one tournament: the repository
// pointer plus the derived build artifact. Unique per (tournament,
// participant key).
type Submission struct {
	ID             string
	TournamentID   string
	ParticipantKey string
	ParticipantUID int
	Repo           RepoPointer
	ImageDigest    string
	Status         SubmissionStatus
	Error          string
	SubmittedAt    time.Time
	ValidatedAt    *time.Time
}

// Built reports whether the submission already carries a validated build, in
// which case re-validation and re-build are skipped.
func (s *Submission) Built() bool {
	return s.Status == SubmissionValid && s.ImageDigest != ""
}
