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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepoPointerValidate(t *testing.T) {
	cases := []struct {
		name    string
		pointer RepoPointer
		wantErr error
	}{
		{
			name:    "plain repo with sha",
			pointer: RepoPointer{URL: "https://github.com/acme/detector", Ref: "a1b2c3d"},
		},
		{
			name:    "dot git suffix",
			pointer: RepoPointer{URL: "https://github.com/acme/detector.git", Ref: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		},
		{
			name:    "branch reference",
			pointer: RepoPointer{URL: "https://github.com/acme/detector", Ref: "feature/faster-motifs"},
		},
		{
			name:    "http scheme rejected",
			pointer: RepoPointer{URL: "http://github.com/acme/detector", Ref: "main"},
			wantErr: ErrInvalidRepoURL,
		},
		{
			name:    "non github host rejected",
			pointer: RepoPointer{URL: "https://gitlab.com/acme/detector", Ref: "main"},
			wantErr: ErrInvalidRepoURL,
		},
		{
			name:    "extra path segment rejected",
			pointer: RepoPointer{URL: "https://github.com/acme/detector/tree/main", Ref: "main"},
			wantErr: ErrInvalidRepoURL,
		},
		{
			name:    "empty ref rejected",
			pointer: RepoPointer{URL: "https://github.com/acme/detector", Ref: ""},
			wantErr: ErrInvalidRef,
		},
		{
			name:    "overlong branch rejected",
			pointer: RepoPointer{URL: "https://github.com/acme/detector", Ref: strings.Repeat("x", 256)},
			wantErr: ErrInvalidRef,
		},
		{
			name:    "ref with spaces rejected",
			pointer: RepoPointer{URL: "https://github.com/acme/detector", Ref: "my branch"},
			wantErr: ErrInvalidRef,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pointer.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestRepoPointerIsSHA(t *testing.T) {
	assert.True(t, RepoPointer{Ref: "a1b2c3d"}.IsSHA())
	assert.True(t, RepoPointer{Ref: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}.IsSHA())
	// 6 hex digits is below the minimum length for a sha
	assert.False(t, RepoPointer{Ref: "a1b2c3"}.IsSHA())
	assert.False(t, RepoPointer{Ref: "main"}.IsSHA())
	assert.False(t, RepoPointer{Ref: "feature/x"}.IsSHA())
}

func TestSubmissionBuilt(t *testing.T) {
	sub := &Submission{Status: SubmissionValid, ImageDigest: "sha256:abc"}
	assert.True(t, sub.Built())

	assert.False(t, (&Submission{Status: SubmissionValid}).Built())
	assert.False(t, (&Submission{Status: SubmissionPending, ImageDigest: "sha256:abc"}).Built())
}
