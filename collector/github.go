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
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v32/github"
	"github.com/pkg/errors"
)

// GitHubResolver pins refs through the GitHub commits API.
type GitHubResolver struct {
	client *github.Client
}

// NewGitHubResolver returns a resolver; an empty token means anonymous
// requests with their much lower rate limit.
func NewGitHubResolver(token string) *GitHubResolver {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	if token != "" {
		httpClient.Transport = &tokenTransport{token: token, base: http.DefaultTransport}
	}
	return &GitHubResolver{client: github.NewClient(httpClient)}
}

func (r *GitHubResolver) Resolve(ctx context.Context, repoURL, ref string) (string, error) {
	owner, name, err := splitRepo(repoURL)
	if err != nil {
		return "", err
	}
	sha, _, err := r.client.Repositories.GetCommitSHA1(ctx, owner, name, ref, "")
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s@%s", repoURL, ref)
	}
	return sha, nil
}

// splitRepo extracts owner and repository from a github https URL.
func splitRepo(repoURL string) (string, string, error) {
	trimmed := strings.TrimPrefix(repoURL, "https://github.com/")
	if trimmed == repoURL {
		return "", "", errors.Errorf("not a github repository: %s", repoURL)
	}
	trimmed = strings.TrimSuffix(trimmed, ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("malformed repository url: %s", repoURL)
	}
	return parts[0], parts[1], nil
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(clone)
}
