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

package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanDockerfile = `FROM python:3.11-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
USER 1000
CMD ["python", "analyzer.py"]
`

const cleanAnalyzer = `import pandas as pd

def main():
    transfers = pd.read_parquet("/data/input/transfers.parquet")
    features = transfers.groupby("from_address").agg(degree=("to_address", "nunique"))
    features.to_parquet("/data/output/features.parquet")

main()
`

func newChecker(t *testing.T, p Policy) *Checker {
	t.Helper()
	c, err := NewChecker(p, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func kinds(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Kind
	}
	return out
}

func TestValidateCleanSubmission(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"Dockerfile":       cleanDockerfile,
		"analyzer.py":      cleanAnalyzer,
		"requirements.txt": "pandas==2.1.0\npyarrow==14.0.1\n",
		"README.md":        "# analyzer\n",
	})
	violations, err := newChecker(t, Default()).Validate(dir)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidateFiles(t *testing.T) {
	t.Run("missing dockerfile", func(t *testing.T) {
		dir := writeTree(t, map[string]string{"analyzer.py": cleanAnalyzer})
		violations, err := newChecker(t, Default()).ValidateFiles(dir)
		require.NoError(t, err)
		assert.Contains(t, kinds(violations), "missing_required_file")
	})

	t.Run("disallowed extension", func(t *testing.T) {
		dir := writeTree(t, map[string]string{
			"Dockerfile": cleanDockerfile,
			"tool.exe":   "MZ",
		})
		violations, err := newChecker(t, Default()).ValidateFiles(dir)
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, "disallowed_extension", violations[0].Kind)
		assert.Equal(t, "tool.exe", violations[0].File)
	})

	t.Run("file too large", func(t *testing.T) {
		p := Default()
		p.MaxFileBytes = 8
		dir := writeTree(t, map[string]string{
			"Dockerfile": cleanDockerfile,
			"big.txt":    "0123456789",
		})
		violations, err := newChecker(t, p).ValidateFiles(dir)
		require.NoError(t, err)
		assert.Contains(t, kinds(violations), "file_too_large")
	})

	t.Run("too many files", func(t *testing.T) {
		p := Default()
		p.MaxFiles = 2
		dir := writeTree(t, map[string]string{
			"Dockerfile": cleanDockerfile,
			"a.txt":      "a",
			"b.txt":      "b",
		})
		violations, err := newChecker(t, p).ValidateFiles(dir)
		require.NoError(t, err)
		assert.Contains(t, kinds(violations), "too_many_files")
	})

	t.Run("total size exceeded", func(t *testing.T) {
		p := Default()
		p.MaxTotalBytes = 16
		dir := writeTree(t, map[string]string{
			"Dockerfile": cleanDockerfile,
		})
		violations, err := newChecker(t, p).ValidateFiles(dir)
		require.NoError(t, err)
		assert.Contains(t, kinds(violations), "total_size_exceeded")
	})

	t.Run("dotfiles and git internals ignored", func(t *testing.T) {
		dir := writeTree(t, map[string]string{
			"Dockerfile":            cleanDockerfile,
			".env":                  "SECRET=1",
			".git/HEAD":             "ref: refs/heads/main",
			".git/objects/aa/bb.so": "binary",
		})
		violations, err := newChecker(t, Default()).ValidateFiles(dir)
		require.NoError(t, err)
		assert.Empty(t, violations)
	})
}

func TestScanFile(t *testing.T) {
	scan := func(t *testing.T, source string) []Violation {
		t.Helper()
		dir := writeTree(t, map[string]string{"analyzer.py": source})
		violations, err := newChecker(t, Default()).ScanFile(filepath.Join(dir, "analyzer.py"))
		require.NoError(t, err)
		return violations
	}

	t.Run("clean source", func(t *testing.T) {
		assert.Empty(t, scan(t, cleanAnalyzer))
	})

	t.Run("import os", func(t *testing.T) {
		found := kinds(scan(t, "import os\n"))
		assert.Contains(t, found, "dangerous_import")
		assert.Contains(t, found, "dangerous_pattern")
	})

	t.Run("from import", func(t *testing.T) {
		violations := scan(t, "from subprocess import run\n")
		require.NotEmpty(t, violations)
		assert.Contains(t, kinds(violations), "dangerous_import")
	})

	t.Run("multiple imports on one line", func(t *testing.T) {
		violations := scan(t, "import pandas, sys\n")
		require.Len(t, violations, 1)
		assert.Equal(t, "dangerous_import", violations[0].Kind)
		assert.Contains(t, violations[0].Detail, "sys")
	})

	t.Run("dotted import matches on root", func(t *testing.T) {
		violations := scan(t, "import urllib.request\n")
		assert.Contains(t, kinds(violations), "dangerous_import")
	})

	t.Run("dangerous call", func(t *testing.T) {
		violations := scan(t, "x = eval(payload)\n")
		require.Len(t, violations, 1)
		assert.Equal(t, "dangerous_call", violations[0].Kind)
		assert.Contains(t, violations[0].Detail, "eval")
		assert.Equal(t, 1, violations[0].Line)
	})

	t.Run("write mode open", func(t *testing.T) {
		found := kinds(scan(t, "f = open('out.txt', 'w')\n"))
		assert.Contains(t, found, "dangerous_call")
		assert.Contains(t, found, "dangerous_pattern")
	})

	t.Run("dunder escape", func(t *testing.T) {
		violations := scan(t, "().__class__.__mro__\n")
		assert.Contains(t, kinds(violations), "dangerous_pattern")
	})
}

func TestScanCodeReportsRelativePaths(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"pkg/net.py": "import socket\n",
	})
	violations, err := newChecker(t, Default()).ScanCode(dir)
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	assert.Equal(t, filepath.Join("pkg", "net.py"), violations[0].File)
}

func TestValidateDockerfile(t *testing.T) {
	check := func(t *testing.T, content string) []Violation {
		t.Helper()
		dir := writeTree(t, map[string]string{"Dockerfile": content})
		violations, err := newChecker(t, Default()).ValidateDockerfile(filepath.Join(dir, "Dockerfile"))
		require.NoError(t, err)
		return violations
	}

	t.Run("clean", func(t *testing.T) {
		assert.Empty(t, check(t, cleanDockerfile))
	})

	t.Run("privileged flag", func(t *testing.T) {
		content := "FROM python:3.11\nRUN docker run --privileged x\nUSER 1000\n"
		assert.Contains(t, kinds(check(t, content)), "forbidden_instruction")
	})

	t.Run("forbidden pattern is case insensitive", func(t *testing.T) {
		content := "FROM python:3.11\nRUN echo sys_admin\nUSER 1000\n"
		assert.Contains(t, kinds(check(t, content)), "forbidden_instruction")
	})

	t.Run("disallowed base image", func(t *testing.T) {
		content := "FROM ubuntu:22.04\nUSER 1000\n"
		assert.Contains(t, kinds(check(t, content)), "disallowed_base_image")
	})

	t.Run("missing from", func(t *testing.T) {
		content := "RUN true\nUSER 1000\n"
		assert.Contains(t, kinds(check(t, content)), "missing_from")
	})

	t.Run("missing user", func(t *testing.T) {
		content := "FROM python:3.11-alpine\nRUN true\n"
		assert.Contains(t, kinds(check(t, content)), "missing_user")
	})

	t.Run("multi stage checks first base only", func(t *testing.T) {
		content := "FROM python:3.11 AS build\nFROM python:3.11-slim\nUSER 1000\n"
		assert.Empty(t, check(t, content))
	})
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("max_files: 10\nmax_file_bytes: 1024\n"), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, p.MaxFiles)
	assert.Equal(t, int64(1024), p.MaxFileBytes)
	// Untouched knobs keep their defaults.
	assert.Equal(t, Default().ForbiddenImports, p.ForbiddenImports)
	assert.Contains(t, p.AllowedExtensions, ".py")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	assert.Empty(t, Summary(nil))

	one := Summary([]Violation{{Kind: "missing_user", Detail: "no USER directive"}})
	assert.Contains(t, one, "1 violations")
	assert.Contains(t, one, "missing_user")

	many := make([]Violation, 8)
	for i := range many {
		many[i] = Violation{Kind: "dangerous_call", Detail: "call to eval"}
	}
	capped := Summary(many)
	assert.Contains(t, capped, "8 violations")
	assert.True(t, strings.HasSuffix(capped, "..."))
	assert.Less(t, strings.Count(capped, "dangerous_call"), 8)
}
