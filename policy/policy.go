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

// Package policy enforces the static checks a submission has to pass before
// anything gets built: file layout and size limits, a lexical scan of the
// analyzer code for dangerous imports and calls, and Dockerfile hardening
// rules. Every check produces Violations rather than a single error so the
// full list can be persisted with the submission and shown to participants.
package policy

import (
	"fmt"
	"gopkg.in/yaml.v2"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Violation is a single policy breach found in a submission. Kind is a
// stable machine-readable label, Detail the human-readable explanation.
type Violation struct {
	Kind   string `json:"kind"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Detail string `json:"detail"`
}

func (v Violation) Error() string {
	switch {
	case v.File != "" && v.Line > 0:
		return fmt.Sprintf("%s: %s (%s:%d)", v.Kind, v.Detail, v.File, v.Line)
	case v.File != "":
		return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Detail, v.File)
	default:
		return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
	}
}

// Summary renders the violation list into a single line suitable for the
// submission error column, capped so a pathological repository cannot blow
// up the row.
func Summary(violations []Violation) string {
	const maxShown = 5
	if len(violations) == 0 {
		return ""
	}
	shown := violations
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	parts := make([]string, len(shown))
	for i, v := range shown {
		parts[i] = v.Error()
	}
	line := fmt.Sprintf("%d violations: %s", len(violations), strings.Join(parts, "; "))
	if len(violations) > maxShown {
		line += "; ..."
	}
	return line
}

// Policy holds the tunable knobs for every check. The zero value is not
// usable, start from Default and override selectively, typically through a
// yaml file.
type Policy struct {
	AllowedExtensions   []string `yaml:"allowed_extensions"`
	RequiredFiles       []string `yaml:"required_files"`
	MaxFileBytes        int64    `yaml:"max_file_bytes"`
	MaxTotalBytes       int64    `yaml:"max_total_bytes"`
	MaxFiles            int      `yaml:"max_files"`
	ForbiddenImports    []string `yaml:"forbidden_imports"`
	ForbiddenCalls      []string `yaml:"forbidden_calls"`
	ForbiddenPatterns   []string `yaml:"forbidden_patterns"`
	DockerfileForbidden []string `yaml:"dockerfile_forbidden"`
	AllowedBaseImages   []string `yaml:"allowed_base_images"`
}

// Default returns the production policy. Analyzers are Python images that
// read parquet from a mounted directory, so anything that spawns processes,
// opens sockets or escapes the interpreter is banned outright.
func Default() Policy {
	return Policy{
		AllowedExtensions: []string{
			".py", ".txt", ".md", ".json", ".yaml", ".yml", ".toml",
			".cfg", ".ini", ".sh", ".dockerfile", ".gitignore",
			".dockerignore", ".parquet", ".csv",
		},
		RequiredFiles: []string{"Dockerfile"},
		MaxFileBytes:  10 << 20,
		MaxTotalBytes: 100 << 20,
		MaxFiles:      500,
		ForbiddenImports: []string{
			"subprocess", "os", "sys", "socket", "requests", "urllib",
			"http", "ftplib", "smtplib", "paramiko", "fabric", "pexpect",
			"pty", "ctypes", "multiprocessing", "threading", "asyncio",
			"aiohttp", "httpx",
		},
		ForbiddenCalls: []string{
			"exec", "eval", "compile", "open", "__import__", "getattr",
			"setattr", "delattr", "globals", "locals", "vars", "input",
		},
		ForbiddenPatterns: []string{
			`import\s+os`,
			`from\s+os\s+import`,
			`subprocess\.run`,
			`subprocess\.Popen`,
			`subprocess\.call`,
			`os\.system`,
			`os\.popen`,
			`os\.exec`,
			`socket\.socket`,
			`requests\.get`,
			`requests\.post`,
			`urllib\.request`,
			`http\.client`,
			`open\s*\([^)]*['"][wax]`,
			`__builtins__`,
			`__class__`,
			`__mro__`,
			`__subclasses__`,
		},
		DockerfileForbidden: []string{
			`--privileged`,
			`--cap-add`,
			`--security-opt.*unconfined`,
			`host\.docker\.internal`,
			`docker\.sock`,
			`SYS_ADMIN`,
			`SYS_PTRACE`,
			`NET_ADMIN`,
			`--net=host`,
			`--network=host`,
			`--pid=host`,
			`--ipc=host`,
		},
		AllowedBaseImages: []string{
			`^python:[0-9]+\.[0-9]+`,
			`^python:[0-9]+\.[0-9]+-slim`,
			`^python:[0-9]+\.[0-9]+-alpine`,
		},
	}
}

// Load reads a yaml policy file on top of the defaults, so operators only
// have to spell out the knobs they want to change.
func Load(path string) (Policy, error) {
	policy := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errors.Wrapf(err, "reading policy file %s", path)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, errors.Wrapf(err, "parsing policy file %s", path)
	}
	return policy, nil
}

var (
	importLine = regexp.MustCompile(`^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`)
	fromLine   = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
)

// Checker is a Policy with all its regular expressions compiled once.
type Checker struct {
	policy     Policy
	extensions map[string]struct{}
	imports    map[string]struct{}
	calls      *regexp.Regexp
	patterns   []*regexp.Regexp
	dockerBans []*regexp.Regexp
	baseImages []*regexp.Regexp
	logger     zerolog.Logger
}

func NewChecker(policy Policy, logger zerolog.Logger) (*Checker, error) {
	c := &Checker{
		policy:     policy,
		extensions: make(map[string]struct{}, len(policy.AllowedExtensions)),
		imports:    make(map[string]struct{}, len(policy.ForbiddenImports)),
		logger:     logger,
	}
	for _, ext := range policy.AllowedExtensions {
		c.extensions[strings.ToLower(ext)] = struct{}{}
	}
	for _, name := range policy.ForbiddenImports {
		c.imports[name] = struct{}{}
	}
	if len(policy.ForbiddenCalls) > 0 {
		quoted := make([]string, len(policy.ForbiddenCalls))
		for i, name := range policy.ForbiddenCalls {
			quoted[i] = regexp.QuoteMeta(name)
		}
		expr, err := regexp.Compile(`\b(` + strings.Join(quoted, "|") + `)\s*\(`)
		if err != nil {
			return nil, errors.Wrap(err, "compiling call blocklist")
		}
		c.calls = expr
	}
	for _, pattern := range policy.ForbiddenPatterns {
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling pattern %q", pattern)
		}
		c.patterns = append(c.patterns, expr)
	}
	for _, pattern := range policy.DockerfileForbidden {
		expr, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling dockerfile pattern %q", pattern)
		}
		c.dockerBans = append(c.dockerBans, expr)
	}
	for _, pattern := range policy.AllowedBaseImages {
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling base image pattern %q", pattern)
		}
		c.baseImages = append(c.baseImages, expr)
	}
	return c, nil
}

// Validate runs all checks against a cloned submission directory and
// returns the combined violation list. An error means the directory could
// not be inspected at all, not that the submission is bad.
func (c *Checker) Validate(dir string) ([]Violation, error) {
	violations, err := c.ValidateFiles(dir)
	if err != nil {
		return nil, err
	}
	code, err := c.ScanCode(dir)
	if err != nil {
		return nil, err
	}
	violations = append(violations, code...)

	dockerfile := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(dockerfile); err == nil {
		dv, err := c.ValidateDockerfile(dockerfile)
		if err != nil {
			return nil, err
		}
		violations = append(violations, dv...)
	}

	c.logger.Info().
		Str("dir", dir).
		Int("violations", len(violations)).
		Msg("submission validated")
	return violations, nil
}

// ValidateFiles checks the repository layout: required files, extension
// whitelist, per-file and total size, file count. Dotfiles are exempt from
// the per-file rules but still count toward the file limit; VCS internals
// under .git are ignored entirely.
func (c *Checker) ValidateFiles(dir string) ([]Violation, error) {
	var violations []Violation
	for _, name := range c.policy.RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			violations = append(violations, Violation{
				Kind:   "missing_required_file",
				Detail: fmt.Sprintf("missing required file: %s", name),
			})
		}
	}

	var count int
	var total int64
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		if strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		rel, _ := filepath.Rel(dir, path)
		if !c.allowedFile(entry.Name()) {
			violations = append(violations, Violation{
				Kind:   "disallowed_extension",
				File:   rel,
				Detail: fmt.Sprintf("disallowed file type: %s", filepath.Ext(entry.Name())),
			})
		}
		if info.Size() > c.policy.MaxFileBytes {
			violations = append(violations, Violation{
				Kind:   "file_too_large",
				File:   rel,
				Detail: fmt.Sprintf("file size %d exceeds %d bytes", info.Size(), c.policy.MaxFileBytes),
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", dir)
	}

	if count > c.policy.MaxFiles {
		violations = append(violations, Violation{
			Kind:   "too_many_files",
			Detail: fmt.Sprintf("found %d files, max is %d", count, c.policy.MaxFiles),
		})
	}
	if total > c.policy.MaxTotalBytes {
		violations = append(violations, Violation{
			Kind:   "total_size_exceeded",
			Detail: fmt.Sprintf("total size %d exceeds %d bytes", total, c.policy.MaxTotalBytes),
		})
	}
	return violations, nil
}

func (c *Checker) allowedFile(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := c.extensions[strings.ToLower(filepath.Ext(name))]; ok {
		return true
	}
	switch lower {
	case "dockerfile", "requirements.txt", "setup.py", "pyproject.toml":
		return true
	}
	return false
}

// ScanCode scans every Python file for forbidden imports, call sites and
// raw text patterns. The scan is lexical: it never executes or parses the
// code with a real interpreter, it only has to be strict enough that
// escaping it means writing Python that no longer looks like Python.
func (c *Checker) ScanCode(dir string) ([]Violation, error) {
	var violations []Violation
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(entry.Name()), ".py") {
			return nil
		}
		found, err := c.ScanFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		for i := range found {
			found[i].File = rel
		}
		violations = append(violations, found...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", dir)
	}
	return violations, nil
}

// ScanFile scans a single source file. Violations come back without the
// File field set, the caller decides how paths should be reported.
func (c *Checker) ScanFile(path string) ([]Violation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var violations []Violation
	for i, line := range strings.Split(string(raw), "\n") {
		lineno := i + 1
		for _, pattern := range c.patterns {
			if pattern.MatchString(line) {
				violations = append(violations, Violation{
					Kind:   "dangerous_pattern",
					Line:   lineno,
					Detail: fmt.Sprintf("matched pattern: %s", pattern.String()),
				})
			}
		}
		if m := importLine.FindStringSubmatch(line); m != nil {
			for _, module := range strings.Split(m[1], ",") {
				root := strings.SplitN(strings.TrimSpace(module), ".", 2)[0]
				if _, ok := c.imports[root]; ok {
					violations = append(violations, Violation{
						Kind:   "dangerous_import",
						Line:   lineno,
						Detail: fmt.Sprintf("import of %s", strings.TrimSpace(module)),
					})
				}
			}
		}
		if m := fromLine.FindStringSubmatch(line); m != nil {
			root := strings.SplitN(m[1], ".", 2)[0]
			if _, ok := c.imports[root]; ok {
				violations = append(violations, Violation{
					Kind:   "dangerous_import",
					Line:   lineno,
					Detail: fmt.Sprintf("import from %s", m[1]),
				})
			}
		}
		if c.calls != nil {
			for _, m := range c.calls.FindAllStringSubmatch(line, -1) {
				violations = append(violations, Violation{
					Kind:   "dangerous_call",
					Line:   lineno,
					Detail: fmt.Sprintf("call to %s", m[1]),
				})
			}
		}
	}
	return violations, nil
}

// ValidateDockerfile checks the hardening rules: no privileged or host
// escape flags anywhere, first stage base image from the pinned allowlist,
// and an explicit USER so the analyzer never runs as root.
func (c *Checker) ValidateDockerfile(path string) ([]Violation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	content := string(raw)
	lines := strings.Split(content, "\n")

	var violations []Violation
	for _, ban := range c.dockerBans {
		if ban.MatchString(content) {
			violations = append(violations, Violation{
				Kind:   "forbidden_instruction",
				Detail: fmt.Sprintf("found forbidden pattern: %s", ban.String()),
			})
		}
	}

	var sawFrom bool
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(trimmed), "FROM ") {
			continue
		}
		sawFrom = true
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			violations = append(violations, Violation{
				Kind:   "disallowed_base_image",
				Detail: "FROM instruction without an image",
			})
			break
		}
		image := fields[1]
		var allowed bool
		for _, pattern := range c.baseImages {
			if pattern.MatchString(image) {
				allowed = true
				break
			}
		}
		if !allowed {
			violations = append(violations, Violation{
				Kind:   "disallowed_base_image",
				Detail: fmt.Sprintf("base image not in allowlist: %s", image),
			})
		}
		// First stage only, later stages build on it.
		break
	}
	if !sawFrom {
		violations = append(violations, Violation{
			Kind:   "missing_from",
			Detail: "no FROM instruction found",
		})
	}

	var sawUser bool
	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "USER ") {
			sawUser = true
			break
		}
	}
	if !sawUser {
		violations = append(violations, Violation{
			Kind:   "missing_user",
			Detail: "no USER directive, container would run as root",
		})
	}
	return violations, nil
}
