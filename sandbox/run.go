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

package sandbox

import (
	"bytes"
	"context"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

const (
	inputMount  = "/data/input"
	outputMount = "/data/output"

	// maxLogBytes bounds how much container output a run keeps.
	maxLogBytes = 10000

	// maxPids caps processes inside a run, plenty for a multiprocessing
	// pool and far below fork bomb territory.
	maxPids = 256
)

// RunSpec describes one container evaluation. The image's own CMD does the
// work; the contract is purely filesystem based.
type RunSpec struct {
	Name      string
	Image     string
	InputDir  string
	OutputDir string
	Timeout   time.Duration
	Memory    int64
	NanoCPUs  int64
}

// RunResult is the observable outcome of a container run. A timed out run
// has exit code -1 and no logs.
type RunResult struct {
	ExitCode int64
	TimedOut bool
	Logs     string
	Duration time.Duration
}

func hostConfig(spec RunSpec) *container.HostConfig {
	pids := int64(maxPids)
	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Binds: []string{
			spec.InputDir + ":" + inputMount + ":ro",
			spec.OutputDir + ":" + outputMount + ":rw",
		},
		Tmpfs:       map[string]string{"/tmp": "size=100m"},
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     spec.Memory,
			MemorySwap: spec.Memory,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pids,
		},
	}
}

// Run executes one evaluation container to completion or timeout. The
// container is force-removed on every path out.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	// A worker crash can leave a named container behind; the name is
	// per run, so clear it before creating.
	_ = e.cli.ContainerRemove(ctx, spec.Name, types.ContainerRemoveOptions{Force: true})

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{Image: spec.Image},
		hostConfig(spec), nil, nil, spec.Name)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "creating container")
	}
	id := created.ID
	defer func() {
		// Removal must survive a cancelled evaluation context.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := e.cli.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("container", id).Msg("container remove failed")
		}
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return RunResult{}, errors.Wrap(err, "starting container")
	}

	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var result RunResult
	select {
	case status := <-waitCh:
		result.ExitCode = status.StatusCode
	case err := <-errCh:
		return RunResult{}, errors.Wrap(err, "waiting for container")
	case <-timer.C:
		result.TimedOut = true
		result.ExitCode = -1
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.cli.ContainerKill(killCtx, id, "SIGKILL"); err != nil {
			e.logger.Warn().Err(err).Str("container", id).Msg("container kill failed")
		}
		cancel()
	}
	result.Duration = time.Since(start)

	if !result.TimedOut {
		logs, err := e.containerLogs(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("container", id).Msg("reading container logs failed")
		}
		result.Logs = logs
	}

	e.logger.Info().
		Str("image", spec.Image).
		Int64("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("container finished")
	return result, nil
}

// containerLogs fetches and demuxes both streams; containers run without a
// TTY so stdout and stderr arrive multiplexed.
func (e *Engine) containerLogs(ctx context.Context, id string) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "requesting logs")
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return Truncate(buf.String(), maxLogBytes), errors.Wrap(err, "demuxing logs")
	}
	return Truncate(buf.String(), maxLogBytes), nil
}
