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
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/pkg/errors"
)

// buildLogTail bounds how much of the daemon's build log a BuildError
// carries back to the miner.
const buildLogTail = 50

// BuildImage builds the image at dir's Dockerfile, tags it and returns the
// image ID. Builds run with the default network so base image pulls and pip
// installs work; isolation applies to the evaluation run, not the build.
func (e *Engine) BuildImage(ctx context.Context, dir, tag string) (string, error) {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "packing build context %s", dir)
	}
	defer buildCtx.Close()

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return "", errors.Wrap(err, "starting image build")
	}
	defer resp.Body.Close()

	lines, err := drainBuildStream(resp.Body)
	if err != nil {
		e.logger.Warn().Err(err).Str("tag", tag).Msg("image build failed")
		return "", &BuildError{Log: tailLog(lines, buildLogTail)}
	}

	inspect, _, err := e.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		return "", errors.Wrapf(err, "inspecting image %s", tag)
	}
	e.logger.Info().Str("tag", tag).Str("image_id", inspect.ID).Msg("image built")
	return inspect.ID, nil
}

// drainBuildStream consumes the daemon's progress stream and collects the
// emitted lines. Build failures travel in-band as error messages.
func drainBuildStream(r io.Reader) ([]string, error) {
	var lines []string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, errors.Wrap(err, "decoding build stream")
		}
		if msg.Error != nil {
			lines = append(lines, msg.Error.Message)
			return lines, errors.New(msg.Error.Message)
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			lines = append(lines, s)
		}
		if s := strings.TrimSpace(msg.Status); s != "" {
			lines = append(lines, s)
		}
	}
}

// RemoveImage drops a built image; a missing image is not an error.
func (e *Engine) RemoveImage(ctx context.Context, tag string) error {
	_, err := e.cli.ImageRemove(ctx, tag, types.ImageRemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing image %s", tag)
	}
	return nil
}
