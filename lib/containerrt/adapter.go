// Copyright 2022 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package containerrt implements the Container Runtime Adapter (spec
// §4.3): a uniform façade over whichever container runtime the host
// offers. The client construction — client.NewClientWithOpts against each
// candidate socket with a pinned API version — is grounded on
// NewDockerCommand in lazydocker's pkg/commands/docker.go. Podman
// exposes the same Docker-compatible engine API over its own socket, so
// detect() tries it as a fallback without a second SDK.
package containerrt

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/gwerrors"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/store"
)

const apiVersion = "1.41"

// Runtime names returned by Detect.
const (
	RuntimeDocker = "docker"
	RuntimePodman = "podman"
)

// candidateSocket is one runtime the adapter will probe, in order.
type candidateSocket struct {
	runtime string
	host    string
}

func defaultCandidates() []candidateSocket {
	return []candidateSocket{
		{runtime: RuntimeDocker, host: "unix:///var/run/docker.sock"},
		{runtime: RuntimePodman, host: "unix:///run/podman/podman.sock"},
	}
}

// Config bundles the adapter's dependencies.
type Config struct {
	Store *store.Store
	// Candidates overrides the probe order; tests substitute sockets that
	// do not exist.
	Candidates []candidateSocket
	Log        logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Candidates == nil {
		c.Candidates = defaultCandidates()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, termgateway.ComponentContainer)
	}
	return nil
}

// Adapter is the Container Runtime Adapter. detect() result is cached for
// the process lifetime per §4.3.
type Adapter struct {
	cfg Config

	detectOnce sync.Once
	detectErr  error
	cli        *client.Client
	runtime    string
}

// New constructs an Adapter. No socket is probed until the first Detect.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Adapter{cfg: cfg}, nil
}

// Detect probes candidate runtimes in order and caches the first that
// answers a Ping. Subsequent calls are O(1).
func (a *Adapter) Detect(ctx context.Context) (string, error) {
	a.detectOnce.Do(func() {
		for _, cand := range a.cfg.Candidates {
			cli, err := client.NewClientWithOpts(
				client.WithHost(cand.host),
				client.WithVersion(apiVersion),
			)
			if err != nil {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, err = cli.Ping(pingCtx)
			cancel()
			if err != nil {
				cli.Close()
				continue
			}
			a.cli = cli
			a.runtime = cand.runtime
			return
		}
		a.detectErr = gwerrors.Newf(gwerrors.NoRuntime, "no container runtime found among %d candidates", len(a.cfg.Candidates))
	})
	return a.runtime, a.detectErr
}

func (a *Adapter) client(ctx context.Context) (*client.Client, error) {
	if _, err := a.Detect(ctx); err != nil {
		return nil, err
	}
	return a.cli, nil
}

// ListLocalImages returns the set of image references already present
// locally, used only to short-circuit EnsureImage.
func (a *Adapter) ListLocalImages(ctx context.Context) (map[string]struct{}, error) {
	cli, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	images, err := cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, gwerrors.New(gwerrors.NoRuntime, trace.Wrap(err))
	}
	out := make(map[string]struct{})
	for _, img := range images {
		for _, tag := range img.RepoTags {
			out[tag] = struct{}{}
		}
	}
	return out, nil
}

// EnsureImage pulls image if it is not already present locally.
func (a *Adapter) EnsureImage(ctx context.Context, image string) error {
	cli, err := a.client(ctx)
	if err != nil {
		return err
	}

	local, err := a.ListLocalImages(ctx)
	if err != nil {
		return err
	}
	if _, ok := local[image]; ok {
		return nil
	}

	reader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return gwerrors.New(gwerrors.PullFailed, trace.Wrap(err))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return gwerrors.New(gwerrors.PullFailed, trace.Wrap(err))
	}

	if err := a.cfg.Store.RememberImage(image); err != nil {
		a.cfg.Log.WithError(err).Warn("Failed to persist remembered image.")
	}
	return nil
}

// containerName derives the deterministic container name from a session id
// (§4.3).
func containerName(id session.ID) string {
	return "termgateway-" + string(id)
}

// CreateContainer starts a detached, auto-removing container named after
// id, running a minimal shell as its init command.
func (a *Adapter) CreateContainer(ctx context.Context, id session.ID, image string) (string, error) {
	cli, err := a.client(ctx)
	if err != nil {
		return "", err
	}

	name := containerName(id)
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Cmd:          []string{"/bin/sh"},
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		AutoRemove: true,
	}, nil, nil, name)
	if err != nil {
		return "", gwerrors.New(gwerrors.CreateFailed, trace.Wrap(err))
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", gwerrors.New(gwerrors.CreateFailed, trace.Wrap(err))
	}

	return name, nil
}

// ExecSpec returns the externally invokable command that attaches an
// interactive shell inside containerName, for the caller to run under its
// own pseudo-terminal.
func (a *Adapter) ExecSpec(containerName string) (string, []string) {
	bin := "docker"
	if a.runtime == RuntimePodman {
		bin = "podman"
	}
	return bin, []string{"exec", "-it", containerName, "/bin/sh"}
}

// Stop issues a stop request for containerName. Idempotent: a container
// already gone (e.g. via auto-removal) is success.
func (a *Adapter) Stop(ctx context.Context, containerName string) error {
	cli, err := a.client(ctx)
	if err != nil {
		return err
	}
	timeout := 5
	err = cli.ContainerStop(ctx, containerName, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return gwerrors.New(gwerrors.StopFailed, trace.Wrap(err))
	}
	return nil
}

// ContainerExists reports whether containerName is still listed by the
// runtime, used by the local registry after Stop to warn when auto-removal
// has not yet taken effect.
func (a *Adapter) ContainerExists(ctx context.Context, containerName string) (bool, error) {
	cli, err := a.client(ctx)
	if err != nil {
		return false, err
	}
	args := filters.NewArgs()
	args.Add("name", containerName)
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return len(containers) > 0, nil
}
