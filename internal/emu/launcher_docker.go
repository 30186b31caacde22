// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"fmt"
	"os"
	"syscall"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerLauncher runs emulator processes inside containers. The
// container shares the host network namespace, so the reserved console,
// adb and callback ports are reachable at the same loopback addresses a
// local launch would use, with no port mapping layer that could drift
// from the reserved set.
//
// Container stdout/stderr stay with the daemon's log driver; the Spec
// writers are not wired, which keeps the handle free of a streaming
// goroutine whose lifetime would outlive Wait.
type DockerLauncher struct {
	Client *client.Client
	Image  string
	// Memory caps the container, in go-units syntax ("4g"). Empty
	// means unlimited.
	Memory  string
	Windows bool
}

// NewDockerLauncher builds a launcher against the daemon the standard
// DOCKER_* environment variables point at.
func NewDockerLauncher(image, memory string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &DockerLauncher{Client: cli, Image: image, Memory: memory}, nil
}

func (l *DockerLauncher) OSWindows() bool { return l.Windows }

func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (ProcessHandle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("launch: empty command line")
	}

	var memLimit int64
	if l.Memory != "" {
		var err error
		memLimit, err = units.RAMInBytes(l.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", l.Memory, err)
		}
	}

	cfg := &container.Config{
		Image: l.Image,
		Cmd:   spec.Argv,
		Env:   flattenEnv(spec.Env),
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode("host"),
		AutoRemove:  true,
		Resources:   container.Resources{Memory: memLimit},
	}

	created, err := l.Client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("emulator image %q not present on daemon: %w", l.Image, err)
		}
		return nil, fmt.Errorf("create emulator container: %w", err)
	}

	if err := l.Client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start emulator container %s: %w", created.ID, err)
	}

	return &dockerHandle{cli: l.Client, id: created.ID}, nil
}

type dockerHandle struct {
	cli *client.Client
	id  string
}

// PID is not meaningful across the daemon boundary.
func (h *dockerHandle) PID() int { return 0 }

func (h *dockerHandle) Signal(sig os.Signal) error {
	name := "TERM"
	switch sig {
	case os.Kill:
		name = "KILL"
	case os.Interrupt, syscall.SIGTERM:
		name = "TERM"
	}
	return h.cli.ContainerKill(context.Background(), h.id, name)
}

func (h *dockerHandle) Kill() error {
	return h.cli.ContainerKill(context.Background(), h.id, "KILL")
}

func (h *dockerHandle) Wait() error {
	waitCh, errCh := h.cli.ContainerWait(context.Background(), h.id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return fmt.Errorf("container %s wait: %s", h.id, resp.Error.Message)
		}
		if resp.StatusCode != 0 {
			return fmt.Errorf("container %s exited with status %d", h.id, resp.StatusCode)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("container %s wait: %w", h.id, err)
	}
}
