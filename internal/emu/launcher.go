// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
)

// Spec describes one external process launch: command line, environment
// and stream routing. Built per invocation, never persisted.
type Spec struct {
	Argv   []string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// ProcessLauncher starts external processes for a build job. The
// Windows flag describes the job node's OS (which drives tool suffixing
// and environment assembly), not the host running this library.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec Spec) (ProcessHandle, error)
	OSWindows() bool
}

// ProcessHandle is an opaque reference to a launched process. A context
// owns the handle for exactly as long as the emulator is intended to run.
type ProcessHandle interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// ExecLauncher launches processes on the local host with os/exec.
type ExecLauncher struct {
	Windows bool
}

func (l ExecLauncher) OSWindows() bool { return l.Windows }

func (l ExecLauncher) Launch(ctx context.Context, spec Spec) (ProcessHandle, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("launch: empty command line")
	}
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = flattenEnv(spec.Env)
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) PID() int                   { return h.cmd.Process.Pid }
func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }
func (h *execHandle) Kill() error                { return h.cmd.Process.Kill() }
func (h *execHandle) Wait() error                { return h.cmd.Wait() }

// flattenEnv turns an environment map into the sorted KEY=VALUE form
// os/exec expects. Sorted so launches are reproducible in logs.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
