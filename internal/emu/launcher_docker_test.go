// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"testing"
)

// These tests never reach a docker daemon: both failure paths return
// before the client is touched.

func TestDockerLauncherEmptyArgv(t *testing.T) {
	l := &DockerLauncher{Image: "ci/android-emulator:35"}
	if _, err := l.Launch(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error for empty command line")
	}
}

func TestDockerLauncherRejectsBadMemoryLimit(t *testing.T) {
	l := &DockerLauncher{Image: "ci/android-emulator:35", Memory: "lots"}
	_, err := l.Launch(context.Background(), Spec{Argv: []string{"emulator"}})
	if err == nil {
		t.Fatal("expected error for unparsable memory limit")
	}
}

func TestDockerLauncherWindowsFlag(t *testing.T) {
	l := &DockerLauncher{Windows: true}
	if !l.OSWindows() {
		t.Fatal("Windows flag not reported")
	}
}
