// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecLauncherPassesEnvironmentAndStreams(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	script := writeScript(t, `printf '%s' "$EMUJOB_TEST_VALUE"
printf 'warn' >&2
`)

	var stdout, stderr bytes.Buffer
	handle, err := ExecLauncher{}.Launch(context.Background(), Spec{
		Argv:   []string{script},
		Env:    map[string]string{"EMUJOB_TEST_VALUE": "hello"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if stdout.String() != "hello" {
		t.Fatalf("expected stdout hello, got %q", stdout.String())
	}
	if stderr.String() != "warn" {
		t.Fatalf("expected stderr warn, got %q", stderr.String())
	}
	if handle.PID() <= 0 {
		t.Fatalf("expected a real PID, got %d", handle.PID())
	}
}

func TestExecLauncherKillStopsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	script := writeScript(t, "sleep 60\n")

	handle, err := ExecLauncher{}.Launch(context.Background(), Spec{Argv: []string{script}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	if err := handle.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a kill-induced wait error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}

func TestExecLauncherEmptyArgv(t *testing.T) {
	if _, err := (ExecLauncher{}).Launch(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error for empty command line")
	}
}

func TestFlattenEnvSorted(t *testing.T) {
	got := flattenEnv(map[string]string{
		"ZEBRA": "1",
		"ALPHA": "2",
		"MID":   "3",
	})
	want := []string{"ALPHA=2", "MID=3", "ZEBRA=1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
