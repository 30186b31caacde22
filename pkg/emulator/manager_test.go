// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emulator

import (
	"context"
	"strings"
	"testing"
)

func TestNewWithEnvFillsDefaults(t *testing.T) {
	mgr := NewWithEnv(Environment{
		SDKRoot: "/opt/android-sdk",
	})
	if mgr.env.Emulator != "emulator" {
		t.Fatalf("expected default emulator binary, got %q", mgr.env.Emulator)
	}
	if mgr.env.PoolDir == "" {
		t.Fatal("expected a default pool directory")
	}
	if mgr.env.Scope == "" {
		t.Fatal("expected a default scope")
	}
	if mgr.env.Context == nil {
		t.Fatal("expected a non-nil context")
	}
}

func TestNewWithEnvKeepsExplicitValues(t *testing.T) {
	ctx := context.Background()
	mgr := NewWithEnv(Environment{
		EmulatorBin:   "/opt/android-sdk/emulator/emulator",
		PoolDir:       "/var/lib/emujob/ports",
		Scope:         "build-node-07",
		CorrelationID: "corr-789",
		Context:       ctx,
	})
	if mgr.env.Emulator != "/opt/android-sdk/emulator/emulator" {
		t.Fatalf("emulator binary overridden: %q", mgr.env.Emulator)
	}
	if mgr.env.PoolDir != "/var/lib/emujob/ports" {
		t.Fatalf("pool dir overridden: %q", mgr.env.PoolDir)
	}
	if mgr.env.Scope != "build-node-07" {
		t.Fatalf("scope overridden: %q", mgr.env.Scope)
	}
	if mgr.env.CorrelationID != "corr-789" {
		t.Fatalf("correlation ID overridden: %q", mgr.env.CorrelationID)
	}
}

func TestContextLifecycleAgainstHostPool(t *testing.T) {
	mgr := NewWithEnv(Environment{
		PoolDir: t.TempDir(),
		Scope:   "lifecycle-test",
	})

	ctx, err := mgr.NewContext(ContextOptions{})
	if err != nil {
		t.Skipf("emulator port range unavailable on this host: %v", err)
	}

	ports := ctx.Ports()
	if ports.User%2 != 0 {
		t.Fatalf("console port %d is not even", ports.User)
	}
	if ports.ADB != ports.User+1 {
		t.Fatalf("transport port %d is not console+1", ports.ADB)
	}
	if !strings.HasPrefix(ctx.Serial(), "emulator-") {
		t.Fatalf("unexpected serial %q", ctx.Serial())
	}

	env := ctx.LaunchEnvironment(nil)
	if env["ANDROID_ADB_SERVER_PORT"] == "" {
		t.Fatal("launch environment missing the adb server port")
	}

	if err := ctx.CleanUp(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// Second call must not reach the pool again.
	if err := ctx.CleanUp(); err != nil {
		t.Fatalf("repeated cleanup: %v", err)
	}
}
