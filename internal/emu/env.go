// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"os"
	"path/filepath"
)

type Env struct {
	SDKRoot  string // ANDROID_SDK_ROOT
	SDKHome  string // ANDROID_SDK_HOME (empty when unknown)
	Emulator string // emulator binary
	PoolDir  string // EMUJOB_POOL_DIR (host-wide port ledger)
	Scope    string // EMUJOB_SCOPE (port pool scope key, default host name)
	// CorrelationID is used to tie logs to a specific build/job.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

func Detect() Env {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	sdk := getenv("ANDROID_SDK_ROOT", "")
	home := os.Getenv("ANDROID_SDK_HOME")
	pool := getenv("EMUJOB_POOL_DIR", filepath.Join(os.TempDir(), "emujob-ports"))
	scope := getenv("EMUJOB_SCOPE", hostname)
	correlationID := os.Getenv("EMUJOB_CORRELATION_ID")

	return Env{
		SDKRoot:       sdk,
		SDKHome:       home,
		Emulator:      "emulator",
		PoolDir:       pool,
		Scope:         scope,
		CorrelationID: correlationID,
		Context:       context.Background(),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
