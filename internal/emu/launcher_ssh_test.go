// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import "testing"

func TestRemoteCommandLineQuotesAndOrders(t *testing.T) {
	got := remoteCommandLine(Spec{
		Argv: []string{"emulator", "-avd", "job's avd"},
		Env: map[string]string{
			"ZEBRA": "1",
			"ALPHA": "two words",
		},
	})
	want := `env 'ALPHA=two words' 'ZEBRA=1' 'emulator' '-avd' 'job'\''s avd'`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRemoteCommandLineNoEnvPrefix(t *testing.T) {
	got := remoteCommandLine(Spec{Argv: []string{"emulator"}})
	if got != "'emulator'" {
		t.Fatalf("expected bare quoted argv, got %q", got)
	}
}
