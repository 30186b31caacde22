// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package emulator provides a Go library for running isolated Android
emulator instances inside automated build jobs.

# Overview

A build host runs many jobs at once, and every emulator instance needs
four mutually consistent TCP ports: an even console port, the adjacent
adb transport port, a private adb-server port and a callback port. This
library reserves those ports from a host-wide pool, owns the emulator
process for the duration of the job, executes console commands under a
hard timeout, and guarantees the ports return to the pool when the job
ends, including on failure.

# Quick Start

	import "github.com/forkbombeu/emujob/pkg/emulator"

	func main() {
		mgr := emulator.New()

		ctx, err := mgr.NewContext(emulator.ContextOptions{})
		if err != nil {
			// AllocationError: pool exhausted, abort the job
			return
		}
		defer ctx.CleanUp()

		ctx.Start("ci-avd")
		ctx.SendCommand("avd status")
		ctx.Stop()
	}

# Key Concepts

**Port set**: the four ports one instance holds for its lifetime. The
console port is always even and the transport port is always console+1,
because the emulator treats them as a pair; both come from the
documented range [5555, 5586]. The adb-server and callback ports come
from a disjoint higher range so emulator pairs are not tied up.

**Scope**: the uniqueness domain of the pool, normally the host name.
All jobs on one host share a scope, so two jobs can never hold the same
port.

**Serial**: the adb qualifier derived from the console port,
"emulator-<port>". Stable for the context's lifetime.

# Console Commands

SendCommand writes one line to the emulator's console port and waits
for confirmation, cancelling after 60 seconds (SendCommandWith takes an
explicit timeout). It returns a bool, never an error: the console
protocol has no structured acknowledgment, so "not confirmed within the
deadline" is uniformly "did not happen", and callers decide whether
repeated failure is fatal. The cause is written to the context's sink.

# Cleanup

CleanUp must run exactly once per context, normally deferred right after
construction. It releases exactly the four reserved ports and tolerates
the process never having been launched.

# Launchers

By default processes start on the local host. Set ContextOptions.DockerImage
to run the emulator in a container sharing the host network namespace,
so the reserved ports keep their meaning.

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package emulator
