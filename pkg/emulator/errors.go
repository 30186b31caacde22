// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emulator

import (
	"github.com/forkbombeu/emujob/internal/emu"
	"github.com/forkbombeu/emujob/internal/portpool"
)

// Error types surfaced by context construction, re-exported for
// inspection with errors.As / errors.Is.

// AllocationError means the host port pool could not satisfy the
// reservation; the owning job should abort.
type AllocationError = emu.AllocationError

// ConfigurationError means the job environment could not be read at
// construction time.
type ConfigurationError = emu.ConfigurationError

// ErrPoolExhausted is wrapped by AllocationError when the port range
// itself ran dry (as opposed to ledger or probe failures).
const ErrPoolExhausted = portpool.ErrExhausted
