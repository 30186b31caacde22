// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import "fmt"

// AllocationError reports that the port pool could not satisfy a
// reservation during context construction. Fatal: the owning job should
// abort rather than retry.
type AllocationError struct {
	Scope string
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate ports in scope %q: %v", e.Scope, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ConfigurationError reports that the job's environment could not be
// read at context construction time. Fatal, surfaced to the caller.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("read job environment: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
