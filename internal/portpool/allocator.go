// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package portpool reserves TCP ports from a pool shared by every build
// job running on a host. A scope string bounds the uniqueness domain
// (normally the host name), so concurrent jobs draw from one ledger and
// can never hold the same port twice.
package portpool

import "context"

// Error is an immutable error backed by a string constant, comparable
// through wrapped chains with errors.Is.
type Error string

func (e Error) Error() string { return string(e) }

// ErrExhausted is wrapped by AllocateRange when the requested range
// cannot supply enough free ports.
const ErrExhausted = Error("port pool exhausted")

// Allocator reserves and frees ports within a scope. Implementations
// serialize all reservation and release calls for a scope; callers own
// the ports they receive until they free them.
type Allocator interface {
	// AllocateRange reserves count free ports in the inclusive range
	// [start, end]. When contiguous is true the reserved ports are
	// consecutive integers. On failure no ports are held and the error
	// wraps ErrExhausted if the range could not satisfy the request.
	AllocateRange(ctx context.Context, scope string, start, end, count int, contiguous bool) ([]int, error)

	// Free returns a reserved port to the pool. Freeing a port that is
	// not currently reserved in the scope is an error.
	Free(scope string, port int) error
}
