// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emujob/internal/portpool"
)

// The emulator registers its console/transport pair with adb only when
// the pair lies inside the documented range [5555, 5586]; build-tools
// 28.0.3 and later refuse ports outside it. The adb-server and callback
// ports come from a separate range right after, so emulator pairs are
// not tied up unnecessarily.
const (
	ConsolePortFirst = 5555
	ConsolePortLast  = 5586

	serverRangeWidth = 64
)

// PortSet holds the four ports one emulator instance needs for its
// lifetime. User is the even telnet console port, ADB is always
// User + 1, ADBServer and Callback are private to the instance.
type PortSet struct {
	User      int
	ADB       int
	ADBServer int
	Callback  int

	// Serial is the adb qualifier derived from the console port.
	Serial string
}

// AllocatePortSet reserves a mutually consistent PortSet from the pool.
//
// The console port must be even (the emulator -port option uses the
// port and port+1 as a pair), so three consecutive ports are reserved
// to guarantee an even port followed by an odd one; the leftover port
// goes straight back to the pool. Two further ports are then reserved
// loosely from the server range. On any failure every port reserved so
// far is freed before the AllocationError is returned.
func AllocatePortSet(env Env, alloc portpool.Allocator, scope string) (PortSet, error) {
	_, span := startSpan(env, "emu.AllocatePortSet", attribute.String("scope", scope))
	defer span.End()

	ctx := spanContext(env)

	ports, err := alloc.AllocateRange(ctx, scope, ConsolePortFirst, ConsolePortLast, 3, true)
	if err != nil {
		allocErr := &AllocationError{Scope: scope, Err: err}
		recordSpanError(span, allocErr)
		return PortSet{}, allocErr
	}

	// Pick the console/transport pair so that the console port is even.
	i := 0
	if ports[i]%2 != 0 {
		i++
	}
	userPort := ports[i]
	i++
	adbPort := ports[i]
	i++

	// Release the reserved port the pair did not use. The selection
	// mirrors the cursor position: after an even-first triple the third
	// port is surplus, otherwise the first.
	surplus := ports[0]
	if i == 2 {
		surplus = ports[2]
	}
	if err := alloc.Free(scope, surplus); err != nil {
		releaseErr := releasePorts(env, alloc, scope, adbPort, userPort)
		allocErr := &AllocationError{Scope: scope, Err: errors.Join(err, releaseErr)}
		recordSpanError(span, allocErr)
		return PortSet{}, allocErr
	}

	// The server range sits strictly above the console range so the
	// private ports never tie up an emulator pair.
	serverFirst := ConsolePortLast + 1
	serverLast := ConsolePortLast + serverRangeWidth
	extra, err := alloc.AllocateRange(ctx, scope, serverFirst, serverLast, 2, false)
	if err != nil {
		// The console pair must not leak when the server range fails.
		releaseErr := releasePorts(env, alloc, scope, adbPort, userPort)
		allocErr := &AllocationError{Scope: scope, Err: errors.Join(err, releaseErr)}
		recordSpanError(span, allocErr)
		return PortSet{}, allocErr
	}

	ps := PortSet{
		User:      userPort,
		ADB:       adbPort,
		ADBServer: extra[0],
		Callback:  extra[1],
		Serial:    fmt.Sprintf("emulator-%d", userPort),
	}
	span.SetAttributes(
		attribute.Int("user_port", ps.User),
		attribute.Int("adb_port", ps.ADB),
		attribute.String("serial", ps.Serial),
	)
	logEvent(env, "port set reserved",
		"scope", scope,
		"user_port", ps.User,
		"adb_port", ps.ADB,
		"adb_server_port", ps.ADBServer,
		"callback_port", ps.Callback,
		"serial", ps.Serial,
	)
	return ps, nil
}

// releasePorts frees the given ports one by one and joins any allocator
// errors. Allocator failures are never suppressed, but one failure does
// not stop the remaining ports from being freed.
func releasePorts(env Env, alloc portpool.Allocator, scope string, ports ...int) error {
	var errs []error
	for _, p := range ports {
		if err := alloc.Free(scope, p); err != nil {
			logEvent(env, "port release failed", "scope", scope, "port", p, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
