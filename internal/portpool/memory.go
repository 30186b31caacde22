// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package portpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Allocator. All state lives behind one mutex,
// which is the serialization the Allocator contract requires.
//
// By default every port in a requested range is a candidate. A Memory
// built with NewMemoryWithPorts only hands out the listed ports, which
// lets tests decide exactly which ports the pool considers free.
type Memory struct {
	mu       sync.Mutex
	reserved map[string]map[int]struct{}
	// candidates restricts the allocatable ports when non-nil.
	candidates map[int]struct{}
}

// NewMemory creates a Memory that treats every port as allocatable.
func NewMemory() *Memory {
	return &Memory{reserved: make(map[string]map[int]struct{})}
}

// NewMemoryWithPorts creates a Memory whose pool contains exactly the
// given ports.
func NewMemoryWithPorts(ports ...int) *Memory {
	m := NewMemory()
	m.candidates = make(map[int]struct{}, len(ports))
	for _, p := range ports {
		m.candidates[p] = struct{}{}
	}
	return m
}

func (m *Memory) scopePorts(scope string) map[int]struct{} {
	s, ok := m.reserved[scope]
	if !ok {
		s = make(map[int]struct{})
		m.reserved[scope] = s
	}
	return s
}

func (m *Memory) available(held map[int]struct{}, port int) bool {
	if _, taken := held[port]; taken {
		return false
	}
	if m.candidates != nil {
		_, ok := m.candidates[port]
		return ok
	}
	return true
}

// AllocateRange implements Allocator.
func (m *Memory) AllocateRange(ctx context.Context, scope string, start, end, count int, contiguous bool) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 || start > end {
		return nil, fmt.Errorf("allocate %d ports in [%d, %d]: invalid request", count, start, end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.scopePorts(scope)

	if contiguous {
		for p := start; p+count-1 <= end; p++ {
			run := true
			for q := p; q < p+count; q++ {
				if !m.available(held, q) {
					run = false
					break
				}
			}
			if !run {
				continue
			}
			out := make([]int, 0, count)
			for q := p; q < p+count; q++ {
				held[q] = struct{}{}
				out = append(out, q)
			}
			return out, nil
		}
		return nil, fmt.Errorf("allocate %d contiguous ports in [%d, %d] for scope %q: %w",
			count, start, end, scope, ErrExhausted)
	}

	out := make([]int, 0, count)
	for p := start; p <= end && len(out) < count; p++ {
		if m.available(held, p) {
			held[p] = struct{}{}
			out = append(out, p)
		}
	}
	if len(out) < count {
		for _, p := range out {
			delete(held, p)
		}
		return nil, fmt.Errorf("allocate %d ports in [%d, %d] for scope %q: %w",
			count, start, end, scope, ErrExhausted)
	}
	return out, nil
}

// Free implements Allocator.
func (m *Memory) Free(scope string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.scopePorts(scope)
	if _, ok := held[port]; !ok {
		return fmt.Errorf("free port %d in scope %q: not reserved", port, scope)
	}
	delete(held, port)
	return nil
}

// Reserved returns the ports currently held in a scope, sorted. Used by
// tests and diagnostics.
func (m *Memory) Reserved(scope string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.reserved[scope]
	out := make([]int, 0, len(held))
	for p := range held {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
