// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"sync"
)

// mutexMap hands out one exclusive, context-cancelable lock per key,
// lazily created on first use. It is the same idiom the store package uses
// for per-path exclusivity, here standing in for "two builds of the same
// derivation path never run concurrently" per SPEC_FULL.md §4.F.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	ch map[T]chan struct{}
}

func (m *mutexMap[T]) lock(ctx context.Context, key T) (unlock func(), err error) {
	m.mu.Lock()
	if m.ch == nil {
		m.ch = make(map[T]chan struct{})
	}
	c, ok := m.ch[key]
	if !ok {
		c = make(chan struct{}, 1)
		c <- struct{}{}
		m.ch[key] = c
	}
	m.mu.Unlock()

	select {
	case <-c:
		return func() { c <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
