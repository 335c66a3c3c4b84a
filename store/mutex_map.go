// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
)

// mutexMap is an in-process, channel-per-key mutex: it dedupes concurrent
// same-process callers contending on the same logical key before they ever
// reach the filesystem-level [flock], avoiding needless contention on the
// same file descriptor table. It is an optimization layered in front of
// [pathLock], not a replacement for it.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	ch map[T]chan struct{}
}

// lock blocks until the caller holds key's lock, returning an unlock
// function the caller must call exactly once. It returns early with an
// error if ctx is done before the lock is acquired.
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
