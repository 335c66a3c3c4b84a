// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMapExcludesSameKey(t *testing.T) {
	var m mutexMap[string]
	ctx := context.Background()

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.lock(ctx, "key")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent holders of the same key = %d, want 1", maxRunning)
	}
}

func TestMutexMapAllowsDistinctKeys(t *testing.T) {
	var m mutexMap[string]
	ctx := context.Background()

	unlockA, err := m.lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := m.lock(ctx, "b")
		if err != nil {
			t.Error(err)
			return
		}
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a distinct key blocked on an unrelated held key")
	}
}

func TestMutexMapCanceledContext(t *testing.T) {
	var m mutexMap[string]
	unlock, err := m.lock(context.Background(), "key")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.lock(ctx, "key"); err == nil {
		t.Error("lock with an already-canceled context succeeded, want error")
	}
}
