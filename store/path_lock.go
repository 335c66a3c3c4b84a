// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"oxide.build/pkg/internal/xio"
)

// pathLock is a scoped, exclusive acquisition of a sibling `<path>.lock`
// file via flock(2), with guaranteed release on every exit path. A nonzero
// lock-file size signals a stale lock left behind by a process that died
// mid-write; the holder truncates and retries rather than waiting forever
// on what is effectively an abandoned lock.
type pathLock struct {
	path string
	f    *os.File
	// closer wraps f so that calling close more than once only ever closes
	// the descriptor once.
	closer io.Closer
}

func newPathLock(lockPath string) (*pathLock, error) {
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	return &pathLock{path: lockPath, f: f, closer: xio.CloseOnce(f)}, nil
}

// acquire blocks until the lock is held, retrying if a previous holder left
// a stale (nonzero-size) lock file behind.
func (l *pathLock) acquire() error {
	for {
		if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		info, err := l.f.Stat()
		if err != nil {
			unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		if info.Size() == 0 {
			if _, err := l.f.WriteAt([]byte{1}, 0); err != nil {
				unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
				return fmt.Errorf("lock %s: %w", l.path, err)
			}
			return nil
		}
		// Stale: another holder's marker byte survived its crash. Reset it
		// and loop, reacquiring the flock so a concurrent racer observes a
		// consistent handoff.
		if err := l.f.Truncate(0); err != nil {
			unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
			return fmt.Errorf("lock %s: clear stale marker: %w", l.path, err)
		}
		unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	}
}

// release clears the lock's marker byte and unlocks.
func (l *pathLock) release() error {
	if err := l.f.Truncate(0); err != nil {
		unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

func (l *pathLock) close() error {
	return l.closer.Close()
}
