// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"

	"zombiezen.com/go/log"
)

var errNamespaceUnsupported = errors.New("sandbox: namespace isolation unsupported")

// runNamespaced launches the builder inside a fresh mount, user, and PID
// namespace, with buildDir's "build" subdirectory, at its host path, as its
// working directory. Nothing is mounted into the new mount namespace: no
// directory appears at /build there, although TMPDIR and the related
// variables from [fixedEnv] name /build. Unprivileged namespace creation can fail on kernels with it
// disabled (or inside containers that already block it); that failure is
// reported as [errNamespaceUnsupported] so the caller can fall back.
func runNamespaced(ctx context.Context, buildDir string, opts Options) error {
	cmd := exec.CommandContext(ctx, opts.Builder, opts.Args...)
	cmd.Dir = filepath.Join(buildDir, "build")
	cmd.Env = fixedEnv(opts)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: syscall.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: syscall.Getgid(), Size: 1},
		},
	}

	err := cmd.Run()
	if err != nil {
		if isNamespaceCreationError(err) {
			return errNamespaceUnsupported
		}
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("sandbox: run builder: %w", err)
		}
		log.Warnf(ctx, "sandbox: builder %s exited: %v", opts.Builder, err)
	}
	return nil
}

func isNamespaceCreationError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EPERM || errno == syscall.EINVAL
}
