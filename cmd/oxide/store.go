// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"

	"oxide.build/pkg/store"
)

// openStore creates cfg's store and state directories if necessary and
// opens the local store backing them.
func openStore(cfg *globalConfig) (*store.LocalStore, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, err
	}
	return store.NewLocalStore(cfg.StoreDir, cfg.dbPath()), nil
}
