// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
)

// globalConfig is the CLI's resolved configuration: environment-variable
// defaults, optionally overridden by an on-disk JWCC config file (see
// SPEC_FULL.md §6/§10).
type globalConfig struct {
	StoreDir string `json:"store_dir"`
	LogDir   string `json:"log_dir"`
	StateDir string `json:"state_dir"`
	Debug    bool   `json:"debug"`
}

func defaultGlobalConfig() *globalConfig {
	varDir := defaultVarDir()
	return &globalConfig{
		StoreDir: filepath.Join(varDir, "store"),
		LogDir:   filepath.Join(varDir, "log"),
		StateDir: filepath.Join(varDir, "state"),
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if v := os.Getenv("OXIDE_STORE_DIR"); v != "" {
		g.StoreDir = v
	}
	if v := os.Getenv("OXIDE_LOG_DIR"); v != "" {
		g.LogDir = v
	}
	if v := os.Getenv("OXIDE_STATE_DIR"); v != "" {
		g.StateDir = v
	}
	if v := os.Getenv("OXIDE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse OXIDE_DEBUG: %w", err)
		}
		g.Debug = b
	}
	return nil
}

// mergeFile merges a JWCC (JSON-with-comments-and-commas) config file at
// path over g's current values. A missing file is not an error.
func (g *globalConfig) mergeFile(path string) error {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return fmt.Errorf("read %s: %v", path, err)
	}
	if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
		return fmt.Errorf("read %s: %v", path, err)
	}
	return nil
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(g.StoreDir) {
		return fmt.Errorf("store directory %q is not absolute", g.StoreDir)
	}
	if g.StateDir == "" {
		return fmt.Errorf("state directory not set")
	}
	return nil
}

func (g *globalConfig) dbPath() string {
	return filepath.Join(g.StateDir, "store.db")
}

func configPath() string {
	return filepath.Join(configDir(), "oxide", "config.json")
}

// defaultVarDir returns the directory oxide stores its mutable runtime
// state under, next to (not inside) the store directory.
func defaultVarDir() string {
	return filepath.Join(string(filepath.Separator), "var", "lib", "oxide")
}
