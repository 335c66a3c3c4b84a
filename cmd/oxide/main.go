// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command oxide is the front end for the oxide content-addressed build
// store: instantiating catalog recipes into store derivations and building
// them.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "oxide",
		Short:         "purely-functional, content-addressed build and package store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cfg := defaultGlobalConfig()
	rootCommand.PersistentFlags().StringVar(&cfg.StoreDir, "store-dir", cfg.StoreDir, "store `directory`")
	rootCommand.PersistentFlags().StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "log `directory`")
	rootCommand.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state `directory`")
	verbose := rootCommand.PersistentFlags().BoolP("verbose", "v", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		flagStoreDir, flagLogDir, flagStateDir := cfg.StoreDir, cfg.LogDir, cfg.StateDir
		if err := cfg.mergeEnvironment(); err != nil {
			return err
		}
		if err := cfg.mergeFile(configPath()); err != nil {
			return err
		}
		// Explicitly set flags take precedence over the environment and the config file.
		pflags := rootCommand.PersistentFlags()
		if pflags.Changed("store-dir") {
			cfg.StoreDir = flagStoreDir
		}
		if pflags.Changed("log-dir") {
			cfg.LogDir = flagLogDir
		}
		if pflags.Changed("state-dir") {
			cfg.StateDir = flagStateDir
		}
		if *verbose {
			cfg.Debug = true
		}
		initLogging(cfg.Debug)
		return cfg.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(cfg),
		newInstantiateCommand(cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(cfg.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "oxide: ", log.StdFlags, nil),
		})
	})
}
