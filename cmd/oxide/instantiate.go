// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"oxide.build/pkg/catalog"
	"oxide.build/pkg/instantiate"
)

func newInstantiateCommand(cfg *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "instantiate <pkg-name>",
		Short:                 "instantiate a catalog recipe into a store derivation",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runInstantiate(cmd, cfg, args[0])
	}
	return c
}

func runInstantiate(cmd *cobra.Command, cfg *globalConfig, pkgName string) error {
	lazy, err := catalog.Lookup(pkgName)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	_, drvPath, err := instantiate.Instantiate(cmd.Context(), s, lazy)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", pkgName, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), s.StorePath(drvPath))
	return nil
}
