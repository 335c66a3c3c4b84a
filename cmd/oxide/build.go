// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"oxide.build/pkg/build"
	"oxide.build/pkg/catalog"
	"oxide.build/pkg/instantiate"
)

func newBuildCommand(cfg *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build <catalog>#<pkg-name>",
		Short:                 "instantiate and build a catalog recipe",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd, cfg, args[0])
	}
	return c
}

func runBuild(cmd *cobra.Command, cfg *globalConfig, spec string) error {
	pkgName, err := parseCatalogSpec(spec)
	if err != nil {
		return err
	}
	lazy, err := catalog.Lookup(pkgName)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	_, drvPath, err := instantiate.Instantiate(ctx, s, lazy)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", spec, err)
	}

	outs, err := build.New(s).Build(ctx, drvPath)
	if err != nil {
		return fmt.Errorf("build %s: %w", spec, err)
	}

	names := make([]string, 0, len(outs))
	for name := range outs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s!%s\n", s.StorePath(outs[name]), name)
	}
	return nil
}
