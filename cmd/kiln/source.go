// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/sourcecache"
)

func newSourceCommand(g *globalState) *cobra.Command {
	c := &cobra.Command{
		Use:           "source",
		Short:         "manage cached package sources",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(newSourceVerifyCommand(g))
	return c
}

func newSourceVerifyCommand(g *globalState) *cobra.Command {
	c := &cobra.Command{
		Use:                   "verify [PACKAGE[@VERSION] [...]]",
		Short:                 "verify cached sources against their declared digests",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runSourceVerify(cmd.Context(), g, args)
	}
	return c
}

func runSourceVerify(ctx context.Context, g *globalState, args []string) error {
	cfg := g.config
	cat, err := catalog.Load(ctx, cfg.CatalogDir, cfg.phaseVocabulary())
	if err != nil {
		return err
	}
	cache, err := sourcecache.Open(cfg.SourceCacheDir)
	if err != nil {
		return err
	}

	var specs []*catalog.Spec
	if len(args) == 0 {
		for spec := range cat.All() {
			specs = append(specs, spec)
		}
	} else {
		for _, arg := range args {
			id, err := catalog.ParseID(arg)
			if err != nil {
				return err
			}
			spec, err := cat.Resolve(id)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
	}

	failures := 0
	for _, spec := range specs {
		results, err := cache.Verify(spec)
		if err != nil {
			return err
		}
		for _, result := range results {
			if result.Err != nil {
				failures++
				fmt.Printf("%-32s FAIL  %s: %v\n", result.Package, result.URL, result.Err)
			} else {
				fmt.Printf("%-32s ok    %s\n", result.Package, result.URL)
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d source(s) failed verification", failures)
	}
	return nil
}
