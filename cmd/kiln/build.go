// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/buildgraph"
	"kiln.build/pkg/internal/buildlog"
	"kiln.build/pkg/internal/endpoint"
	"kiln.build/pkg/internal/executor"
	"kiln.build/pkg/internal/filestore"
	"kiln.build/pkg/internal/orchestrator"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	packages []string
	jsonOut  bool
}

func newBuildCommand(g *globalState) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] PACKAGE[@VERSION] [...]",
		Short:                 "build packages and their dependencies",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().BoolVar(&opts.jsonOut, "json", false, "print the run summary as JSON")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalState, opts *buildOptions) error {
	cfg := g.config
	cat, err := catalog.Load(ctx, cfg.CatalogDir, cfg.phaseVocabulary())
	if err != nil {
		return err
	}

	// Resolve versionless arguments before graph construction
	// so the summary and the skip cache see exact identities.
	targets := make([]catalog.ID, 0, len(opts.packages))
	for _, arg := range opts.packages {
		id, err := catalog.ParseID(arg)
		if err != nil {
			return err
		}
		spec, err := cat.Resolve(id)
		if err != nil {
			return err
		}
		targets = append(targets, spec.ID())
	}

	graph, err := buildgraph.Build(cat, targets)
	if err != nil {
		return err
	}

	epConfigs, err := cfg.endpointConfigs()
	if err != nil {
		return err
	}
	pool, err := endpoint.NewPool(epConfigs)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return err
	}
	staging, err := filestore.NewStaging(cfg.StagingDir, uuid.NewString())
	if err != nil {
		return err
	}
	stores, err := cfg.releaseStores()
	if err != nil {
		return err
	}
	timeout, err := cfg.phaseTimeout()
	if err != nil {
		return err
	}
	logStore := buildlog.Open(cfg.Database)
	defer func() {
		if err := logStore.Close(); err != nil {
			log.Errorf(ctx, "Close build log: %v", err)
		}
	}()

	orch := &orchestrator.Orchestrator{
		Pool: pool,
		Runner: &executor.Docker{
			Images:              cfg.imagePolicy(),
			Env:                 cfg.envPolicy(),
			StrictInterpolation: cfg.StrictScriptInterpolation,
			PhaseTimeout:        timeout,
		},
		Staging: staging,
		Stores:  stores,
		Log:     logStore,
	}
	summary, err := orch.Run(ctx, graph, targets)
	if err != nil {
		return err
	}
	if summary.Success {
		if err := staging.Remove(); err != nil {
			log.Warnf(ctx, "Remove staging area: %v", err)
		}
	} else {
		log.Infof(ctx, "Keeping staging area %s for inspection", staging.Dir())
	}

	if opts.jsonOut {
		out, err := jsonv2.Marshal(summary)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		fmt.Println()
	} else {
		printSummary(summary)
	}

	if !summary.Success {
		counts := summary.Counts()
		return fmt.Errorf("build failed: %d failed, %d skipped, %d aborted",
			counts["failed"], counts["skipped"], counts["aborted"])
	}
	return nil
}

func printSummary(summary *orchestrator.Summary) {
	fmt.Printf("run %s (%v)\n", summary.RunID, summary.Ended.Sub(summary.Started).Round(time.Millisecond))
	for _, job := range summary.Jobs {
		switch {
		case job.CacheHit:
			fmt.Printf("  %-32s %s (cached)\n", job.Package, job.State)
		case job.SkipCause != "":
			fmt.Printf("  %-32s %s (depends on failed %s)\n", job.Package, job.State, job.SkipCause)
		case job.Error != "":
			fmt.Printf("  %-32s %s [%s] %s\n", job.Package, job.State, job.ErrorKind, job.Error)
		default:
			fmt.Printf("  %-32s %s", job.Package, job.State)
			if job.Endpoint != "" {
				fmt.Printf(" on %s (%v)", job.Endpoint, job.Duration.Round(time.Millisecond))
			}
			fmt.Println()
		}
	}
	for _, warning := range summary.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
}
