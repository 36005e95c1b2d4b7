// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"kiln.build/pkg/internal/buildlog"
	"zombiezen.com/go/log"
)

func newHistoryCommand(g *globalState) *cobra.Command {
	c := &cobra.Command{
		Use:                   "history [options] [RUN_ID]",
		Short:                 "show recent runs, or the jobs of one run",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	limit := c.Flags().IntP("limit", "n", 20, "maximum `number` of runs to show")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return runHistoryJobs(cmd.Context(), g, args[0])
		}
		return runHistory(cmd.Context(), g, *limit)
	}
	return c
}

func runHistory(ctx context.Context, g *globalState, limit int) error {
	store := buildlog.Open(g.config.Database)
	defer closeStore(ctx, store)

	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	for _, run := range runs {
		status := "running"
		if !run.Ended.IsZero() {
			status = fmt.Sprintf("%d ok, %d failed, %d not run (%v)",
				run.Succeeded, run.Failed, run.NotRun,
				run.Ended.Sub(run.Started).Round(time.Second))
		}
		fmt.Printf("%s  %s  %s  %s\n",
			run.ID,
			run.Started.Local().Format(time.DateTime),
			strings.Join(run.Targets, " "),
			status)
	}
	return nil
}

func runHistoryJobs(ctx context.Context, g *globalState, runID string) error {
	store := buildlog.Open(g.config.Database)
	defer closeStore(ctx, store)

	jobs, err := store.RunJobs(ctx, runID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	for _, job := range jobs {
		detail := job.Endpoint
		switch {
		case job.CacheHit:
			detail = "cached"
		case job.SkipCause != "":
			detail = "depends on failed " + job.SkipCause
		case job.Error != "":
			detail = job.Error
		}
		fmt.Printf("  %-32s %-10s %s\n", job.Package, job.State, detail)
	}
	return nil
}

func closeStore(ctx context.Context, store *buildlog.Store) {
	if err := store.Close(); err != nil {
		log.Errorf(ctx, "Close build log: %v", err)
	}
}
