// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// kiln builds sets of interdependent packages in ephemeral containers.
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
		Use:           "kiln",
		Short:         "container package build orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := &globalState{config: defaultConfig()}
	rootCommand.PersistentFlags().StringSliceVar(&g.configPaths, "config", defaultConfigPaths(), "`path`s to configuration files (later files win)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := g.config.mergeFiles(g.configPaths); err != nil {
			return err
		}
		if err := g.config.mergeEnvironment(); err != nil {
			return err
		}
		initLogging(*showDebug || g.config.Debug)
		return g.config.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newHistoryCommand(g),
		newSourceCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// globalState carries the merged configuration into subcommands.
type globalState struct {
	configPaths []string
	config      *config
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
			Output: log.New(os.Stderr, "kiln: ", log.StdFlags, nil),
		})
	})
}
