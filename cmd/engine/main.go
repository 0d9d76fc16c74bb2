// Package main provides the CLI entry point for the session and agent
// execution engine.
//
// The engine owns session identity, the Explore/Plan/Perform agent loop,
// tool dispatch, confirmation gating, the transaction queue, sub-agents,
// and scheduling. It ships no concrete LLM provider, channel adapter, or
// tool implementation — those are external collaborators that plug into
// the engine through the `agentloop.Provider`, `tools.Tool`, and event-
// subscriber ports documented alongside each package.
//
// # Basic usage
//
//	engine serve --config engine.yaml
//	engine migrate --config engine.yaml
//	engine cron list --config engine.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Session and Agent Execution Engine",
		Long: `The engine runs an always-on Explore/Plan/Perform agent loop per channel
session, dispatching tools through a confirmation-gated registry and
persisting transcripts to an embedded store.

It defines ports for the LLM provider, concrete tools, and channel
adapters; none of those are shipped here.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildCronCmd(),
	)

	return rootCmd
}
