// Package main provides the troupe CLI: it runs tasks through teams of
// LLM-backed agents declared in TOML, with durable sessions that survive
// process restarts.
//
// # Basic Usage
//
// Start a task and stream its output:
//
//	troupe start team.toml "summarize the incident reports from last week"
//
// Resume a paused or interrupted task:
//
//	troupe resume team.toml <task_id>
//
// Inspect stored sessions:
//
//	troupe list --status running
//	troupe details <task_id>
//	troupe find "incident reports"
//
// Stop a running task from another terminal:
//
//	troupe stop <task_id>
//
// Seed shared memory with documents:
//
//	troupe ingest notes.md report.pdf
//
// # Configuration
//
// App configuration is read from troupe.toml (override with --config) and
// TROUPE_* environment variables. The brain API key is read from the
// environment variable named by brain.api_key_env, never from the file.
//
// # Exit Codes
//
//	0   command succeeded; started/resumed tasks completed
//	1   usage, configuration, or lookup error
//	2   the task ran and failed
//	130 interrupted; the session is persisted before exit
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code through cobra's error
// return. Plain errors exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "interrupted"
}

func (e *exitError) Unwrap() error { return e.err }

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "troupe",
		Short: "Troupe - multi-agent task runner",
		Long: `Troupe runs tasks through teams of LLM-backed agents.

Teams are declared in TOML: agents with prompt templates, tools, and
routing rules. Every turn is persisted, so tasks can be paused, resumed,
stopped from another terminal, and picked up after a crash.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to troupe.toml (default ./troupe.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")

	rootCmd.AddCommand(
		buildStartCmd(),
		buildResumeCmd(),
		buildListCmd(),
		buildDetailsCmd(),
		buildFindCmd(),
		buildStopCmd(),
		buildIngestCmd(),
	)

	return rootCmd
}
