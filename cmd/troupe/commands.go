package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func buildStartCmd() *cobra.Command {
	var maxRounds int
	cmd := &cobra.Command{
		Use:   "start <team.toml> <description...>",
		Short: "Start a new task and stream its output",
		Long: `Start runs a task through the given team until it terminates.

The task ID is printed first so scripts can capture it, then agent text
streams to stdout as it is produced. Ctrl-C stops the task gracefully:
the session is persisted and can be resumed later.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, args[0], strings.Join(args[1:], " "), maxRounds)
		},
	}
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Override the team's round cap for this run")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var maxRounds int
	cmd := &cobra.Command{
		Use:   "resume <team.toml> <task_id>",
		Short: "Resume a paused or interrupted task",
		Long: `Resume reloads a stored task and continues driving it from where it
left off. The stored config hash is compared against the team file; a
mismatch logs a warning but the run proceeds.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, args[0], args[1], maxRounds)
		},
	}
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Override the team's round cap for this run")
	return cmd
}

func buildListCmd() *cobra.Command {
	var (
		status string
		team   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, status, team, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (created, running, paused, completed, failed, stopped)")
	cmd.Flags().StringVar(&team, "team", "", "Filter by team name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks to show")
	return cmd
}

func buildDetailsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "details <task_id>",
		Short: "Show a task's full transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetails(cmd, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw task record as JSON")
	return cmd
}

func buildFindCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "find <description...>",
		Short: "Find continuable tasks matching a description",
		Long: `Find ranks paused and interrupted tasks by how closely their
descriptions match the query, best match first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(cmd, strings.Join(args, " "), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum number of matches to show")
	return cmd
}

func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task_id>",
		Short: "Stop a task, including one running in another process",
		Long: `Stop persists the stopped status to the session store. A running
executor observes it at its next turn boundary and exits after saving
the session. Returns once the status is persisted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args[0])
		},
	}
}

func buildIngestCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "ingest <files...>",
		Short: "Ingest documents into the memory backend",
		Long: `Ingest splits documents into chunks and stores them in the configured
memory backend so agents can recall them. Markdown splits on headings,
PDFs extract per page, everything else splits on paragraph boundaries.

Without --task, chunks land in the shared scope visible to every task.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, taskID)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Scope ingested chunks to one task")
	return cmd
}
