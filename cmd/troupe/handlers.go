package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	troupe "github.com/nevindra/troupe"
	"github.com/nevindra/troupe/ingest"
	"github.com/nevindra/troupe/internal/config"
)

const (
	streamBuffer = 64
	// stopGrace bounds how long a second Ctrl-C waits for the executor
	// to persist the session before the process gives up and exits.
	stopGrace = 5 * time.Second
)

// taskRunner holds everything start and resume share: the assembled
// runtime, the built team, the executor, and its stream channel.
type taskRunner struct {
	rt     *runtime
	team   *troupe.Team
	exec   *troupe.Executor
	stream chan troupe.StreamEvent
}

func newTaskRunner(ctx context.Context, teamPath string, maxRounds int) (*taskRunner, error) {
	cfg := config.Load(configPath)

	teamCfg, err := troupe.LoadTeamConfig(teamPath)
	if err != nil {
		return nil, err
	}

	rt, err := buildRuntime(ctx, cfg, needs{store: true, brain: true, memory: true})
	if err != nil {
		return nil, err
	}

	team, err := troupe.BuildTeam(teamCfg, rt.brain, rt.registry,
		troupe.WithTeamLogger(slog.Default()),
		troupe.WithTeamTracer(rt.tracer))
	if err != nil {
		rt.close()
		return nil, err
	}
	// Flag overrides are ephemeral: they do not touch the config hash, so
	// a later resume without the flag sees no drift.
	if maxRounds > 0 {
		team.MaxRounds = maxRounds
	}

	stream := make(chan troupe.StreamEvent, streamBuffer)
	opts := []troupe.ExecutorOption{
		troupe.WithExecutorLogger(slog.Default()),
		troupe.WithStream(stream),
	}
	if rt.tracer != nil {
		opts = append(opts, troupe.WithExecutorTracer(rt.tracer))
	}
	if rt.memory != nil {
		opts = append(opts, troupe.WithMemory(rt.memory))
	}
	exec, err := troupe.NewExecutor(rt.store, rt.registry, rt.bus, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}

	return &taskRunner{rt: rt, team: team, exec: exec, stream: stream}, nil
}

func (r *taskRunner) close() { r.rt.close() }

func runStart(cmd *cobra.Command, teamPath, description string, maxRounds int) error {
	r, err := newTaskRunner(cmd.Context(), teamPath, maxRounds)
	if err != nil {
		return err
	}
	defer r.close()

	handle, err := r.exec.Start(cmd.Context(), r.team, description)
	if err != nil {
		return err
	}
	// Task ID first so scripts can capture it before any streamed text.
	fmt.Fprintln(cmd.OutOrStdout(), handle.ID())

	return driveTask(cmd, handle, r.stream, teamPath)
}

func runResume(cmd *cobra.Command, teamPath, taskID string, maxRounds int) error {
	r, err := newTaskRunner(cmd.Context(), teamPath, maxRounds)
	if err != nil {
		return err
	}
	defer r.close()

	handle, err := r.exec.Resume(cmd.Context(), r.team, taskID)
	if err != nil {
		return err
	}

	return driveTask(cmd, handle, r.stream, teamPath)
}

// driveTask streams text to stdout until the task settles, translating
// SIGINT into a graceful stop. The first signal asks the executor to stop
// at its next suspension point; a second one abandons the wait. A task
// that parks itself (step_through teams) leaves the session paused on
// disk; the CLI prints the resume command and exits clean.
func driveTask(cmd *cobra.Command, handle *troupe.TaskHandle, stream <-chan troupe.StreamEvent, teamPath string) error {
	out := cmd.OutOrStdout()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	interrupted := false
	paused := false
	printed := false
loop:
	for {
		select {
		case ev := <-stream:
			printEvent(out, ev, &printed)
		case <-ticker.C:
			if handle.Status() == troupe.StatusPaused {
				paused = true
				break loop
			}
		case <-sigCh:
			if interrupted {
				break loop
			}
			interrupted = true
			handle.Stop()
			fmt.Fprintln(cmd.ErrOrStderr(), "stopping; press Ctrl-C again to abandon the wait")
		case <-handle.Done():
			break loop
		}
	}

	// The executor is done (or parked); drain buffered deltas so the
	// transcript on screen is complete.
drain:
	for {
		select {
		case ev := <-stream:
			printEvent(out, ev, &printed)
		default:
			break drain
		}
	}
	if printed {
		fmt.Fprintln(out)
	}

	return finishTask(cmd, handle, teamPath, interrupted, paused)
}

// printEvent writes text deltas and separates turns with a newline.
func printEvent(w io.Writer, ev troupe.StreamEvent, printed *bool) {
	switch ev.Type {
	case troupe.EventTextDelta:
		fmt.Fprint(w, ev.Content)
		*printed = true
	case troupe.EventTurnFinish:
		if *printed {
			fmt.Fprintln(w)
			*printed = false
		}
	}
}

// finishTask maps the final task state to the process exit code:
// completed and paused 0, failed 2, stopped 130.
func finishTask(cmd *cobra.Command, handle *troupe.TaskHandle, teamPath string, interrupted, paused bool) error {
	if paused && !interrupted {
		fmt.Fprintf(cmd.OutOrStdout(), "Task paused. Resume with: troupe resume %s %s\n", teamPath, handle.ID())
		return nil
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	task, err := handle.Wait(waitCtx)
	if task == nil {
		if interrupted {
			return &exitError{code: 130}
		}
		return err
	}

	switch task.Status {
	case troupe.StatusCompleted:
		return nil
	case troupe.StatusStopped:
		return &exitError{code: 130}
	default:
		reason := task.FailReason
		if reason == "" && err != nil {
			reason = err.Error()
		}
		return &exitError{code: 2, err: fmt.Errorf("task %s failed: %s", task.ID, reason)}
	}
}

func runList(cmd *cobra.Command, status, team string, limit int) error {
	ctx := cmd.Context()
	cfg := config.Load(configPath)

	st, err := parseStatus(status)
	if err != nil {
		return err
	}

	store, err := openSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(ctx, troupe.SessionFilter{
		Status:   st,
		TeamName: team,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tSTATUS\tTEAM\tAGENT\tUPDATED")
	for _, s := range sessions {
		t := s.Task
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.TeamName, t.CurrentAgent, formatUnixMs(t.UpdatedAt))
	}
	return w.Flush()
}

func runDetails(cmd *cobra.Command, taskID string, asJSON bool) error {
	ctx := cmd.Context()
	cfg := config.Load(configPath)

	store, err := openSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sess.Task)
	}
	printTask(out, sess.Task)
	return nil
}

func printTask(out io.Writer, t *troupe.Task) {
	fmt.Fprintf(out, "Task:    %s\n", t.ID)
	fmt.Fprintf(out, "Team:    %s\n", t.TeamName)
	fmt.Fprintf(out, "Status:  %s\n", t.Status)
	if t.CurrentAgent != "" {
		fmt.Fprintf(out, "Agent:   %s\n", t.CurrentAgent)
	}
	fmt.Fprintf(out, "Created: %s\n", formatUnixMs(t.CreatedAt))
	fmt.Fprintf(out, "Updated: %s\n", formatUnixMs(t.UpdatedAt))
	fmt.Fprintf(out, "\n%s\n", t.Description)

	for i := range t.History {
		printStep(out, &t.History[i])
	}

	if t.FinalAnswer != "" {
		fmt.Fprintf(out, "\n=== final answer ===\n%s\n", t.FinalAnswer)
	}
	if t.FailReason != "" {
		fmt.Fprintf(out, "\n=== failed ===\n%s\n", t.FailReason)
	}
}

func printStep(out io.Writer, s *troupe.Step) {
	fmt.Fprintf(out, "\n--- step %d: %s ---\n", s.Index, s.AgentName)
	for _, p := range s.Parts {
		switch p.Kind {
		case troupe.PartText:
			if p.Origin == troupe.OriginUser {
				fmt.Fprintf(out, "[user] %s\n", p.Text)
				continue
			}
			fmt.Fprintln(out, p.Text)
		case troupe.PartToolCall:
			fmt.Fprintf(out, "[tool call] %s(%s)\n", p.Tool.Name, string(p.Tool.Args))
		case troupe.PartToolResult:
			label := "tool ok"
			if p.Tool.IsError {
				label = "tool error"
			}
			fmt.Fprintf(out, "[%s] %s\n", label, p.Tool.Result)
		}
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(out, "[warning] %s\n", warn)
	}
}

func runFind(cmd *cobra.Command, query string, limit int) error {
	ctx := cmd.Context()
	cfg := config.Load(configPath)

	store, err := openSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.FindContinuable(ctx, query, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No continuable tasks found.")
		return nil
	}
	for _, s := range sessions {
		t := s.Task
		fmt.Fprintf(out, "%s  %-9s %s\n", t.ID, t.Status, t.TeamName)
		fmt.Fprintf(out, "    %s\n", truncate(t.Description, 100))
	}
	return nil
}

func runStop(cmd *cobra.Command, taskID string) error {
	ctx := cmd.Context()
	cfg := config.Load(configPath)

	store, err := openSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	status := troupe.StatusStopped
	if err := store.Update(ctx, taskID, troupe.SessionPatch{Status: &status}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s stopped. A running executor exits at its next turn boundary.\n", taskID)
	return nil
}

func runIngest(cmd *cobra.Command, paths []string, taskID string) error {
	ctx := cmd.Context()
	cfg := config.Load(configPath)

	rt, err := buildRuntime(ctx, cfg, needs{memory: true})
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.memory == nil {
		return troupe.NewError(troupe.KindConfig, "no memory backend configured; set [memory] in troupe.toml")
	}

	opts := []ingest.Option{ingest.WithLogger(slog.Default())}
	if taskID != "" {
		opts = append(opts, ingest.WithTaskID(taskID))
	}
	ing := ingest.NewIngestor(rt.memory, opts...)

	out := cmd.OutOrStdout()
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := ing.IngestFile(ctx, content, filepath.Base(path))
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if res.Title != "" {
			fmt.Fprintf(out, "%s: %d chunks (%s)\n", path, res.ChunkCount, res.Title)
		} else {
			fmt.Fprintf(out, "%s: %d chunks\n", path, res.ChunkCount)
		}
	}
	return nil
}

func parseStatus(s string) (troupe.TaskStatus, error) {
	if s == "" {
		return "", nil
	}
	st := troupe.TaskStatus(strings.ToLower(s))
	switch st {
	case troupe.StatusCreated, troupe.StatusRunning, troupe.StatusPaused,
		troupe.StatusCompleted, troupe.StatusFailed, troupe.StatusStopped:
		return st, nil
	}
	return "", troupe.NewError(troupe.KindConfig, "unknown status %q", s)
}

func formatUnixMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
