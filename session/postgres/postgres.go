// Package postgres implements troupe.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close on the Store
// is a no-op.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/troupe"
)

// Store implements troupe.SessionStore backed by PostgreSQL. Steps are
// stored one row per step as JSONB, so appends never rewrite history.
// Patches lock the session row, which keeps concurrent writers (a running
// driver and a stop issued from another process) from resurrecting a
// terminal status.
type Store struct {
	pool *pgxpool.Pool
}

var _ troupe.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			team TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			current_agent TEXT NOT NULL DEFAULT '',
			final_answer TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			config_hash TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS sessions_team_idx ON sessions(team)`,

		`CREATE TABLE IF NOT EXISTS steps (
			task_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (task_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS steps_task_idx ON steps(task_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Create persists a new session. Fails when the task ID already exists.
func (s *Store) Create(ctx context.Context, sess *troupe.TaskSession) error {
	t := sess.Task
	metaJSON, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, team, description, status, current_agent, final_answer, fail_reason, metadata, config_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TeamName, t.Description, string(t.Status),
		t.CurrentAgent, t.FinalAnswer, t.FailReason, metaJSON, t.ConfigHash,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}
	for _, step := range t.History {
		if err := insertStep(ctx, tx, t.ID, step); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// Get loads a session with its full step history.
func (s *Store) Get(ctx context.Context, taskID string) (*troupe.TaskSession, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, selectTask+` WHERE id = $1`, taskID), taskID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM steps WHERE task_id = $1 ORDER BY step_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		var step troupe.Step
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("postgres: decode step: %w", err)
		}
		task.History = append(task.History, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}
	return &troupe.TaskSession{Task: task, Backend: "postgres", UpdatedAt: task.UpdatedAt}, nil
}

// GetStatus reads just the stored status.
func (s *Store) GetStatus(ctx context.Context, taskID string) (troupe.TaskStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, taskID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get status: %w", err)
	}
	return troupe.TaskStatus(status), nil
}

// Update applies a patch under a row lock, enforcing status transitions
// against the stored state.
func (s *Store) Update(ctx context.Context, taskID string, patch troupe.SessionPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	task, err := scanTask(tx.QueryRow(ctx, selectTask+` WHERE id = $1 FOR UPDATE`, taskID), taskID)
	if err != nil {
		return err
	}
	if err := troupe.ApplyPatch(task, patch); err != nil {
		return err
	}
	metaJSON, err := marshalMeta(task.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE sessions SET status=$1, current_agent=$2, final_answer=$3, fail_reason=$4, metadata=$5, updated_at=$6 WHERE id=$7`,
		string(task.Status), task.CurrentAgent, task.FinalAnswer, task.FailReason,
		metaJSON, task.UpdatedAt, taskID)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// AppendStep adds one step to the task's history log.
func (s *Store) AppendStep(ctx context.Context, taskID string, step troupe.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertStep(ctx, tx, taskID, step); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE sessions SET updated_at=$1 WHERE id=$2`, troupe.NowUnix(), taskID)
	if err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// List returns sessions matching the filter, newest first. Histories are
// not loaded; use Get for the full step log.
func (s *Store) List(ctx context.Context, f troupe.SessionFilter) ([]*troupe.TaskSession, error) {
	query := selectTask
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TeamName != "" {
		args = append(args, f.TeamName)
		where = append(where, fmt.Sprintf("team = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*troupe.TaskSession
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, &troupe.TaskSession{Task: task, Backend: "postgres", UpdatedAt: task.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session and its steps.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM steps WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("postgres: delete steps: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	return tx.Commit(ctx)
}

// FindContinuable ranks non-terminal sessions by description similarity.
func (s *Store) FindContinuable(ctx context.Context, description string, limit int) ([]*troupe.TaskSession, error) {
	rows, err := s.pool.Query(ctx,
		selectTask+` WHERE status IN ('created', 'running', 'paused')`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find continuable: %w", err)
	}
	defer rows.Close()

	var candidates []*troupe.TaskSession
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &troupe.TaskSession{Task: task, Backend: "postgres", UpdatedAt: task.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return troupe.RankContinuable(candidates, description, limit), nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

const selectTask = `SELECT id, team, description, status, current_agent, final_answer, fail_reason, metadata, config_hash, created_at, updated_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, taskID string) (*troupe.Task, error) {
	var t troupe.Task
	var status string
	var metaJSON []byte
	err := row.Scan(&t.ID, &t.TeamName, &t.Description, &status,
		&t.CurrentAgent, &t.FinalAnswer, &t.FailReason, &metaJSON, &t.ConfigHash,
		&t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	t.Status = troupe.TaskStatus(status)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}
	return &t, nil
}

func insertStep(ctx context.Context, tx pgx.Tx, taskID string, step troupe.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("postgres: encode step: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO steps (task_id, step_index, data) VALUES ($1, $2, $3)
		 ON CONFLICT (task_id, step_index) DO UPDATE SET data = EXCLUDED.data`,
		taskID, step.Index, string(data))
	if err != nil {
		return fmt.Errorf("postgres: insert step: %w", err)
	}
	return nil
}

func marshalMeta(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	v := string(data)
	return &v, nil
}
