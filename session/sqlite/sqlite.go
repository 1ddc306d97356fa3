// Package sqlite implements troupe.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/troupe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements troupe.SessionStore backed by a local SQLite file.
// Steps are stored one row per step as JSON text, so appends never
// rewrite the task's history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ troupe.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			team TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			current_agent TEXT,
			final_answer TEXT,
			fail_reason TEXT,
			metadata TEXT,
			config_hash TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			task_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (task_id, step_index)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_team ON sessions(team)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Create persists a new session. Fails when the task ID already exists.
func (s *Store) Create(ctx context.Context, sess *troupe.TaskSession) error {
	start := time.Now()
	t := sess.Task
	s.logger.Debug("sqlite: create session", "task_id", t.ID, "team", t.TeamName, "status", t.Status)

	metaJSON, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, team, description, status, current_agent, final_answer, fail_reason, metadata, config_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TeamName, t.Description, string(t.Status),
		nullable(t.CurrentAgent), nullable(t.FinalAnswer), nullable(t.FailReason),
		metaJSON, nullable(t.ConfigHash), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create session failed", "task_id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert session: %w", err)
	}
	for _, step := range t.History {
		if err := insertStep(ctx, tx, t.ID, step); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create session ok", "task_id", t.ID, "duration", time.Since(start))
	return nil
}

// Get loads a session with its full step history.
func (s *Store) Get(ctx context.Context, taskID string) (*troupe.TaskSession, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get session", "task_id", taskID)

	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM steps WHERE task_id = ? ORDER BY step_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step troupe.Step
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		task.History = append(task.History, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	s.logger.Debug("sqlite: get session ok", "task_id", taskID, "steps", len(task.History), "duration", time.Since(start))
	return &troupe.TaskSession{Task: task, Backend: "sqlite", UpdatedAt: task.UpdatedAt}, nil
}

// GetStatus reads just the stored status.
func (s *Store) GetStatus(ctx context.Context, taskID string) (troupe.TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	return troupe.TaskStatus(status), nil
}

// Update applies a patch to the stored task fields inside a transaction,
// enforcing status transitions against the stored state.
func (s *Store) Update(ctx context.Context, taskID string, patch troupe.SessionPatch) error {
	start := time.Now()
	s.logger.Debug("sqlite: update session", "task_id", taskID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	task, err := scanTask(tx.QueryRowContext(ctx, selectTask+` WHERE id = ?`, taskID), taskID)
	if err != nil {
		return err
	}
	if err := troupe.ApplyPatch(task, patch); err != nil {
		return err
	}
	metaJSON, err := marshalMeta(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status=?, current_agent=?, final_answer=?, fail_reason=?, metadata=?, updated_at=? WHERE id=?`,
		string(task.Status), nullable(task.CurrentAgent), nullable(task.FinalAnswer),
		nullable(task.FailReason), metaJSON, task.UpdatedAt, taskID,
	)
	if err != nil {
		s.logger.Error("sqlite: update session failed", "task_id", taskID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update session ok", "task_id", taskID, "status", task.Status, "duration", time.Since(start))
	return nil
}

// AppendStep adds one step to the task's history log.
func (s *Store) AppendStep(ctx context.Context, taskID string, step troupe.Step) error {
	start := time.Now()
	s.logger.Debug("sqlite: append step", "task_id", taskID, "index", step.Index, "agent", step.AgentName)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertStep(ctx, tx, taskID, step); err != nil {
		s.logger.Error("sqlite: append step failed", "task_id", taskID, "index", step.Index, "error", err)
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE id=?`, troupe.NowUnix(), taskID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append step ok", "task_id", taskID, "index", step.Index, "duration", time.Since(start))
	return nil
}

// List returns sessions matching the filter, newest first. Histories are
// not loaded; use Get for the full step log.
func (s *Store) List(ctx context.Context, f troupe.SessionFilter) ([]*troupe.TaskSession, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "status", f.Status, "team", f.TeamName, "limit", f.Limit)

	query := selectTask
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TeamName != "" {
		where = append(where, "team = ?")
		args = append(args, f.TeamName)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*troupe.TaskSession
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, &troupe.TaskSession{Task: task, Backend: "sqlite", UpdatedAt: task.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// Delete removes a session and its steps.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete session", "task_id", taskID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: delete session ok", "task_id", taskID, "duration", time.Since(start))
	return nil
}

// FindContinuable ranks non-terminal sessions by description similarity.
func (s *Store) FindContinuable(ctx context.Context, description string, limit int) ([]*troupe.TaskSession, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find continuable", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE status IN ('created', 'running', 'paused')`)
	if err != nil {
		return nil, fmt.Errorf("find continuable: %w", err)
	}
	defer rows.Close()

	var candidates []*troupe.TaskSession
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &troupe.TaskSession{Task: task, Backend: "sqlite", UpdatedAt: task.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	ranked := troupe.RankContinuable(candidates, description, limit)
	s.logger.Debug("sqlite: find continuable ok", "candidates", len(candidates), "returned", len(ranked), "duration", time.Since(start))
	return ranked, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing session store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

const selectTask = `SELECT id, team, description, status, current_agent, final_answer, fail_reason, metadata, config_hash, created_at, updated_at FROM sessions`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) getTask(ctx context.Context, taskID string) (*troupe.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, taskID), taskID)
}

func scanTask(row scanner, taskID string) (*troupe.Task, error) {
	var t troupe.Task
	var status string
	var currentAgent, finalAnswer, failReason, metaJSON, configHash sql.NullString
	err := row.Scan(&t.ID, &t.TeamName, &t.Description, &status,
		&currentAgent, &finalAnswer, &failReason, &metaJSON, &configHash,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	t.Status = troupe.TaskStatus(status)
	t.CurrentAgent = currentAgent.String
	t.FinalAnswer = finalAnswer.String
	t.FailReason = failReason.String
	t.ConfigHash = configHash.String
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
	}
	return &t, nil
}

func insertStep(ctx context.Context, tx *sql.Tx, taskID string, step troupe.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO steps (task_id, step_index, data) VALUES (?, ?, ?)`,
		taskID, step.Index, string(data))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
