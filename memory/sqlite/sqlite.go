// Package sqlite implements troupe.MemoryProvider using pure-Go SQLite
// with brute-force cosine similarity. Zero CGO required.
//
// With an embedder attached, Add embeds item content and Search ranks by
// cosine similarity against the query embedding. Without one, Search falls
// back to token-overlap scoring, so the provider works with no embedding
// backend at all.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/troupe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const defaultTopK = 5

// StoreOption configures a SQLite memory provider.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithEmbedder attaches an embedding backend. Items added while an
// embedder is attached are searchable by vector similarity; items without
// a stored embedding still match through the token-overlap fallback.
func WithEmbedder(e troupe.EmbeddingBrain) StoreOption {
	return func(s *Store) { s.embedder = e }
}

// Store implements troupe.MemoryProvider backed by a local SQLite file.
type Store struct {
	db       *sql.DB
	embedder troupe.EmbeddingBrain
	logger   *slog.Logger
}

var _ troupe.MemoryProvider = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a memory provider using a local SQLite file at dbPath.
// A single connection serializes all access, eliminating SQLITE_BUSY
// errors from concurrent writers.
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
	s.logger.Debug("sqlite: memory provider opened", "path", dbPath)
	return s
}

// Init creates the memory table and indexes.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		key TEXT,
		content TEXT NOT NULL,
		metadata TEXT,
		importance REAL NOT NULL DEFAULT 0,
		embedding TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_task ON memory_items(task_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_key ON memory_items(task_id, key)`)
	return nil
}

// Add stores an item durably before returning. key_value items upsert in
// place; versioned_text items bump the version and supersede the previous
// entry for the same key.
func (s *Store) Add(ctx context.Context, item troupe.MemoryItem) (string, error) {
	start := time.Now()
	if item.Content == "" {
		return "", troupe.NewError(troupe.KindMemory, "memory item content is empty")
	}
	if (item.Kind == troupe.MemoryKeyValue || item.Kind == troupe.MemoryVersionedText) && item.Key == "" {
		return "", troupe.NewError(troupe.KindMemory, "%s memory items need a key", item.Kind)
	}
	if item.Importance < 0 || item.Importance > 1 {
		return "", troupe.NewError(troupe.KindMemory, "importance %g is outside 0..1", item.Importance)
	}
	if item.Kind == "" {
		item.Kind = troupe.MemoryText
	}
	if item.ID == "" {
		item.ID = troupe.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = troupe.NowUnix()
	}

	var embJSON *string
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{item.Content})
		if err != nil {
			return "", troupe.WrapError(troupe.KindMemory, err, "embed memory item")
		}
		if len(vecs) == 1 && len(vecs[0]) > 0 {
			v := serializeEmbedding(vecs[0])
			embJSON = &v
		}
	}
	metaJSON, err := marshalMeta(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	switch item.Kind {
	case troupe.MemoryKeyValue:
		// Upsert in place: the key keeps its row identity.
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM memory_items WHERE task_id = ? AND key = ? AND kind = ?`,
			item.TaskID, item.Key, string(troupe.MemoryKeyValue)).Scan(&existing)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE memory_items SET agent_name=?, content=?, metadata=?, importance=?, embedding=?, created_at=? WHERE id=?`,
				item.AgentName, item.Content, metaJSON, item.Importance, embJSON, item.CreatedAt, existing)
			if err != nil {
				return "", fmt.Errorf("update key_value item: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("commit tx: %w", err)
			}
			s.logger.Debug("sqlite: memory upsert", "task_id", item.TaskID, "key", item.Key, "duration", time.Since(start))
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("lookup key_value item: %w", err)
		}
		item.Version = 1

	case troupe.MemoryVersionedText:
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM memory_items WHERE task_id = ? AND key = ? AND kind = ?`,
			item.TaskID, item.Key, string(troupe.MemoryVersionedText)).Scan(&maxVersion)
		if err != nil {
			return "", fmt.Errorf("lookup versioned item: %w", err)
		}
		item.Version = 1
		if maxVersion.Valid {
			item.Version = int(maxVersion.Int64) + 1
			_, err = tx.ExecContext(ctx,
				`UPDATE memory_items SET superseded = 1 WHERE task_id = ? AND key = ? AND kind = ?`,
				item.TaskID, item.Key, string(troupe.MemoryVersionedText))
			if err != nil {
				return "", fmt.Errorf("supersede versioned items: %w", err)
			}
		}

	default:
		item.Version = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_items (id, task_id, agent_name, kind, key, content, metadata, importance, embedding, version, superseded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		item.ID, item.TaskID, item.AgentName, string(item.Kind), nullable(item.Key), item.Content,
		metaJSON, item.Importance, embJSON, item.Version, item.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert memory item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: memory added", "task_id", item.TaskID, "kind", item.Kind, "version", item.Version, "duration", time.Since(start))
	return item.ID, nil
}

// Search returns live (non-superseded) items sorted by score descending.
// With an embedder the query text is embedded and items rank by cosine
// similarity; items without a stored embedding, or the whole search when
// no embedder is attached, rank by token overlap.
func (s *Store) Search(ctx context.Context, q troupe.MemoryQuery) ([]troupe.MemoryItem, error) {
	start := time.Now()
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	var queryVec []float32
	if s.embedder != nil && q.Text != "" {
		vecs, err := s.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			s.logger.Warn("sqlite: query embed failed, falling back to token overlap", "error", err)
		} else if len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	query := `SELECT id, task_id, agent_name, kind, key, content, metadata, importance, embedding, version, created_at
		FROM memory_items WHERE task_id = ? AND superseded = 0`
	args := []any{q.TaskID}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if q.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, q.MinImportance)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var results []troupe.MemoryItem
	for rows.Next() {
		item, embText, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		switch {
		case q.Text == "":
			item.Score = 1
		case queryVec != nil && embText != "":
			stored := deserializeEmbedding(embText)
			item.Score = float64(cosineSimilarity(queryVec, stored))
		default:
			item.Score = troupe.DescriptionSimilarity(q.Text, item.Content)
		}
		if item.Score >= q.MinScore && item.Score > 0 {
			results = append(results, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: memory search ok", "task_id", q.TaskID, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// List returns live items newest first, optionally restricted to one
// agent's writes.
func (s *Store) List(ctx context.Context, taskID string, f troupe.MemoryFilter) ([]troupe.MemoryItem, error) {
	query := `SELECT id, task_id, agent_name, kind, key, content, metadata, importance, embedding, version, created_at
		FROM memory_items WHERE task_id = ? AND superseded = 0`
	args := []any{taskID}
	if f.AgentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, f.AgentName)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var items []troupe.MemoryItem
	for rows.Next() {
		item, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Stats summarizes a task's live memory items.
func (s *Store) Stats(ctx context.Context, taskID string) (troupe.MemoryStats, error) {
	stats := troupe.MemoryStats{ByKind: map[string]int{}, ByAgent: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM memory_items WHERE task_id = ? AND superseded = 0 GROUP BY kind`, taskID)
	if err != nil {
		return stats, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByKind[kind] = n
		stats.Count += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}

	agentRows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, COUNT(*) FROM memory_items WHERE task_id = ? AND superseded = 0 AND agent_name != '' GROUP BY agent_name`, taskID)
	if err != nil {
		return stats, fmt.Errorf("memory agent stats: %w", err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var agent string
		var n int
		if err := agentRows.Scan(&agent, &n); err != nil {
			return stats, fmt.Errorf("scan agent stats: %w", err)
		}
		stats.ByAgent[agent] = n
	}
	if err := agentRows.Err(); err != nil {
		return stats, fmt.Errorf("iterate agent stats: %w", err)
	}

	var newest, oldest sql.NullInt64
	var avgImportance sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at), MIN(created_at), AVG(importance) FROM memory_items WHERE task_id = ? AND superseded = 0`, taskID,
	).Scan(&newest, &oldest, &avgImportance)
	if err != nil {
		return stats, fmt.Errorf("memory stats range: %w", err)
	}
	stats.Newest = newest.Int64
	stats.Oldest = oldest.Int64
	stats.AvgImportance = avgImportance.Float64
	return stats, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing memory provider")
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (troupe.MemoryItem, string, error) {
	var item troupe.MemoryItem
	var kind string
	var key, metaJSON, embText sql.NullString
	if err := row.Scan(&item.ID, &item.TaskID, &item.AgentName, &kind, &key, &item.Content,
		&metaJSON, &item.Importance, &embText, &item.Version, &item.CreatedAt); err != nil {
		return item, "", fmt.Errorf("scan memory item: %w", err)
	}
	item.Kind = troupe.MemoryKind(kind)
	item.Key = key.String
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &item.Metadata)
	}
	return item, embText.String, nil
}

func marshalMeta(m map[string]string) (*string, error) {
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

// --- helpers ---

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	parts := make([]string, len(emb))
	for i, v := range emb {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	emb := make([]float32, 0, len(parts))
	for _, p := range parts {
		var v float32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err == nil {
			emb = append(emb, v)
		}
	}
	return emb
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
