// Package chromem implements troupe.MemoryProvider on chromem-go, an
// embedded pure-Go vector database. Each task gets its own collection so
// searches never cross task boundaries.
//
// chromem stores vectors and serves similarity queries but offers no way
// to enumerate documents, so the provider keeps a sidecar catalog (one
// JSON file, atomic rename on write) holding every live item. List, Stats
// and keyed upserts are served from the catalog; Search goes through
// chromem.
//
// An embedder is required: this backend exists for vector recall. Teams
// that want memory without an embedding backend should use the sqlite
// provider, which degrades to token-overlap scoring.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/nevindra/troupe"
)

const (
	defaultTopK = 5
	catalogFile = "catalog.json"
)

// StoreOption configures a chromem memory provider.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithCompression enables gzip compression for persisted vectors.
func WithCompression() StoreOption {
	return func(s *Store) { s.compress = true }
}

// Store implements troupe.MemoryProvider backed by chromem-go collections.
type Store struct {
	db       *chromem.DB
	embedder troupe.EmbeddingBrain
	path     string
	compress bool
	logger   *slog.Logger

	mu      sync.Mutex
	catalog map[string][]troupe.MemoryItem // taskID -> live items, insertion order
}

var _ troupe.MemoryProvider = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a chromem memory provider. With a non-empty dir both vectors
// and the catalog persist there; with an empty dir everything stays in
// memory. The embedder is mandatory.
func New(dir string, embedder troupe.EmbeddingBrain, opts ...StoreOption) (*Store, error) {
	if embedder == nil {
		return nil, troupe.NewError(troupe.KindMemory, "chromem memory provider requires an embedder")
	}
	s := &Store{
		embedder: embedder,
		path:     dir,
		logger:   nopLogger,
		catalog:  make(map[string][]troupe.MemoryItem),
	}
	for _, o := range opts {
		o(s)
	}

	if dir == "" {
		s.db = chromem.NewDB()
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "vectors"), s.compress)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	s.db = db
	if err := s.loadCatalog(); err != nil {
		return nil, err
	}
	s.logger.Debug("chromem: memory provider opened", "path", dir, "tasks", len(s.catalog))
	return s, nil
}

// collection returns the task's collection, creating it on first use.
func (s *Store) collection(taskID string) (*chromem.Collection, error) {
	name := "task-" + taskID
	if taskID == "" {
		name = "global"
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embedText)
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}
	return col, nil
}

// embedText adapts the troupe embedder to chromem's single-text signature.
func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}
	return vecs[0], nil
}

// Add stores an item durably before returning. key_value items upsert in
// place; versioned_text items bump the version and replace the previous
// entry for the same key, so superseded versions drop out of search and
// listing immediately.
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
	if item.CreatedAt == 0 {
		item.CreatedAt = troupe.NowUnix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item.Version = 1
	replaceAt := -1
	switch item.Kind {
	case troupe.MemoryKeyValue:
		// The key keeps its identity: same document ID, version stays 1.
		item.ID = "kv-" + item.Key
		if i := s.findKeyed(item.TaskID, item.Kind, item.Key); i >= 0 {
			replaceAt = i
		}
	case troupe.MemoryVersionedText:
		item.ID = "vt-" + item.Key
		if i := s.findKeyed(item.TaskID, item.Kind, item.Key); i >= 0 {
			item.Version = s.catalog[item.TaskID][i].Version + 1
			replaceAt = i
		}
	default:
		if item.ID == "" {
			item.ID = troupe.NewID()
		}
	}

	col, err := s.collection(item.TaskID)
	if err != nil {
		return "", err
	}
	doc := chromem.Document{
		ID:       item.ID,
		Content:  item.Content,
		Metadata: docMetadata(item),
	}
	// AddDocument embeds via the collection's embedding func and, for a
	// persistent DB, writes through to disk. Same-ID adds overwrite.
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", troupe.WrapError(troupe.KindMemory, err, "add document")
	}

	if replaceAt >= 0 {
		s.catalog[item.TaskID][replaceAt] = item
	} else {
		s.catalog[item.TaskID] = append(s.catalog[item.TaskID], item)
	}
	if err := s.saveCatalog(); err != nil {
		return "", err
	}

	s.logger.Debug("chromem: memory added", "task_id", item.TaskID, "kind", item.Kind,
		"version", item.Version, "duration", time.Since(start))
	return item.ID, nil
}

// findKeyed returns the catalog index of the live item with the given kind
// and key, or -1. Caller holds s.mu.
func (s *Store) findKeyed(taskID string, kind troupe.MemoryKind, key string) int {
	for i, it := range s.catalog[taskID] {
		if it.Kind == kind && it.Key == key {
			return i
		}
	}
	return -1
}

// Search embeds the query text and ranks the task's items by cosine
// similarity. An empty query text returns items unranked (score 1),
// newest first, like the sqlite provider.
func (s *Store) Search(ctx context.Context, q troupe.MemoryQuery) ([]troupe.MemoryItem, error) {
	start := time.Now()
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	if q.Text == "" {
		return s.searchUnranked(q, topK), nil
	}

	s.mu.Lock()
	count := len(s.catalog[q.TaskID])
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}

	col, err := s.collection(q.TaskID)
	if err != nil {
		return nil, err
	}
	// chromem rejects queries asking for more results than the collection
	// holds.
	n := topK
	if c := col.Count(); n > c {
		n = c
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if q.Kind != "" {
		where = map[string]string{"kind": string(q.Kind)}
	}

	queryVec, err := s.embedText(ctx, q.Text)
	if err != nil {
		return nil, troupe.WrapError(troupe.KindMemory, err, "embed query")
	}
	hits, err := col.QueryEmbedding(ctx, queryVec, n, where, nil)
	if err != nil {
		return nil, troupe.WrapError(troupe.KindMemory, err, "query collection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]troupe.MemoryItem, len(s.catalog[q.TaskID]))
	for _, it := range s.catalog[q.TaskID] {
		byID[it.ID] = it
	}

	results := make([]troupe.MemoryItem, 0, len(hits))
	for _, h := range hits {
		item, ok := byID[h.ID]
		if !ok {
			continue
		}
		if item.Importance < q.MinImportance {
			continue
		}
		item.Score = float64(h.Similarity)
		if item.Score >= q.MinScore && item.Score > 0 {
			results = append(results, item)
		}
	}
	s.logger.Debug("chromem: memory search ok", "task_id", q.TaskID, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// searchUnranked serves empty-text searches from the catalog.
func (s *Store) searchUnranked(q troupe.MemoryQuery, topK int) []troupe.MemoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []troupe.MemoryItem
	for _, it := range s.catalog[q.TaskID] {
		if q.Kind != "" && it.Kind != q.Kind {
			continue
		}
		if it.Importance < q.MinImportance {
			continue
		}
		it.Score = 1
		results = append(results, it)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// List returns live items newest first, optionally narrowed to one agent.
func (s *Store) List(ctx context.Context, taskID string, f troupe.MemoryFilter) ([]troupe.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]troupe.MemoryItem, 0, len(s.catalog[taskID]))
	for _, it := range s.catalog[taskID] {
		if f.AgentName != "" && it.AgentName != f.AgentName {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID > items[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil, nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

// Stats summarizes a task's live memory items.
func (s *Store) Stats(ctx context.Context, taskID string) (troupe.MemoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := troupe.MemoryStats{ByKind: map[string]int{}, ByAgent: map[string]int{}}
	var importanceSum float64
	for _, it := range s.catalog[taskID] {
		stats.ByKind[string(it.Kind)]++
		if it.AgentName != "" {
			stats.ByAgent[it.AgentName]++
		}
		importanceSum += it.Importance
		stats.Count++
		if it.CreatedAt > stats.Newest {
			stats.Newest = it.CreatedAt
		}
		if stats.Oldest == 0 || it.CreatedAt < stats.Oldest {
			stats.Oldest = it.CreatedAt
		}
	}
	if stats.Count > 0 {
		stats.AvgImportance = importanceSum / float64(stats.Count)
	}
	return stats, nil
}

// Close flushes the catalog. Vector writes persist as they happen.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("chromem: closing memory provider")
	return s.saveCatalog()
}

// docMetadata flattens an item into chromem document metadata so kind
// filters work server-side.
func docMetadata(item troupe.MemoryItem) map[string]string {
	meta := map[string]string{
		"kind":       string(item.Kind),
		"created_at": fmt.Sprintf("%d", item.CreatedAt),
	}
	if item.Key != "" {
		meta["key"] = item.Key
	}
	if item.AgentName != "" {
		meta["agent"] = item.AgentName
	}
	for k, v := range item.Metadata {
		meta[k] = v
	}
	return meta
}

// loadCatalog reads the sidecar catalog from disk. Missing file means a
// fresh store. Caller need not hold s.mu: only New calls this.
func (s *Store) loadCatalog() error {
	data, err := os.ReadFile(filepath.Join(s.path, catalogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}
	if err := json.Unmarshal(data, &s.catalog); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	return nil
}

// saveCatalog writes the catalog through a temp file and rename so readers
// never observe a partial document. Caller holds s.mu.
func (s *Store) saveCatalog() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.catalog)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	target := filepath.Join(s.path, catalogFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename catalog: %w", err)
	}
	return nil
}
