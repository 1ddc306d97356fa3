package ingest

import "log/slog"

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithChunker forces a single chunker for all content types, overriding
// the per-type selection.
func WithChunker(c Chunker) Option {
	return func(ing *Ingestor) { ing.chunker = c }
}

// WithExtractor registers an Extractor for a given ContentType.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithTaskID scopes ingested items to a single task instead of the shared
// scope visible to all tasks.
func WithTaskID(id string) Option {
	return func(ing *Ingestor) { ing.taskID = id }
}

// WithLogger sets the logger for ingest progress. Defaults to no logging.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) {
		if l != nil {
			ing.logger = l
		}
	}
}
