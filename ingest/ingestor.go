// Package ingest converts documents into plain-text chunks and seeds a
// memory provider with them, so agents can recall the content during tasks.
//
// Markdown is chunked at heading boundaries, PDFs page by page, everything
// else by paragraph/sentence/word splitting with overlap.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nevindra/troupe"
)

var nopLogger = slog.New(slog.DiscardHandler)

// IngestResult holds the outcome of one ingest operation.
type IngestResult struct {
	Source     string
	Title      string
	ChunkCount int
	ItemIDs    []string
}

// Ingestor runs extract, chunk, store against a memory provider. Items land
// in the shared scope (empty task ID) unless WithTaskID is set, so every
// task's recall can see them.
type Ingestor struct {
	memory     troupe.MemoryProvider
	chunker    Chunker // explicit override; nil selects by content type
	extractors map[ContentType]Extractor
	taskID     string
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor with extractors for plain text, HTML,
// and PDF registered. Markdown passes through raw so the heading chunker
// can work on it.
func NewIngestor(memory troupe.MemoryProvider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		memory: memory,
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypePDF:       NewPDFExtractor(),
		},
		logger: nopLogger,
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// IngestText chunks text and stores each chunk as a memory item.
func (ing *Ingestor) IngestText(ctx context.Context, text, source, title string) (IngestResult, error) {
	chunks := ing.selectChunker(TypePlainText).Chunk(text)
	return ing.storeChunks(ctx, chunks, nil, source, title)
}

// IngestFile ingests file content, detecting the content type from the
// filename extension.
func (ing *Ingestor) IngestFile(ctx context.Context, content []byte, filename string) (IngestResult, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)
	title := filepath.Base(filename)

	extractor, ok := ing.extractors[ct]
	if !ok {
		extractor = PlainTextExtractor{}
	}

	// Extractors that report page boundaries get page-aware chunking.
	if me, ok := extractor.(MetadataExtractor); ok {
		res, err := me.ExtractWithMeta(content)
		if err != nil {
			return IngestResult{}, fmt.Errorf("extract %s: %w", ct, err)
		}
		chunks, pages := ing.chunkPages(res, ct)
		return ing.storeChunks(ctx, chunks, pages, filename, title)
	}

	text, err := extractor.Extract(content)
	if err != nil {
		return IngestResult{}, fmt.Errorf("extract %s: %w", ct, err)
	}
	chunks := ing.selectChunker(ct).Chunk(text)
	return ing.storeChunks(ctx, chunks, nil, filename, title)
}

// IngestReader reads all content from r and ingests it, detecting the
// content type from filename.
func (ing *Ingestor) IngestReader(ctx context.Context, r io.Reader, filename string) (IngestResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return IngestResult{}, fmt.Errorf("read: %w", err)
	}
	return ing.IngestFile(ctx, data, filename)
}

// chunkPages chunks each page independently so every chunk carries the page
// it came from. Falls back to whole-document chunking without page metadata.
func (ing *Ingestor) chunkPages(res ExtractResult, ct ContentType) ([]string, []int) {
	chunker := ing.selectChunker(ct)
	if len(res.Meta) == 0 {
		return chunker.Chunk(res.Text), nil
	}
	var chunks []string
	var pages []int
	for _, pm := range res.Meta {
		start, end := pm.StartByte, pm.EndByte
		if start < 0 || start >= len(res.Text) {
			continue
		}
		if end > len(res.Text) {
			end = len(res.Text)
		}
		for _, c := range chunker.Chunk(res.Text[start:end]) {
			chunks = append(chunks, c)
			pages = append(pages, pm.PageNumber)
		}
	}
	return chunks, pages
}

// storeChunks adds one memory item per chunk. pages may be nil; when set it
// holds the page number for the chunk at the same index.
func (ing *Ingestor) storeChunks(ctx context.Context, chunks []string, pages []int, source, title string) (IngestResult, error) {
	result := IngestResult{Source: source, Title: title}
	for i, c := range chunks {
		meta := map[string]string{
			"source": source,
			"chunk":  strconv.Itoa(i),
		}
		if title != "" {
			meta["title"] = title
		}
		if pages != nil {
			meta["page"] = strconv.Itoa(pages[i])
		}
		id, err := ing.memory.Add(ctx, troupe.MemoryItem{
			TaskID:   ing.taskID,
			Kind:     troupe.MemoryText,
			Content:  c,
			Metadata: meta,
		})
		if err != nil {
			return result, fmt.Errorf("store chunk %d of %s: %w", i, source, err)
		}
		result.ItemIDs = append(result.ItemIDs, id)
		result.ChunkCount++
	}
	ing.logger.Debug("document ingested", "source", source, "chunks", result.ChunkCount)
	return result, nil
}

// selectChunker returns the chunker for the content type. An explicit
// WithChunker override always wins.
func (ing *Ingestor) selectChunker(ct ContentType) Chunker {
	if ing.chunker != nil {
		return ing.chunker
	}
	if ct == TypeMarkdown {
		return NewMarkdownChunker()
	}
	return NewRecursiveChunker()
}
