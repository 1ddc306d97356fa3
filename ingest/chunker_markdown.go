package ingest

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	gtext "github.com/yuin/goldmark/text"
)

var _ Chunker = (*MarkdownChunker)(nil)

// MarkdownChunker cuts markdown documents into chunks along heading
// boundaries, keeping each heading with the prose under it. The "#"
// markers stay in the chunk text so retrieved chunks carry their own
// context. Sections are packed together up to the size cap; a section
// too large on its own falls back to recursive splitting.
type MarkdownChunker struct {
	maxBytes int
	parser   parser.Parser
	fallback *RecursiveChunker
}

// NewMarkdownChunker builds a heading-aware chunker. It honors the same
// WithMaxTokens and WithOverlapTokens options as NewRecursiveChunker;
// overlap applies only inside fallback-split sections.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		maxBytes: cfg.maxTokens * 4,
		parser:   goldmark.New().Parser(),
		fallback: NewRecursiveChunker(opts...),
	}
}

func (mc *MarkdownChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= mc.maxBytes {
		return []string{text}
	}
	return mc.mergeSections(mc.splitSections(text))
}

// splitSections splits the source at top-level heading boundaries found by
// the markdown parser. Headings nested inside blockquotes or lists do not
// create boundaries. Content before the first heading becomes its own section.
func (mc *MarkdownChunker) splitSections(text string) []string {
	source := []byte(text)
	doc := mc.parser.Parse(gtext.NewReader(source))

	var offsets []int
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		h, ok := node.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		// The heading's line segment starts after the "#" markers; walk
		// back to the start of the line so the markers stay in the chunk.
		seg := h.Lines().At(0)
		offsets = append(offsets, lineStart(source, seg.Start))
	}
	if len(offsets) == 0 {
		return []string{text}
	}

	var sections []string
	if offsets[0] > 0 {
		if pre := strings.TrimSpace(text[:offsets[0]]); pre != "" {
			sections = append(sections, pre)
		}
	}
	for i, off := range offsets {
		end := len(text)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if section := strings.TrimSpace(text[off:end]); section != "" {
			sections = append(sections, section)
		}
	}
	return sections
}

// lineStart returns the byte offset of the start of the line containing pos.
func lineStart(source []byte, pos int) int {
	if pos > len(source) {
		pos = len(source)
	}
	if i := bytes.LastIndexByte(source[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// mergeSections greedily packs adjacent sections into chunks of at most
// maxBytes. A section that alone exceeds the limit goes through the
// recursive fallback instead.
func (mc *MarkdownChunker) mergeSections(sections []string) []string {
	var chunks []string
	cur := ""
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}

	for _, sec := range sections {
		if len(sec) > mc.maxBytes {
			flush()
			chunks = append(chunks, mc.fallback.Chunk(sec)...)
			continue
		}
		switch {
		case cur == "":
			cur = sec
		case len(cur)+2+len(sec) <= mc.maxBytes:
			cur += "\n\n" + sec
		default:
			flush()
			cur = sec
		}
	}
	flush()
	return chunks
}
