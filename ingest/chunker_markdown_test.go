package ingest

import (
	"strings"
	"testing"
)

func TestMarkdownChunkerShortDocSingleChunk(t *testing.T) {
	mc := NewMarkdownChunker()
	text := "# Notes\n\nA short document."
	chunks := mc.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0] != text {
		t.Errorf("chunks[0] = %q, want input unchanged", chunks[0])
	}
}

func TestMarkdownChunkerBlankInput(t *testing.T) {
	mc := NewMarkdownChunker()
	if chunks := mc.Chunk(""); chunks != nil {
		t.Errorf("Chunk(\"\") = %v, want nil", chunks)
	}
	if chunks := mc.Chunk("  \n\n \t"); chunks != nil {
		t.Errorf("whitespace-only input should yield nil, got %v", chunks)
	}
}

func TestMarkdownChunkerSectionsKeepTheirHeading(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(50)) // 200 chars

	text := "# Alpha\n\n" + strings.Repeat("alpha words here. ", 8) +
		"\n\n# Beta\n\n" + strings.Repeat("beta words here. ", 8)

	chunks := mc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want at least 2", len(chunks))
	}
	var alpha, beta bool
	for _, c := range chunks {
		if strings.HasPrefix(c, "# Alpha") {
			alpha = true
		}
		if strings.HasPrefix(c, "# Beta") {
			beta = true
		}
	}
	if !alpha || !beta {
		t.Errorf("headings should start their chunks: alpha=%v beta=%v", alpha, beta)
	}
}

func TestMarkdownChunkerPacksSmallSections(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(64)) // 256 chars

	text := "# One\n\nTiny.\n\n# Two\n\nAlso tiny.\n\n# Three\n\nStill tiny." +
		"\n\n# Four\n\n" + strings.Repeat("filler text. ", 30)

	chunks := mc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want at least 2", len(chunks))
	}
	for _, h := range []string{"# One", "# Two", "# Three"} {
		if !strings.Contains(chunks[0], h) {
			t.Errorf("small sections should pack together, %s missing from %q", h, chunks[0])
		}
	}
	for i, c := range chunks {
		if len(c) > 256 {
			t.Errorf("chunks[%d] has %d chars, want <= 256", i, len(c))
		}
	}
}

func TestMarkdownChunkerLevelTwoHeadings(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(30)) // 120 chars

	text := "## Intro\n\n" + strings.Repeat("intro words here. ", 6) +
		"\n\n## Methods\n\n" + strings.Repeat("method words go. ", 6)

	chunks := mc.Chunk(text)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if !strings.HasPrefix(chunks[0], "## Intro") {
		t.Errorf("chunks[0] = %q, want ## Intro prefix", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "## Methods") {
		t.Errorf("chunks[1] = %q, want ## Methods prefix", chunks[1])
	}
}

func TestMarkdownChunkerFallbackCapsChunkSize(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(25)) // 100 chars

	text := "# Big\n\n" + strings.Repeat("word ", 50)
	chunks := mc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("oversized section should split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunks[%d] has %d chars, want <= 100", i, len(c))
		}
	}
}

func TestMarkdownChunkerIgnoresHeadingsInCodeFences(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(40)) // 160 chars

	// The "# not a heading" line sits inside a fenced code block and must
	// not become a section boundary.
	fence := "```\n# not a heading\ncode line\n```"
	text := "# Real Section\n\n" + fence + "\n\nTrailing prose after the fence. " +
		strings.Repeat("More words here. ", 10)

	chunks := mc.Chunk(text)
	for _, c := range chunks {
		if strings.HasPrefix(c, "# not a heading") {
			t.Errorf("chunk starts inside code fence: %q", c)
		}
	}
}

func TestMarkdownChunkerContentBeforeFirstHeading(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxTokens(25)) // 100 chars

	text := strings.Repeat("Preamble words here. ", 6) + "\n\n# First\n\n" +
		strings.Repeat("Section words here. ", 6)

	chunks := mc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if strings.HasPrefix(chunks[0], "#") {
		t.Error("preamble should come before the first heading chunk")
	}
}
