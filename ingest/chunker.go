package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunker splits text into chunks sized for memory recall.
type Chunker interface {
	Chunk(text string) []string
}

// ChunkerOption configures a chunker implementation.
type ChunkerOption func(*chunkerConfig)

type chunkerConfig struct {
	maxTokens     int
	overlapTokens int
}

func defaultChunkerConfig() chunkerConfig {
	return chunkerConfig{maxTokens: 512, overlapTokens: 50}
}

// WithMaxTokens caps chunk size in tokens, approximated as four characters
// per token.
func WithMaxTokens(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.maxTokens = n }
}

// WithOverlapTokens sets how much of a chunk's tail is repeated at the
// start of the next chunk.
func WithOverlapTokens(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.overlapTokens = n }
}

// RecursiveChunker splits on paragraph boundaries first, then sentences,
// then words, and packs the pieces back into chunks with a configurable
// overlap. Sentence detection skips common abbreviations (Mr., e.g., etc.)
// and decimal numbers, and recognizes CJK sentence punctuation.
type RecursiveChunker struct {
	maxChars     int
	overlapChars int
}

// NewRecursiveChunker creates a RecursiveChunker.
func NewRecursiveChunker(opts ...ChunkerOption) *RecursiveChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &RecursiveChunker{
		maxChars:     cfg.maxTokens * 4,
		overlapChars: cfg.overlapTokens * 4,
	}
}

// Chunk splits text into chunks no longer than the configured maximum.
func (rc *RecursiveChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= rc.maxChars {
		return []string{text}
	}
	return rc.pack(rc.atoms(text))
}

// atoms cuts text into pieces that each fit maxChars: whole paragraphs
// where possible, otherwise sentences, otherwise word runs.
func (rc *RecursiveChunker) atoms(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= rc.maxChars {
			out = append(out, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if len(sentence) <= rc.maxChars {
				out = append(out, sentence)
				continue
			}
			out = append(out, splitWords(sentence, rc.maxChars)...)
		}
	}
	return out
}

// pack greedily merges atoms into chunks up to maxChars. When a chunk is
// emitted, its tail is carried into the next chunk as overlap, provided the
// tail still leaves room for the pending atom.
func (rc *RecursiveChunker) pack(atoms []string) []string {
	var chunks []string
	var cur strings.Builder
	for _, atom := range atoms {
		if cur.Len() > 0 && cur.Len()+1+len(atom) > rc.maxChars {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			tail := overlapTail(chunk, rc.overlapChars)
			if tail != "" && len(tail)+1+len(atom) <= rc.maxChars {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(atom)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// overlapTail returns at most n trailing characters of chunk, cut forward
// to a word boundary.
func overlapTail(chunk string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}

// splitSentences cuts text at sentence boundaries. Text without any
// detectable boundary comes back whole.
func splitSentences(text string) []string {
	ends := sentenceEnds(text)
	if len(ends) == 0 {
		return []string{text}
	}
	var out []string
	start := 0
	for _, end := range ends {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// sentenceEnds returns the byte offsets where sentences end. CJK full
// stops always end a sentence. ASCII terminators count only when followed
// by a newline, by end of text after a space, or by a space and a capital
// letter; dots inside numbers or after known abbreviations never count.
func sentenceEnds(text string) []int {
	var ends []int
	for i, r := range text {
		size := utf8.RuneLen(r)
		switch r {
		case '。', '！', '？':
			ends = append(ends, i+size)
			continue
		case '.', '!', '?':
		default:
			continue
		}
		if r == '.' && (betweenDigits(text, i) || endsAbbreviation(text, i)) {
			continue
		}
		rest := text[i+size:]
		switch {
		case rest == "":
		case rest[0] == '\n':
			ends = append(ends, i+size)
		case rest[0] != ' ':
		case len(rest) == 1:
			ends = append(ends, len(text))
		default:
			if next, _ := utf8.DecodeRuneInString(rest[1:]); unicode.IsUpper(next) {
				ends = append(ends, i+size+1)
			}
		}
	}
	return ends
}

// betweenDigits reports whether the dot at byte offset dot sits inside a
// number like 3.14 or 1.50.
func betweenDigits(text string, dot int) bool {
	return dot > 0 && dot+1 < len(text) &&
		text[dot-1] >= '0' && text[dot-1] <= '9' &&
		text[dot+1] >= '0' && text[dot+1] <= '9'
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sr": true, "jr": true,
	"vs": true, "etc": true, "inc": true, "ltd": true,
	"e.g": true, "i.e": true, "viz": true, "al": true,
	"approx": true, "dept": true, "est": true,
	"fig": true, "no": true, "vol": true,
}

// endsAbbreviation reports whether the word ending at the dot is a known
// abbreviation. The scan walks back over letters and interior dots, so
// both "Mr." and "e.g." match.
func endsAbbreviation(text string, dot int) bool {
	start := dot
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	return abbreviations[strings.ToLower(text[start:dot])]
}

// splitWords packs whitespace-separated words into segments of at most
// maxChars, hard-cutting single words longer than that.
func splitWords(text string, maxChars int) []string {
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > maxChars {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, word[:maxChars])
			word = word[maxChars:]
		}
		if word == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(word) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
