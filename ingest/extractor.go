package ingest

import (
	"strconv"
	"strings"
	"unicode"
)

// Extractor converts raw content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ExtractResult holds extracted text and optional per-page metadata.
type ExtractResult struct {
	Text string
	Meta []PageMeta
}

// PageMeta marks the byte range in ExtractResult.Text covered by one page,
// so the ingestor can tag chunks with the page they came from.
type PageMeta struct {
	PageNumber int
	StartByte  int
	EndByte    int
}

// MetadataExtractor is an optional capability for extractors that produce
// page metadata alongside text. When an Extractor also implements
// MetadataExtractor, the ingestor uses ExtractWithMeta instead of Extract
// and chunks page by page.
type MetadataExtractor interface {
	ExtractWithMeta(content []byte) (ExtractResult, error)
}

// ContentType identifies the MIME type of content for extraction.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeHTML      ContentType = "text/html"
	TypeMarkdown  ContentType = "text/markdown"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps file extensions to content types.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(ext) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// PlainTextExtractor returns content as-is. It also serves markdown, which
// must keep its structure so the heading chunker can split on it.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

// HTMLExtractor strips HTML tags, scripts, styles, and decodes entities.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	return StripHTML(string(content)), nil
}

// Tags that imply a line break in the text rendering.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "table": true, "tr": true,
	"blockquote": true, "pre": true,
	"section": true, "article": true, "header": true, "footer": true,
	"nav": true, "main": true,
}

// StripHTML removes tags, drops script and style bodies, decodes entity
// references, and collapses the remaining whitespace. It is a text
// salvager, not a parser: malformed markup degrades to extra or missing
// line breaks, never to an error.
func StripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	skipUntil := "" // closing tag that ends a script or style body
	i := 0
	for i < len(content) {
		c := content[i]

		if skipUntil != "" {
			// Inside a script or style body only the matching closing tag
			// matters. A stray '<' (say, a comparison in script source)
			// advances one byte so it cannot swallow the close.
			if c == '<' {
				if name, next := readTag(content, i); name == skipUntil {
					skipUntil = ""
					i = next
					continue
				}
			}
			i++
			continue
		}
		if c == '<' {
			name, next := readTag(content, i)
			switch name {
			case "script":
				skipUntil = "/script"
			case "style":
				skipUntil = "/style"
			}
			if blockTags[strings.TrimPrefix(name, "/")] {
				out.WriteByte('\n')
			}
			i = next
			continue
		}
		if c == '&' {
			if s, n := decodeEntity(content, i); n > 0 {
				out.WriteString(s)
				i += n
				continue
			}
		}
		out.WriteByte(c)
		i++
	}

	return collapseWhitespace(out.String())
}

// readTag scans the tag starting at '<' and returns its lowercased name
// (keeping a leading '/' on closing tags) and the index just past '>'.
func readTag(content string, start int) (string, int) {
	i := start + 1
	j := i
	for j < len(content) {
		c := content[j]
		if c == '>' || c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			break
		}
		if c == '/' && j > i {
			break
		}
		j++
	}
	name := strings.ToLower(content[i:j])
	for j < len(content) && content[j] != '>' {
		j++
	}
	if j < len(content) {
		j++
	}
	return name, j
}

const entityMaxLen = 12

var namedEntities = map[string]string{
	"&amp;":    "&",
	"&lt;":     "<",
	"&gt;":     ">",
	"&quot;":   "\"",
	"&apos;":   "'",
	"&nbsp;":   " ",
	"&mdash;":  "—",
	"&ndash;":  "–",
	"&copy;":   "©",
	"&reg;":    "®",
	"&trade;":  "™",
	"&hellip;": "…",
	"&laquo;":  "«",
	"&raquo;":  "»",
	"&bull;":   "•",
	"&middot;": "·",
	"&times;":  "×",
	"&divide;": "÷",
	"&deg;":    "°",
	"&euro;":   "€",
	"&pound;":  "£",
	"&yen;":    "¥",
	"&cent;":   "¢",
}

// decodeEntity decodes the entity reference starting at '&'. It returns
// the decoded text and the number of bytes consumed, or zero when the
// input is not a well-formed reference.
func decodeEntity(content string, start int) (string, int) {
	limit := start + entityMaxLen
	if limit > len(content) {
		limit = len(content)
	}
	end := start + 1
	for end < limit && content[end] != ';' {
		c := content[end]
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '#'
		if !ok {
			return "", 0
		}
		end++
	}
	if end >= limit || content[end] != ';' {
		return "", 0
	}

	ref := content[start : end+1]
	if s, ok := namedEntities[ref]; ok {
		return s, len(ref)
	}
	// Numeric references: &#233; or &#xE9;.
	if len(ref) > 3 && ref[1] == '#' {
		num := ref[2 : len(ref)-1]
		base := 10
		if num != "" && (num[0] == 'x' || num[0] == 'X') {
			num, base = num[1:], 16
		}
		if cp, err := strconv.ParseInt(num, base, 32); err == nil && cp > 0 && cp <= unicode.MaxRune {
			return string(rune(cp)), len(ref)
		}
	}
	return "", 0
}

// collapseWhitespace trims every line and collapses runs of blank lines:
// a single blank line joins its neighbors, two or more become one blank
// line.
func collapseWhitespace(text string) string {
	var out []string
	blanks := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blanks++
			continue
		}
		if len(out) > 0 && blanks > 1 {
			out = append(out, "")
		}
		out = append(out, line)
		blanks = 0
	}
	return strings.Join(out, "\n")
}
