package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	_ Extractor         = PDFExtractor{}
	_ MetadataExtractor = PDFExtractor{}
)

// PDFExtractor pulls plain text out of PDF documents, page by page.
// Pages that fail to decode are skipped rather than failing the whole
// document.
type PDFExtractor struct{}

// NewPDFExtractor creates a PDF extractor.
func NewPDFExtractor() PDFExtractor { return PDFExtractor{} }

func (e PDFExtractor) Extract(content []byte) (string, error) {
	res, err := e.ExtractWithMeta(content)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// ExtractWithMeta extracts text along with the byte range each page
// occupies in the result, so chunks can carry their page number.
func (e PDFExtractor) ExtractWithMeta(content []byte) (ExtractResult, error) {
	if len(content) == 0 {
		return ExtractResult{}, errors.New("empty pdf document")
	}
	doc, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("parse pdf: %w", err)
	}

	var b strings.Builder
	var meta []PageMeta
	for n := 1; n <= doc.NumPage(); n++ {
		page := doc.Page(n)
		if page.V.IsNull() {
			continue
		}
		raw, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(text)
		meta = append(meta, PageMeta{PageNumber: n, StartByte: start, EndByte: b.Len()})
	}
	return ExtractResult{Text: strings.TrimSpace(b.String()), Meta: meta}, nil
}
