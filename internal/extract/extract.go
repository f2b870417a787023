// Package extract turns fetched or uploaded bytes into plain text: a
// best-effort HTML strip, pattern-based document extraction for DOCX and
// PDF, and a printable-character fallback for everything else.
package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// DefaultMaxChars caps extracted text.
const DefaultMaxChars = 50000

// Format is the detected document family.
type Format string

// Supported formats.
const (
	FormatHTML  Format = "html"
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatPlain Format = "plain"
)

// Document is the result of an extraction.
type Document struct {
	Format    Format
	Title     string
	Text      string
	Truncated bool
}

// Extractor dispatches bytes to the matching format extractor.
type Extractor struct {
	maxChars int
}

// New builds an Extractor. maxChars <= 0 selects DefaultMaxChars.
func New(maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Extractor{maxChars: maxChars}
}

// Extract detects the format from the content type, name and leading bytes
// and returns the document text. A PDF the reader rejects or finds no text in,
// and a DOCX that is not a zip archive, fall back to their printable
// characters. ingest.ErrNoText is returned when nothing usable remains.
func (e *Extractor) Extract(contentType, name string, body []byte) (Document, error) {
	format := Detect(contentType, name, body)
	var (
		doc Document
		err error
	)
	switch format {
	case FormatHTML:
		doc, err = extractHTML(body)
	case FormatPDF:
		doc, err = extractPDF(body)
		if err != nil || strings.TrimSpace(doc.Text) == "" {
			doc, err = Document{Text: extractPlain(body)}, nil
		}
	case FormatDOCX:
		doc, err = extractDOCX(body)
		if errors.Is(err, zip.ErrFormat) {
			doc, err = Document{Text: extractPlain(body)}, nil
		}
	default:
		doc = Document{Text: extractPlain(body)}
	}
	if err != nil {
		return Document{}, fmt.Errorf("extract %s: %w", format, err)
	}
	doc.Format = format
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, fmt.Errorf("extract %s: %w", format, ingest.ErrNoText)
	}
	doc.Text, doc.Truncated = Truncate(doc.Text, e.maxChars)
	return doc, nil
}

// Detect picks a Format for the payload.
func Detect(contentType, name string, body []byte) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return FormatHTML
	case mediaType == "application/pdf":
		return FormatPDF
	case mediaType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FormatDOCX
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	}
	switch {
	case bytes.HasPrefix(body, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(body, []byte("PK\x03\x04")):
		return FormatDOCX
	case looksLikeHTML(body):
		return FormatHTML
	}
	return FormatPlain
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(lower, []byte("<!doctype html")) ||
		bytes.HasPrefix(lower, []byte("<html")) ||
		bytes.Contains(lower, []byte("<body"))
}

// normalize collapses runs of blanks inside each line and drops empty lines.
func normalize(text string) string {
	text = strings.ToValidUTF8(strings.ReplaceAll(text, "\x00", " "), "")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}
