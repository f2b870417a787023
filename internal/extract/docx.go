package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

var (
	docxParagraph = regexp.MustCompile(`</w:p>`)
	docxTextRun   = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	xmlTag        = regexp.MustCompile(`<[^>]*>`)
)

// extractDOCX scans word/document.xml for text runs, keeping paragraph breaks.
// A document without runs yields the character data of the whole part.
func extractDOCX(body []byte) (Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Document{}, fmt.Errorf("open docx: %w", err)
	}
	var xmlBody []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Document{}, fmt.Errorf("open document.xml: %w", err)
		}
		xmlBody, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return Document{}, fmt.Errorf("read document.xml: %w", err)
		}
		break
	}
	if xmlBody == nil {
		return Document{}, fmt.Errorf("docx has no word/document.xml")
	}
	var sb strings.Builder
	for _, para := range docxParagraph.Split(string(xmlBody), -1) {
		for _, m := range docxTextRun.FindAllStringSubmatch(para, -1) {
			sb.WriteString(html.UnescapeString(m[1]))
		}
		sb.WriteByte('\n')
	}
	text := normalize(sb.String())
	if text == "" {
		para := docxParagraph.ReplaceAllString(string(xmlBody), "\n")
		text = normalize(html.UnescapeString(xmlTag.ReplaceAllString(para, " ")))
	}
	return Document{Text: text}, nil
}
