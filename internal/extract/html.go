package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	strippedSelectors = "script, style, noscript, svg, template, iframe, head"
	blockSelectors    = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, section, article, blockquote, pre, dt, dd"
)

func extractHTML(body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find(strippedSelectors).Remove()
	doc.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return Document{Title: title, Text: normalize(root.Text())}, nil
}
