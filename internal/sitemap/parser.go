package sitemap

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Document is a parsed sitemap body.
type Document struct {
	// Index is true for a <sitemapindex>; Locations then lists nested sitemaps.
	Index     bool
	Locations []string
}

// Parser turns a sitemap body into its <loc> entries.
type Parser interface {
	Parse(body []byte) (Document, error)
}

var errNoLocations = errors.New("no <loc> entries")

// XMLParser parses sitemaps with an XPath engine. Element names are matched by
// local name so namespaced documents parse the same as bare ones.
type XMLParser struct{}

// Parse implements Parser.
func (XMLParser) Parse(body []byte) (Document, error) {
	root, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse sitemap xml: %w", err)
	}
	if xmlquery.FindOne(root, "//*[local-name()='sitemapindex']") != nil {
		locs := collectLocs(root, "//*[local-name()='sitemap']/*[local-name()='loc']")
		return Document{Index: true, Locations: locs}, nil
	}
	if xmlquery.FindOne(root, "//*[local-name()='urlset']") == nil {
		return Document{}, errors.New("parse sitemap xml: neither urlset nor sitemapindex")
	}
	return Document{Locations: collectLocs(root, "//*[local-name()='url']/*[local-name()='loc']")}, nil
}

func collectLocs(root *xmlquery.Node, expr string) []string {
	nodes := xmlquery.Find(root, expr)
	locs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs
}

var (
	locPattern   = regexp.MustCompile(`(?is)<(?:[a-z0-9_]+:)?loc>\s*(.*?)\s*</(?:[a-z0-9_]+:)?loc>`)
	indexPattern = regexp.MustCompile(`(?i)<(?:[a-z0-9_]+:)?sitemapindex[\s>]`)
	cdataPattern = regexp.MustCompile(`(?s)^<!\[CDATA\[(.*)\]\]>$`)
)

// RegexParser scans for <loc> elements without building a tree. It tolerates
// documents a strict XML parser rejects (truncated bodies, stray entities).
type RegexParser struct{}

// Parse implements Parser.
func (RegexParser) Parse(body []byte) (Document, error) {
	matches := locPattern.FindAllSubmatch(body, -1)
	if len(matches) == 0 {
		return Document{}, errNoLocations
	}
	locs := make([]string, 0, len(matches))
	for _, m := range matches {
		loc := string(m[1])
		if sub := cdataPattern.FindStringSubmatch(loc); sub != nil {
			loc = sub[1]
		}
		loc = strings.TrimSpace(html.UnescapeString(loc))
		if loc != "" {
			locs = append(locs, loc)
		}
	}
	return Document{Index: indexPattern.Match(body), Locations: locs}, nil
}

// FallbackParser tries each parser in order and returns the first success.
type FallbackParser []Parser

// Parse implements Parser.
func (f FallbackParser) Parse(body []byte) (Document, error) {
	var errs []error
	for _, p := range f {
		doc, err := p.Parse(body)
		if err == nil {
			return doc, nil
		}
		errs = append(errs, err)
	}
	return Document{}, errors.Join(errs...)
}
