// Package sitemap expands a sitemap or sitemap index into the page URLs it
// lists.
package sitemap

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/kb-ingest/internal/fetcher"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

const defaultNestedConcurrency = 4

// skippedExtensions lists path suffixes that never point at a crawlable page.
var skippedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".css": {}, ".js": {}, ".pdf": {},
}

// Config tunes a Resolver.
type Config struct {
	// NestedConcurrency bounds concurrent fetches of nested sitemaps.
	NestedConcurrency int
}

// Resolver fetches and flattens sitemaps.
type Resolver struct {
	fetcher fetcher.RawFetcher
	parser  Parser
	limit   int
	logger  *zap.Logger
}

// NewResolver builds a Resolver. parser may be nil to use the XML parser with
// the regex fallback.
func NewResolver(raw fetcher.RawFetcher, parser Parser, cfg Config, logger *zap.Logger) *Resolver {
	if parser == nil {
		parser = FallbackParser{XMLParser{}, RegexParser{}}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NestedConcurrency <= 0 {
		cfg.NestedConcurrency = defaultNestedConcurrency
	}
	return &Resolver{fetcher: raw, parser: parser, limit: cfg.NestedConcurrency, logger: logger.Named("sitemap")}
}

// Resolve fetches rootURL and returns the page URLs it lists, following one
// level of sitemap index. A failure on the root is a *ingest.SetupError.
func (r *Resolver) Resolve(ctx context.Context, rootURL string) ([]string, error) {
	rootURL = strings.TrimSpace(rootURL)
	if err := fetcher.ValidateURL(rootURL); err != nil {
		return nil, ingest.NewSetupError("sitemap url: %v", err)
	}
	resp, err := r.fetcher.FetchRaw(ctx, rootURL)
	if err != nil {
		return nil, ingest.NewSetupError("fetch sitemap %s: %v", rootURL, err)
	}
	return r.ResolveDocument(ctx, resp.Body)
}

// ResolveDocument flattens an already downloaded sitemap body.
func (r *Resolver) ResolveDocument(ctx context.Context, body []byte) ([]string, error) {
	doc, err := r.parser.Parse(body)
	if err != nil {
		return nil, ingest.NewSetupError("parse sitemap: %v", err)
	}
	if !doc.Index {
		return filterPages(doc.Locations), nil
	}
	nested, err := r.resolveNested(ctx, doc.Locations)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, urls := range nested {
		out = append(out, urls...)
	}
	return out, nil
}

// resolveNested fetches each child sitemap concurrently. Results are slotted
// by index so the output keeps discovery order.
func (r *Resolver) resolveNested(ctx context.Context, locations []string) ([][]string, error) {
	results := make([][]string, len(locations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, loc := range locations {
		g.Go(func() error {
			results[i] = r.resolveChild(gctx, loc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve nested sitemaps: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("resolve nested sitemaps: %w", err)
	}
	return results, nil
}

func (r *Resolver) resolveChild(ctx context.Context, loc string) []string {
	if err := fetcher.ValidateURL(loc); err != nil {
		r.logger.Warn("skipping nested sitemap", zap.String("url", loc), zap.Error(err))
		return nil
	}
	resp, err := r.fetcher.FetchRaw(ctx, loc)
	if err != nil {
		r.logger.Warn("nested sitemap fetch failed", zap.String("url", loc), zap.Error(err))
		return nil
	}
	doc, err := r.parser.Parse(resp.Body)
	if err != nil {
		r.logger.Warn("nested sitemap parse failed", zap.String("url", loc), zap.Error(err))
		return nil
	}
	if doc.Index {
		r.logger.Warn("nested sitemap index not followed", zap.String("url", loc))
		return nil
	}
	return filterPages(doc.Locations)
}

// filterPages drops asset URLs and keeps order. Duplicates are left for the
// caller.
func filterPages(locs []string) []string {
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		if skipByExtension(loc) {
			continue
		}
		out = append(out, loc)
	}
	return out
}

func skipByExtension(loc string) bool {
	p := loc
	if u, err := url.Parse(loc); err == nil {
		p = u.Path
	}
	_, skip := skippedExtensions[strings.ToLower(path.Ext(p))]
	return skip
}
