// Package main hosts the ingestion service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, source, crawl, search and ledger endpoints over
//     internal/service.Service.
//   - Queue & workers: sources and crawl URLs flow through a bounded in-memory queue sized by
//     crawler.queue_depth and are drained by a fixed worker pool sized by crawler.concurrency.
//   - Pipeline: workers fetch through a rate-limited, retrying Colly fetcher, extract text (HTML, PDF, DOCX,
//     plain) capped at extract.max_chars, then chunk, embed and replace the source's vectors.
//   - Crawls: one active crawl per bot; sitemap crawls resolve the sitemap in the background and feed each
//     URL as a source. A reconciler fails crawls and sources whose heartbeat went stale.
//   - Persistence: memory or Postgres/pgvector for sources, crawls, credits and embeddings; memory, local
//     disk or GCS for uploaded files.
//
// Quick checklist:
//   - Configure env vars: KBINGEST_SERVER_PORT (or PORT), KBINGEST_STORAGE_BACKEND=postgres with
//     KBINGEST_DB_DSN, KBINGEST_EMBEDDING_PROVIDER=openai with KBINGEST_EMBEDDING_BASE_URL/API_KEY/MODEL.
//   - Run locally: go run ./cmd/ingestd -config config.yaml (or rely solely on env overrides).
package main
