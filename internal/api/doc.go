// Package api hosts the HTTP server, middleware, and REST handlers for the
// ingestion service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/bots/{bot_id}/... for sources, uploads, crawls and search.
//   - /v1/accounts/{account_id}/... for the credit ledger.
package api
