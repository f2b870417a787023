// Package ingest defines the domain types, store contracts and error taxonomy
// shared by the knowledge ingestion pipeline: training sources, sitemap
// crawls, the credit ledger and stored embeddings.
package ingest
