// Package memory provides in-process implementations of the ingestion stores
// for local development and tests. Every store is safe for concurrent use.
package memory
