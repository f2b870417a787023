// Package sinks provides progress.Sink implementations: structured logs and
// Prometheus collectors.
package sinks
