// Package progress carries lifecycle events for sources and crawls from the
// pipeline to observers. Emit never blocks; a background goroutine batches
// events and hands them to sinks such as structured logs or Prometheus.
package progress
