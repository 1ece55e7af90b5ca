// Package progress provides the typed event channel that the browser pool,
// workers and ingest use to report state changes. A non-blocking Hub batches
// events on a background goroutine and fans them out to pluggable sinks such
// as the zap log sink or Prometheus metrics. Emitting never blocks and never
// fails the caller.
package progress
