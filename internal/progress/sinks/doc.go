// Package sinks implements concrete pipeline event consumers: Prometheus
// collectors for the pool, queue and gate, and a structured zap log sink.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close
// cycles.
package sinks
