// Package capture defines the shared domain model of the chart-capture
// pipeline: alerts, tenants, capture jobs and results, the structured error
// kinds used to tell retryable failures from terminal ones, and the
// interfaces implemented by the queue, storage, credential and notification
// adapters.
package capture
