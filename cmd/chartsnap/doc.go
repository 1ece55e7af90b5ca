// Package main hosts the chartsnap service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts TradingView-style webhook deliveries on /webhook/{token}, reports
//     health and metrics, and, when an API key is configured, serves operator endpoints under /v1/ops.
//   - Ingest & gate: internal/ingest authenticates the token, parses JSON or plain-text payloads, and asks the
//     multi-tier rate gate (minute, hour, plan day) for admission before the alert is recorded.
//   - Capture pipeline: admitted alerts become capture jobs on a queue (memory or Redis). The dispatcher fans jobs
//     out to workers that lease a browser slot from the pool, try the share strategy first and fall back to a
//     direct screenshot, upload the image to the blob store, and settle the alert.
//   - Persistence & fanout: tenants and alerts live in Postgres or in memory; images go to memory, local disk, GCS
//     or S3. Completion summaries are sent to Telegram and/or Pub/Sub.
//   - Configuration & plumbing: Viper populates config from a file and CHARTSNAP_* environment variables; zap
//     provides structured logging; Prometheus metrics are exported on /metrics.
//
// Operational notes:
//   - Shutdown: SIGTERM stops HTTP intake first, then cancels the dispatcher and waits for in-flight captures (each
//     bounded by pipeline.job_timeout) before the browsers and backend clients close.
//   - Secrets: session cookies are stored sealed with credentials.master_key; use the seal subcommand to produce
//     sealed values. Webhook tokens only ever appear masked in logs.
//
// Quick checklist:
//   - Run locally: go run ./cmd/chartsnap serve --config config.yaml (or rely solely on env overrides).
//   - Generate a tenant webhook token: go run ./cmd/chartsnap token.
package main
