// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /webhook/{token} accepts trading alerts; GET checks a token.
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/ops/... exposes pool, queue, rate-limit and alert state behind an
//     API key.
package api
