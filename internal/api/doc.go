// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions to submit work items; GET /v1/sessions/{session_id}
//     for persisted state plus live progress.
//   - POST /v1/watchdog/run to reconcile stalled sessions on demand.
//   - GET /v1/ratelimits and /v1/cache/stats for limiter and cache state.
package api
