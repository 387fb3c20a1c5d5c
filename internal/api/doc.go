// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a run, GET /v1/runs and /v1/runs/{run_id} for history.
//   - GET /v1/rows for canonical rows filtered by predicate query parameters.
//   - GET /v1/analytics/top, /v1/analytics/campuses and /v1/analytics/daily for
//     leaderboard views. They read ranking rows unless key_prefix is given.
//   - GET /v1/schemas and /v1/schemas/{name} for column descriptions.
package api
