// Package api hosts the HTTP server, middleware, and REST handlers of the
// catalog. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/items/{uuid}, redirecting merged items to their winner.
//   - GET /v1/resolve?url= to find the item owning an external page.
//   - GET /v1/search and /v1/extsearch for catalog and external search.
//   - POST /v1/ingest to save an external URL.
//   - GET /v1/reviews and /v1/jobs for operator queues and job history.
package api
