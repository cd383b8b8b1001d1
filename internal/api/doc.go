// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to the discovery service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/discovery/start and /stop to control runs.
//   - GET /v1/discovery/status, /history and /quota for reporting.
//   - GET|PUT /v1/discovery/settings and /cron for run settings and the schedule.
//   - GET /v1/discovery/events for a Server-Sent Events progress stream.
package api
