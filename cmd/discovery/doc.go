// Package main hosts the contest discovery service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, run control, settings, schedule, history, quota and a
//     Server-Sent Events progress stream under /v1/discovery.
//   - Run loop: internal/runner.Controller walks the configured keywords, pages through provider search results via
//     the TTL search cache, and hands candidate batches to internal/ingest, which dedups, charges quota, fetches
//     details, classifies and persists each batch in one transaction. Only one run is active at a time.
//   - Admission control: every provider call is charged against the daily budget by internal/quota.Governor before it
//     is made; the store enforces the limit atomically so it holds across processes.
//   - Scheduling: internal/schedule.Driver turns the stored hourly/daily/weekly rule into trigger instants and starts
//     runs, skipping triggers while a run is active.
//   - Persistence: memory, SQLite (modernc) or Postgres (pgx) stores, with golang-migrate migrations embedded in the
//     binary. Progress snapshots fan out through internal/progress to log, Prometheus and optional Pub/Sub sinks.
//
// Commands:
//   - serve: HTTP server, schedule driver and cache sweeper until SIGINT/SIGTERM.
//   - run: one discovery run in the foreground; prints the final run record as JSON.
//   - migrate: applies SQL migrations for the configured driver.
//
// Quick checklist:
//   - Configure env vars: DISCOVERY_YOUTUBE_API_KEY, DISCOVERY_DB_DRIVER and DISCOVERY_DB_DSN, DISCOVERY_QUOTA_DAILY_LIMIT,
//     and DISCOVERY_PUBSUB_PROJECT_ID / DISCOVERY_PUBSUB_TOPIC_NAME to publish progress.
//   - Run locally: go run ./cmd/discovery serve --config config.yaml (or rely solely on env overrides).
package main
