// Package progress broadcasts run snapshots. Publish never blocks the run: it
// records the latest snapshot, hands it to live subscribers over buffered
// channels, and queues it for batched delivery to pluggable sinks such as
// Prometheus, logs, or a Pub/Sub topic.
package progress
