// Package sinks implements concrete progress consumers: Prometheus run
// metrics, structured logging, and broker fan-out. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
