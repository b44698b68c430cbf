// Package sinks implements concrete event consumers: structured logging,
// Prometheus counters, outbound publishing, and in-process channel
// subscribers. Each sink satisfies events.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
