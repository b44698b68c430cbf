// Package scrape defines the shared domain types and capability interfaces
// for the scrape orchestration core: items, sessions, extractors, pollers,
// and the failure taxonomy consumed by the retry policy.
package scrape
