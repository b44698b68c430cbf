// Package store defines the durable shared-state contracts used by the
// orchestration core: a TTL'd key-value repository and a distributed lock.
// Implementations live under internal/storage.
package store
