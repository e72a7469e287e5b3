// Package payload provides the data sources a session fetches on every broadcast trigger.
//
// FileSource re-reads a fixed file per trigger and collapses concurrent reads of the same path
// (singleflight). EchoSource relays the bytes that triggered the broadcast. GuardedSource puts a
// circuit breaker in front of any source. The redis-backed source lives in internal/adapter/redis.
package payload
