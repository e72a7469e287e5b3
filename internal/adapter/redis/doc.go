// Package redis implements the redis-backed payload source.
//
// The client carries two hooks: MetricsHook records every command, and CircuitBreakerHook fails fast
// while redis is unavailable, serving the last known payload for GET in the meantime.
package redis
