// Package cache holds the gateway's response cache. Entries are keyed by
// method, normalized path and sorted query string, carry a TTL class derived
// from the origin status, and live in an in-memory LRU bounded by a byte
// budget. FetchOrWait collapses concurrent misses for one key into a single
// origin fetch and falls back to stale entries when the origin fails. An
// optional LevelDB-backed Persister mirrors entries to disk so a restart does
// not start cold.
package cache
