// Package ratelimit implements per-client token-bucket admission control for
// the gateway. Buckets are created lazily per client key, refilled
// continuously by golang.org/x/time/rate, and reclaimed by a periodic sweep
// once idle. Each bucket carries its own lock; the bucket table is sharded so
// unrelated clients never serialize behind one mutex.
package ratelimit
