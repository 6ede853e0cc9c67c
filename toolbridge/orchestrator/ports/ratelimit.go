package orchports

import "context"

// RateLimiter coordinates turn throughput, keyed by channel.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
