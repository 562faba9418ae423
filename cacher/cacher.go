// Package cacher provides result caches for processed images. A cache sits in
// front of a remote call: on a miss the fetch function performs the call and
// its result is stored, on a hit the remote endpoint is never contacted.
package cacher

import (
	"context"
	"time"
)

// FetchFunc produces the value for a missing key, typically by performing
// the remote call.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T with fetch-on-miss semantics.
// Implementations must be safe for concurrent use and must run at most one
// fetch per key at a time.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or runs fetchFn and caches
	// its result for ttl. Errors from fetchFn are returned and not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live for a freshly fetched value
	//   - fetchFn: Produces the value on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if fetching or the cache backend fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry this cache owns.
	Clear(ctx context.Context) error

	// ItemCount returns the number of entries this cache owns.
	ItemCount(ctx context.Context) (int, error)
}
