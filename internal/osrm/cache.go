package osrm

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/musthaq16/zone-drive-simulator/types"
)

// Fetcher is anything that can produce a route between two points.
type Fetcher interface {
	FetchRoute(ctx context.Context, source, target types.Coordinate) (Route, error)
}

// CachedFetcher remembers recent successful routes so that re-planning the
// same trip does not hit the routing server again. Failures are not cached.
type CachedFetcher struct {
	next  Fetcher
	cache *expirable.LRU[string, Route]
}

func NewCachedFetcher(next Fetcher, size int, ttl time.Duration) *CachedFetcher {
	if size <= 0 {
		size = 16
	}
	return &CachedFetcher{
		next:  next,
		cache: expirable.NewLRU[string, Route](size, nil, ttl),
	}
}

func cacheKey(source, target types.Coordinate) string {
	return source.String() + ";" + target.String()
}

func (c *CachedFetcher) FetchRoute(ctx context.Context, source, target types.Coordinate) (Route, error) {
	key := cacheKey(source, target)
	if r, ok := c.cache.Get(key); ok {
		return r, nil
	}
	r, err := c.next.FetchRoute(ctx, source, target)
	if err != nil {
		return Route{}, err
	}
	c.cache.Add(key, r)
	return r, nil
}

func (c *CachedFetcher) Len() int { return c.cache.Len() }
