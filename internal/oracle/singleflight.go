package oracle

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// SingleFlightCache wraps a Port and deduplicates concurrent identical
// (market, unixTS) requests, so that a burst of keepers or handlers asking
// about the same instant share one underlying fetch instead of hammering
// the upstream oracle.
type SingleFlightCache struct {
	inner Port
	group singleflight.Group
}

var _ Port = (*SingleFlightCache)(nil)

// NewSingleFlightCache wraps inner.
func NewSingleFlightCache(inner Port) *SingleFlightCache {
	return &SingleFlightCache{inner: inner}
}

// PriceAt fetches through the wrapped port, coalescing concurrent callers
// asking for the same key.
func (c *SingleFlightCache) PriceAt(ctx context.Context, market string, unixTS int64) (Snapshot, error) {
	key := fmt.Sprintf("%s:%d", market, unixTS)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.inner.PriceAt(ctx, market, unixTS)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}
