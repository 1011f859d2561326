package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Static is an in-memory deterministic oracle double for tests: snapshots
// are registered ahead of time and returned verbatim by (market, unixTS).
type Static struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	searchWin int64
}

var _ Port = (*Static)(nil)

// NewStatic creates an empty Static double.
func NewStatic() *Static {
	return &Static{snapshots: make(map[string]Snapshot), searchWin: NearestTimestampSearchSeconds}
}

// Set registers the snapshot to return for (market, unixTS).
func (s *Static) Set(market string, unixTS int64, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key(market, unixTS)] = snap
}

// PriceAt returns the registered snapshot for an exact match, or the
// nearest registered timestamp within the search window, or an error.
func (s *Static) PriceAt(_ context.Context, market string, unixTS int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.snapshots[key(market, unixTS)]; ok {
		return snap, nil
	}
	for d := int64(1); d <= s.searchWin; d++ {
		if snap, ok := s.snapshots[key(market, unixTS+d)]; ok {
			return snap, nil
		}
		if snap, ok := s.snapshots[key(market, unixTS-d)]; ok {
			return snap, nil
		}
	}
	return Snapshot{}, fmt.Errorf("oracle: no snapshot registered for %s at %d", market, unixTS)
}

func key(market string, unixTS int64) string {
	return fmt.Sprintf("%s:%d", market, unixTS)
}
