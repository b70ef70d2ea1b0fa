package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/vkotik/dripfeed/internal/domain"
)

// filtersCache memoizes per-symbol exchange filters. Filters change rarely
// (exchange listing updates), so entries are refreshed on a long TTL rather
// than per call.
type filtersCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]filtersEntry
	fetch   func(ctx context.Context, symbol string) (*domain.SymbolFilters, error)
}

type filtersEntry struct {
	filters   *domain.SymbolFilters
	fetchedAt time.Time
}

func newFiltersCache(fetch func(ctx context.Context, symbol string) (*domain.SymbolFilters, error)) *filtersCache {
	return &filtersCache{
		ttl:     12 * time.Hour,
		entries: make(map[string]filtersEntry),
		fetch:   fetch,
	}
}

func (c *filtersCache) Get(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	c.mu.Lock()
	entry, ok := c.entries[symbol]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.filters, nil
	}

	filters, err := c.fetch(ctx, symbol)
	if err != nil {
		// Serve a stale entry over failing the caller.
		if ok {
			return entry.filters, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[symbol] = filtersEntry{filters: filters, fetchedAt: time.Now()}
	c.mu.Unlock()
	return filters, nil
}
