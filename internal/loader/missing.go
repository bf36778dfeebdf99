package loader

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// missingCache remembers URLs the server answered with "not found" for a
// short while, so repeated binds neither refetch nor re-log them.
type missingCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newMissingCache(maxItems int64, ttl time.Duration) (*missingCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &missingCache{cache: cache, ttl: ttl}, nil
}

func (m *missingCache) Has(url string) bool {
	_, ok := m.cache.Get(url)
	return ok
}

// Add is visible to Has once it returns.
func (m *missingCache) Add(url string) {
	if m.ttl <= 0 {
		return
	}
	m.cache.SetWithTTL(url, struct{}{}, 1, m.ttl)
	m.cache.Wait()
}

func (m *missingCache) Del(url string) {
	m.cache.Del(url)
}

func (m *missingCache) Close() {
	m.cache.Close()
}
