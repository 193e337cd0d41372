package cards

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/room4-2/frontdesk/tenant"
)

// Cache keeps one index per configuration snapshot.
type Cache struct {
	indexes *lru.Cache[string, *Index]
}

// NewCache returns a cache holding at most size indexes.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 64
	}
	indexes, err := lru.New[string, *Index](size)
	if err != nil {
		panic(err)
	}
	return &Cache{indexes: indexes}
}

// For returns the index over cfg's cards, building it on first use.
func (c *Cache) For(cfg *tenant.CompanyConfig) *Index {
	key := fmt.Sprintf("%s@%d@%p", cfg.TenantID, cfg.Version, cfg)
	if ix, ok := c.indexes.Get(key); ok {
		return ix
	}
	ix := New(cfg.Cards)
	c.indexes.Add(key, ix)
	return ix
}
