package patterns

import (
	"fmt"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/room4-2/frontdesk/tenant"
)

// Cache keeps compiled libraries per configuration snapshot. A snapshot is
// identified by tenant, version and identity, so a reparsed file that kept
// its version number still gets a fresh compile.
type Cache struct {
	libs *lru.Cache[string, *Library]
}

// NewCache returns a cache holding at most size libraries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 64
	}
	libs, err := lru.New[string, *Library](size)
	if err != nil {
		panic(err)
	}
	return &Cache{libs: libs}
}

// For returns the compiled library for cfg.
func (c *Cache) For(cfg *tenant.CompanyConfig) (*Library, error) {
	key := fmt.Sprintf("%s@%d@%p", cfg.TenantID, cfg.Version, cfg)
	if lib, ok := c.libs.Get(key); ok {
		return lib, nil
	}
	lib, err := Build(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.TenantID, err)
	}
	c.libs.Add(key, lib)
	return lib, nil
}

// Len reports the number of cached libraries.
func (c *Cache) Len() int { return c.libs.Len() }

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
