package replay

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache is the advisory guard for families whose chain enforces
// nonces natively. It only exists to avoid paying gas for a resubmission
// that is certain to fail on-chain; a miss here is never a correctness
// problem.
type DedupCache struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

// NewDedupCache builds a bounded cache; entries older than ttl no longer
// count as duplicates.
func NewDedupCache(size int, ttl time.Duration) (*DedupCache, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &DedupCache{cache: cache, ttl: ttl}, nil
}

// Seen records the key and reports whether it was already present and
// fresh.
func (d *DedupCache) Seen(key string) bool {
	now := time.Now()
	if at, ok := d.cache.Get(key); ok && now.Sub(at) < d.ttl {
		return true
	}
	d.cache.Add(key, now)
	return false
}

// Forget drops the key so a retry after a pre-broadcast failure is not
// mistaken for a duplicate.
func (d *DedupCache) Forget(key string) {
	d.cache.Remove(key)
}
