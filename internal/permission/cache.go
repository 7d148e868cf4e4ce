package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lexilearn/token-gateway/internal/storage"
)

// MaxTTL bounds permission staleness. Administrative changes to grants are
// not expected to take effect instantaneously, but the window must stay
// bounded. Token status is never cached anywhere; only grant rows are.
const MaxTTL = 60 * time.Second

// DefaultTTL is the cache lifetime used when none is configured.
const DefaultTTL = 30 * time.Second

// Store is the permission lookup the cache wraps.
type Store interface {
	GetPermission(ctx context.Context, tokenID int64, modelName string) (*storage.ModelPermission, error)
}

type cacheKey struct {
	tokenID int64
	model   string
}

type cacheEntry struct {
	perm     *storage.ModelPermission // nil for a cached miss
	loadedAt time.Time
}

// CachedSource is a read-through TTL cache over permission rows. Lookups
// for the same key in flight at once are deduplicated with singleflight.
// Misses (no grant) are cached too, so a flood of requests against an
// unpermitted model does not hammer the store.
type CachedSource struct {
	store Store
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	group   singleflight.Group
}

// NewCachedSource creates a CachedSource with the given TTL.
// TTLs of zero or below use DefaultTTL; anything above MaxTTL is clamped.
func NewCachedSource(store Store, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &CachedSource{
		store:   store,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Get returns the permission row for (tokenID, modelName), loading it from
// the store on a cold or expired entry. Returns storage.ErrNotFound for a
// model with no grant (possibly served from a cached miss).
func (c *CachedSource) Get(ctx context.Context, tokenID int64, modelName string) (*storage.ModelPermission, error) {
	key := cacheKey{tokenID: tokenID, model: modelName}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock().Sub(entry.loadedAt) < c.ttl {
		if entry.perm == nil {
			return nil, storage.ErrNotFound
		}
		return entry.perm, nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%d/%s", tokenID, modelName), func() (any, error) {
		perm, err := c.store.GetPermission(ctx, tokenID, modelName)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			// Store failures are not cached; the next lookup retries.
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{perm: perm, loadedAt: c.clock()}
		c.mu.Unlock()
		return perm, nil
	})
	if err != nil {
		return nil, err
	}

	perm := v.(*storage.ModelPermission)
	if perm == nil {
		return nil, storage.ErrNotFound
	}
	return perm, nil
}

// Invalidate drops all cached rows for a token. Used after administrative
// permission changes when immediate effect is wanted.
func (c *CachedSource) Invalidate(tokenID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.tokenID == tokenID {
			delete(c.entries, key)
		}
	}
}
