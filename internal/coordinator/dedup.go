package coordinator

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCacheSizePerSession = 256

// responseDedup remembers recently seen response request ids per
// session so a client retry after a network blip does not double-apply
// a knowledge update.
type responseDedup struct {
	cacheSize int
	mu        sync.Mutex
	caches    map[string]*lru.Cache[string, struct{}]
}

func newResponseDedup(cacheSize int) (*responseDedup, error) {
	if cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive")
	}

	return &responseDedup{
		cacheSize: cacheSize,
		caches:    make(map[string]*lru.Cache[string, struct{}]),
	}, nil
}

// seen reports whether the request id was already committed for the
// session. It never records the id itself; only mark does that.
func (d *responseDedup) seen(sessionID, requestID string) bool {
	if sessionID == "" || requestID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[sessionID]
	if !exists {
		return false
	}
	return cache.Contains(requestID)
}

// mark records a request id once its observation has been committed.
// A submission that fails before the commit point stays unmarked, so
// the client's retry with the same id is processed for real instead of
// replayed from the cache.
func (d *responseDedup) mark(sessionID, requestID string) {
	if sessionID == "" || requestID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[sessionID]
	if !exists {
		var err error
		cache, err = lru.New[string, struct{}](d.cacheSize)
		if err != nil {
			return
		}
		d.caches[sessionID] = cache
	}
	cache.Add(requestID, struct{}{})
}

func (d *responseDedup) forget(sessionID string) {
	d.mu.Lock()
	delete(d.caches, sessionID)
	d.mu.Unlock()
}
