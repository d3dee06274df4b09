package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
)

// keySeparator joins the invocation template and the canonical parameter
// values. A unit separator cannot occur in either side.
const keySeparator = "\x1f"

// cachedResponse is one cached endpoint reply. Bodies are byte-identical
// across hits within the TTL.
type cachedResponse struct {
	Body        []byte
	ContentType string
}

// resultCache is a TTL cache over endpoint responses with a single
// background sweeper. The store itself is the expirable cache; this type
// adds canonical keys, SHA-256 hashing and the sweeper lifecycle.
type resultCache struct {
	c    cache.Cache
	opts CacheOptions

	stop chan struct{}
	once sync.Once
}

func newResultCache(opts CacheOptions) (*resultCache, error) {
	c, err := cache.NewCache(cache.MaxKeys(0), cache.TTL(opts.SweepEvery*10))
	if err != nil {
		return nil, err
	}
	return &resultCache{c: c, opts: opts, stop: make(chan struct{})}, nil
}

// Key builds the deterministic cache key for one bound request: the
// invocation template joined with the cache-relevant canonical parameter
// strings in routine order. Only parameters listed in CachedParams are
// used; an empty set means all. Over-threshold keys collapse to their
// SHA-256 hex digest when hashing is enabled.
func (rc *resultCache) Key(e *Entry, params []Parameter) string {
	var sb strings.Builder
	sb.WriteString(e.Routine.Expression)
	for i := range params {
		p := &params[i]
		if len(e.Endpoint.CachedParams) > 0 {
			if _, ok := e.Endpoint.CachedParams[p.ConvertedName]; !ok {
				continue
			}
		}
		sb.WriteString(keySeparator)
		sb.WriteString(p.OriginalStringValue)
	}
	key := sb.String()

	if rc.opts.HashingEnabled && len(key) > rc.opts.HashKeyThreshold {
		sum := sha256.Sum256([]byte(key))
		key = hex.EncodeToString(sum[:])
	}
	return key
}

// Get returns a hit only while the entry is inside its TTL; the store
// drops expired entries on access.
func (rc *resultCache) Get(key string) (cachedResponse, bool) {
	v, ok := rc.c.Get(key)
	if !ok {
		return cachedResponse{}, false
	}
	cr, ok := v.(cachedResponse)
	return cr, ok
}

// Set stores or replaces an entry. A zero ttl falls back to the store
// default.
func (rc *resultCache) Set(key string, cr cachedResponse, ttl time.Duration) {
	rc.c.Set(key, cr, ttl)
}

// Remove drops one entry; used by invalidate-cache endpoints.
func (rc *resultCache) Remove(key string) {
	rc.c.Invalidate(key)
}

// Start launches the single background sweeper. Safe to call once per
// cache lifecycle; Stop ends it.
func (rc *resultCache) Start() {
	go func() {
		t := time.NewTicker(rc.opts.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				rc.c.DeleteExpired()
			case <-rc.stop:
				return
			}
		}
	}()
}

// Stop ends the sweeper and clears the store.
func (rc *resultCache) Stop() {
	rc.once.Do(func() {
		close(rc.stop)
		rc.c.Purge()
	})
}
