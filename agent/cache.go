package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// responseCache memoizes (message, context) pairs to responses. A hit
// short-circuits all transport activity; writes happen only after a
// successful response.
//
// Concurrent lookups for the same missing key are not coalesced: two
// identical calls in flight at once both reach the transport.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	response  string
	createdAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *responseCache) get(message, contextHash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(message, contextHash)
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return entry.response, true
}

func (c *responseCache) put(message, contextHash, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(message, contextHash)] = cacheEntry{
		response:  response,
		createdAt: c.now(),
	}
}

func cacheKey(message, contextHash string) string {
	h := sha256.New()
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(contextHash))
	return hex.EncodeToString(h.Sum(nil))
}

// hashContext digests any context value into a stable hex string.
// encoding/json sorts map keys, so identical content hashes identically
// regardless of insertion order.
func hashContext(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
