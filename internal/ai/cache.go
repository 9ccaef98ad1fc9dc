package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ResponseCache memoizes generation results by prompt hash, so an
// identical context sent to the same model is answered without a
// provider round trip. In-memory only; entries live for the process
// lifetime or until Clear.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*GenerateResult
}

// NewResponseCache creates an empty response cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{entries: make(map[string]*GenerateResult)}
}

// PromptHash derives the cache key for a model and an ordered turn
// sequence. Role and content both feed the hash, so any change to the
// context produces a different key.
func PromptHash(model string, turns []Turn) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, t := range turns {
		h.Write([]byte{0})
		h.Write([]byte(t.Role))
		h.Write([]byte{0})
		h.Write([]byte(t.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the memoized result for a key, if present.
func (c *ResponseCache) Get(key string) (*GenerateResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	return res, ok
}

// Put memoizes a result under the given key.
func (c *ResponseCache) Put(key string, res *GenerateResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = res
}

// Clear drops all memoized results.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*GenerateResult)
}
