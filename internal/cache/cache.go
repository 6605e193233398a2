// Package cache implements the content-addressed response cache from
// spec §4.7: requests with temperature 0, no tools, that are
// non-streaming or otherwise replay-safe, are keyed by a fingerprint of
// (provider_id, model_id, normalized_request_body) and may be served
// without touching the router or multiplexer. Grounded directly on
// internal/idempotency/cache.go's TTL-bounded, size-limited map with
// background pruning; the entry payload here is a cached chat result
// plus token counts instead of raw HTTP bytes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
)

// Entry is a cached, completed chat result.
type Entry struct {
	Result     providers.ChatResult
	ProviderID string
	ModelID    string
	CreatedAt  time.Time
}

// Cache is a TTL-bounded, size-limited in-memory response cache.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
}

// New creates a Cache that expires entries after ttl and evicts the
// oldest entry once maxEntries is exceeded.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Fingerprint derives the cache key for one candidate invocation of a
// request: provider id, model id, and the request body normalized by
// stripping fields that vary per-call without changing semantics
// (request/session ids, and the routing hint envelope, which only
// affects candidate selection, not the provider-facing payload).
func Fingerprint(providerID, modelID string, req *omentypes.ChatRequest) string {
	normalized := struct {
		Messages   []omentypes.Message       `json:"messages"`
		Params     omentypes.GenerationParams `json:"params"`
		Tools      []omentypes.ToolSchema     `json:"tools,omitempty"`
		ToolChoice json.RawMessage            `json:"tool_choice,omitempty"`
	}{
		Messages:   req.Messages,
		Params:     req.Params,
		Tools:      sortedTools(req.Tools),
		ToolChoice: req.ToolChoice,
	}
	body, _ := json.Marshal(normalized)
	h := sha256.New()
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedTools(tools []omentypes.ToolSchema) []omentypes.ToolSchema {
	if len(tools) == 0 {
		return tools
	}
	out := make([]omentypes.ToolSchema, len(tools))
	copy(out, tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Get returns the cached result for a fingerprint, if present and
// unexpired. The returned Usage carries the real token counts the
// original call incurred; callers account them at zero currency per
// spec §4.7 ("cache hit... still accounted, zero currency, real token
// counts").
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if time.Since(e.CreatedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Set stores a completed result under its fingerprint.
func (c *Cache) Set(fingerprint, providerID, modelID string, result providers.ChatResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[fingerprint] = &Entry{
		Result:     result,
		ProviderID: providerID,
		ModelID:    modelID,
		CreatedAt:  time.Now(),
	}
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictOldest removes the entry with the earliest CreatedAt. Caller must
// hold c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.CreatedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.CreatedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
