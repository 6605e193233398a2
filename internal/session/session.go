// Package session implements the TTL-bounded stickiness store that
// binds a session (or turn) to its previously selected provider/model,
// per spec §4.3 step 6. Grounded on internal/idempotency/cache.go's
// map + background-pruning shape, with an entry payload of
// omentypes.StickinessRecord instead of raw HTTP bytes.
package session

import (
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// Store holds stickiness records keyed by session id.
type Store struct {
	mu      sync.Mutex
	entries map[string]omentypes.StickinessRecord
	ttl     time.Duration
	stop    chan struct{}
}

// New creates a Store whose entries expire after ttl if not refreshed.
// A background goroutine prunes expired entries every ttl/2 (minimum 1s).
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &Store{
		entries: make(map[string]omentypes.StickinessRecord),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Get returns the sticky binding for a session id, if present and
// unexpired.
func (s *Store) Get(sessionID string) (omentypes.StickinessRecord, bool) {
	if sessionID == "" {
		return omentypes.StickinessRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[sessionID]
	if !ok {
		return omentypes.StickinessRecord{}, false
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.entries, sessionID)
		return omentypes.StickinessRecord{}, false
	}
	return rec, true
}

// Set binds sessionID to (providerID, modelID) for ttl from now; a ttl
// of 0 or less uses the store's configured default. The router passes
// its own turn or session ttl here for each stickiness scope.
func (s *Store) Set(sessionID, providerID, modelID string, ttl time.Duration) {
	if sessionID == "" {
		return
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = omentypes.StickinessRecord{
		SessionID:  sessionID,
		ProviderID: providerID,
		ModelID:    modelID,
		ExpiresAt:  time.Now().Add(ttl),
	}
}

// SetDefault binds using the store's configured default ttl.
func (s *Store) SetDefault(sessionID, providerID, modelID string) {
	s.Set(sessionID, providerID, modelID, s.ttl)
}

// Clear removes a session's sticky binding, e.g. after its winner fails.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stop)
}

func (s *Store) cleanupLoop() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.prune()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, rec := range s.entries {
		if now.After(rec.ExpiresAt) {
			delete(s.entries, k)
		}
	}
}
