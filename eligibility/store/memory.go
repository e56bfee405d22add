// Package store provides eligibility.Store implementations.
package store

import (
	"sync"
	"time"

	"github.com/warp/eligibility-engine/eligibility"
)

// =============================================================================
// MEMORY STORE - In-process TTL decision cache
// =============================================================================

// Memory is a process-wide decision cache with lazy expiry.
type Memory struct {
	mu      sync.RWMutex
	entries map[eligibility.Identity]eligibility.CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Memory store.
type Option func(*Memory)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty cache. A non-positive ttl falls back to
// eligibility.DefaultTTL.
func NewMemory(ttl time.Duration, opts ...Option) *Memory {
	if ttl <= 0 {
		ttl = eligibility.DefaultTTL
	}
	m := &Memory{
		entries: make(map[eligibility.Identity]eligibility.CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured time-to-live.
func (m *Memory) TTL() time.Duration { return m.ttl }

// Get returns the cached decision if it is still fresh.
func (m *Memory) Get(identity eligibility.Identity) (eligibility.Decision, bool) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.entries[identity]
	m.mu.RUnlock()
	if !ok {
		return eligibility.Decision{}, false
	}
	if !entry.Expired(now, m.ttl) {
		return entry.Decision, true
	}

	// Stale: drop it unless a concurrent Set already replaced it.
	m.mu.Lock()
	if cur, ok := m.entries[identity]; ok && cur.CreatedAt.Equal(entry.CreatedAt) {
		delete(m.entries, identity)
	}
	m.mu.Unlock()
	return eligibility.Decision{}, false
}

// Set stores decision with CreatedAt = now. Last write wins.
func (m *Memory) Set(identity eligibility.Identity, decision eligibility.Decision) {
	entry := eligibility.CacheEntry{
		Identity:  identity,
		Decision:  decision,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[identity] = entry
}

// Invalidate removes the entry for identity and reports whether one existed.
func (m *Memory) Invalidate(identity eligibility.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[identity]
	delete(m.entries, identity)
	return ok
}

// Clear removes all entries.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[eligibility.Identity]eligibility.CacheEntry)
}

// Len returns the number of stored entries, stale ones included until
// they are next read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
