package layout

import (
	"net/url"
	"sync"
	"time"
)

type entry struct {
	print     uint64
	expiresAt time.Time
}

// Memory remembers the fingerprint of the page each step last succeeded
// on, per target host. Entries expire after the TTL. Safe for concurrent
// use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a Memory whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{entries: make(map[string]entry), ttl: ttl, now: time.Now}
}

// Key identifies a step on a target site.
func Key(target, stepID string) string {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	return host + "|" + stepID
}

// Remember records print for key. Zero fingerprints are ignored.
func (m *Memory) Remember(key string, print uint64) {
	if print == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{print: print, expiresAt: m.now().Add(m.ttl)}

	// Expired entries are dropped on write.
	if len(m.entries)%64 == 0 {
		now := m.now()
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
	}
}

// Get returns the remembered fingerprint for key.
func (m *Memory) Get(key string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return 0, false
	}
	return e.print, true
}
