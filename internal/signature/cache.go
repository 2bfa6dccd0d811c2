// Package signature caches opaque thinking signatures issued by the backend.
//
// DESIGN: Three independently expiring tables:
//   - tool:    tool_use id   -> signature      (tool TTL)
//   - family:  signature     -> model family   (tool TTL)
//   - session: session id    -> (signature, message count) (session TTL)
//
// Signatures shorter than MinSignatureLength are noise and never stored.
// In the session table a shorter signature never replaces a longer one, unless
// the message count went down, which means the client rewound the history.
package signature

import (
	"sync"
	"time"

	"github.com/compresr/relay-gateway/internal/config"
)

type entry struct {
	value     string
	updatedAt time.Time
}

type sessionEntry struct {
	signature    string
	messageCount int
	updatedAt    time.Time
}

// Cache is safe for concurrent use. Construct once at startup and share it.
type Cache struct {
	mu         sync.RWMutex
	tools      map[string]entry
	families   map[string]entry
	sessions   map[string]sessionEntry
	toolTTL    time.Duration
	sessionTTL time.Duration
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a cache and starts its cleanup loop.
func NewCache(toolTTL, sessionTTL time.Duration) *Cache {
	c := newCache(toolTTL, sessionTTL, time.Now)
	go c.cleanupLoop()
	return c
}

func newCache(toolTTL, sessionTTL time.Duration, now func() time.Time) *Cache {
	if toolTTL <= 0 {
		toolTTL = config.DefaultToolSignatureTTL
	}
	if sessionTTL <= 0 {
		sessionTTL = config.DefaultSessionSignatureTTL
	}
	return &Cache{
		tools:      make(map[string]entry),
		families:   make(map[string]entry),
		sessions:   make(map[string]sessionEntry),
		toolTTL:    toolTTL,
		sessionTTL: sessionTTL,
		now:        now,
		stopCh:     make(chan struct{}),
	}
}

// Valid reports whether a signature is long enough to be worth keeping.
func Valid(sig string) bool {
	return len(sig) >= config.MinSignatureLength
}

// CacheToolSignature remembers the signature that accompanied a tool call.
func (c *Cache) CacheToolSignature(toolUseID, sig string) {
	if toolUseID == "" || !Valid(sig) {
		return
	}
	c.mu.Lock()
	c.tools[toolUseID] = entry{value: sig, updatedAt: c.now()}
	c.mu.Unlock()
}

// ToolSignature returns the signature cached for a tool call.
func (c *Cache) ToolSignature(toolUseID string) (string, bool) {
	return c.lookup(c.tools, toolUseID, c.toolTTL)
}

// CacheFamily records which model family produced a signature.
func (c *Cache) CacheFamily(sig, family string) {
	if family == "" || !Valid(sig) {
		return
	}
	c.mu.Lock()
	c.families[sig] = entry{value: family, updatedAt: c.now()}
	c.mu.Unlock()
}

// Family returns the model family that produced a signature.
func (c *Cache) Family(sig string) (string, bool) {
	return c.lookup(c.families, sig, c.toolTTL)
}

// CacheSessionSignature stores the latest signature seen for a session.
func (c *Cache) CacheSessionSignature(sessionID, sig string, messageCount int) {
	if sessionID == "" || !Valid(sig) {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.sessions[sessionID]; ok && now.Sub(cur.updatedAt) <= c.sessionTTL {
		rewound := messageCount < cur.messageCount
		if !rewound && len(sig) < len(cur.signature) {
			return
		}
	}
	c.sessions[sessionID] = sessionEntry{signature: sig, messageCount: messageCount, updatedAt: now}
}

// SessionSignature returns the signature stored for a session.
func (c *Cache) SessionSignature(sessionID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().Sub(e.updatedAt) > c.sessionTTL {
		c.mu.Lock()
		if cur, still := c.sessions[sessionID]; still && cur.updatedAt.Equal(e.updatedAt) {
			delete(c.sessions, sessionID)
		}
		c.mu.Unlock()
		return "", false
	}
	return e.signature, true
}

// ClearSession drops the session entry (used after a signature is rejected).
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Len returns the number of entries per table.
func (c *Cache) Len() (tools, families, sessions int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools), len(c.families), len(c.sessions)
}

func (c *Cache) lookup(table map[string]entry, key string, ttl time.Duration) (string, bool) {
	c.mu.RLock()
	e, ok := table[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().Sub(e.updatedAt) > ttl {
		c.mu.Lock()
		if cur, still := table[key]; still && cur.updatedAt.Equal(e.updatedAt) {
			delete(table, key)
		}
		c.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// Stop stops the cleanup goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.tools {
		if now.Sub(e.updatedAt) > c.toolTTL {
			delete(c.tools, k)
		}
	}
	for k, e := range c.families {
		if now.Sub(e.updatedAt) > c.toolTTL {
			delete(c.families, k)
		}
	}
	for k, e := range c.sessions {
		if now.Sub(e.updatedAt) > c.sessionTTL {
			delete(c.sessions, k)
		}
	}
}
