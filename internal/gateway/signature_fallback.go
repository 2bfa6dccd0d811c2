package gateway

import (
	"sync"
	"time"

	"github.com/compresr/relay-gateway/internal/config"
)

// signatureFallbackStore remembers sessions whose thinking signature the
// backend rejected, so their later turns start with thinking disabled.
type signatureFallbackStore struct {
	mu       sync.RWMutex
	sessions map[string]time.Time // session_id -> last rejection
	ttl      time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSignatureFallbackStore(ttl time.Duration) *signatureFallbackStore {
	s := newSignatureFallbackStoreWithClock(ttl, time.Now)
	go s.cleanupLoop()
	return s
}

func newSignatureFallbackStoreWithClock(ttl time.Duration, now func() time.Time) *signatureFallbackStore {
	if ttl <= 0 {
		ttl = config.DefaultSignatureFallbackTTL
	}
	return &signatureFallbackStore{
		sessions: make(map[string]time.Time),
		ttl:      ttl,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

func (s *signatureFallbackStore) MarkSkipThinking(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = s.now()
}

func (s *signatureFallbackStore) ShouldSkipThinking(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	s.mu.RLock()
	t, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if s.now().Sub(t) > s.ttl {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return false
	}
	return true
}

// Len returns the number of remembered sessions, expired ones included.
func (s *signatureFallbackStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *signatureFallbackStore) cleanupLoop() {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *signatureFallbackStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *signatureFallbackStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, t := range s.sessions {
		if now.Sub(t) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
