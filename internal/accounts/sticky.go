package accounts

import (
	"sync"
	"time"

	"github.com/compresr/relay-gateway/internal/config"
)

type binding struct {
	accountID string
	lastUsed  time.Time
}

// stickyStore binds a conversation session to the account that served it.
type stickyStore struct {
	mu       sync.RWMutex
	sessions map[string]binding
	ttl      time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newStickyStore(ttl time.Duration, now func() time.Time) *stickyStore {
	if ttl <= 0 {
		ttl = config.DefaultStickyTTL
	}
	return &stickyStore{
		sessions: make(map[string]binding),
		ttl:      ttl,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

func (s *stickyStore) Bind(sessionID, accountID string) {
	if sessionID == "" || accountID == "" {
		return
	}
	s.mu.Lock()
	s.sessions[sessionID] = binding{accountID: accountID, lastUsed: s.now()}
	s.mu.Unlock()
}

func (s *stickyStore) Get(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	s.mu.RLock()
	b, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if s.now().Sub(b.lastUsed) > s.ttl {
		s.Unbind(sessionID)
		return "", false
	}
	return b.accountID, true
}

func (s *stickyStore) Unbind(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// UnbindAccount drops every session bound to accountID.
func (s *stickyStore) UnbindAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, b := range s.sessions {
		if b.accountID == accountID {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *stickyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *stickyStore) cleanupLoop() {
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

func (s *stickyStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *stickyStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.sessions {
		if now.Sub(b.lastUsed) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
