package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// StateTTL bounds how long a pending login may wait for its callback.
const StateTTL = 10 * time.Minute

// StateStore hands out single-use anti-forgery state tokens and resolves
// them back to the pending login that minted them. Consume is atomic
// delete-on-read: a given state is accepted at most once, ever.
type StateStore interface {
	Create(redirectTo string) (string, error)
	Consume(state string) (PendingLogin, bool)
}

// InMemoryStateStore keeps pending logins in a mutex-guarded map. Suitable
// for a single-instance deployment; multi-instance setups want an external
// expiring key-value store behind the same interface.
type InMemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]PendingLogin
	ttl     time.Duration
	now     func() time.Time
}

// NewInMemoryStateStore constructs an empty store with the default TTL.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		pending: make(map[string]PendingLogin),
		ttl:     StateTTL,
		now:     time.Now,
	}
}

// Create generates a 256-bit random state token and records the pending
// login under it. Entries past the TTL are swept opportunistically on every
// call, so the map never grows beyond the set of recent login attempts.
func (s *InMemoryStateStore) Create(redirectTo string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)
	if redirectTo == "" {
		redirectTo = "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.pending {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.pending, key)
		}
	}
	s.pending[state] = PendingLogin{CreatedAt: now, RedirectTo: redirectTo}
	return state, nil
}

// Consume atomically looks up and deletes the pending login for state.
// Entries that outlived the TTL but escaped the sweep are rejected here too;
// the delete happens regardless, so retrying a consumed state always fails.
func (s *InMemoryStateStore) Consume(state string) (PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[state]
	if !ok {
		return PendingLogin{}, false
	}
	delete(s.pending, state)
	if s.now().Sub(entry.CreatedAt) > s.ttl {
		return PendingLogin{}, false
	}
	return entry, true
}
