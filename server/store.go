package server

import (
	"context"
	"sync"
	"time"

	"oidclogin/client"
)

type storedState struct {
	state     client.FlowState
	expiresAt time.Time
}

// InMemoryStore keeps login state in process memory. It implements
// client.SessionStore and is safe for concurrent use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]storedState
	now      func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]storedState),
		now:      time.Now,
	}
}

// Get returns a copy of the state for id, or nil when unknown or expired.
func (s *InMemoryStore) Get(_ context.Context, id string) (*client.FlowState, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return cloneState(entry.state), nil
}

// cloneState copies st so callers never share pointers with the store.
func cloneState(st client.FlowState) *client.FlowState {
	if st.Attempt != nil {
		a := *st.Attempt
		st.Attempt = &a
	}
	if st.Session != nil {
		sess := *st.Session
		if sess.IDTokenClaims != nil {
			c := *sess.IDTokenClaims
			sess.IDTokenClaims = &c
		}
		st.Session = &sess
	}
	return &st
}

// Set stores or replaces the state for id. A non-positive ttl never expires.
func (s *InMemoryStore) Set(_ context.Context, id string, state *client.FlowState, ttl time.Duration) error {
	entry := storedState{state: *cloneState(*state)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = entry
	return nil
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len reports the number of live entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops expired entries and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.sessions {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is done.
func (s *InMemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
