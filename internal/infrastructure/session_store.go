package infrastructure

import (
	"context"
	"sync"
	"time"

	"nutripilot/internal/entities"
)

// MemorySessionStore keeps sessions in process with a sliding TTL.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

type memoryEntry struct {
	session   entities.Session
	expiresAt time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.cleanup(time.Minute)
	return s
}

// Get returns a copy of the stored session, or nil when missing or expired.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*entities.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	sess := cloneSession(e.session)
	return &sess, nil
}

func (s *MemorySessionStore) Put(_ context.Context, id string, sess *entities.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = memoryEntry{session: cloneSession(*sess), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included until the next sweep.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the cleanup goroutine.
func (s *MemorySessionStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemorySessionStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemorySessionStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
}

// cloneSession copies the slice and map fields so callers never share state with the store.
func cloneSession(in entities.Session) entities.Session {
	out := in
	if in.Formula != nil {
		out.Formula = append([]entities.Ingredient(nil), in.Formula...)
	}
	if in.LabValues != nil {
		out.LabValues = make(map[string]entities.LabValue, len(in.LabValues))
		for k, v := range in.LabValues {
			out.LabValues[k] = v
		}
	}
	return out
}
