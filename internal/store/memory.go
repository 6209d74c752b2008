package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
)

// MemoryDSN selects the in-memory store instead of SQLite.
const MemoryDSN = ":memory:"

// MemoryStore is a process-local SessionStore with the same merge rules as
// SQLiteStore. Records are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]domain.Session)}
}

// Save upserts a copy of session.
func (m *MemoryStore) Save(_ context.Context, session *domain.Session) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("save session: session id is required")
	}
	cp := copySession(session)
	cp.Progress = domain.ClampProgress(cp.Progress)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	m.sessions[cp.SessionID] = *cp
	m.mu.Unlock()
	return nil
}

// Load returns a copy of the session or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(&s), nil
}

// ApplyProgress records a progress report idempotently.
func (m *MemoryStore) ApplyProgress(_ context.Context, sessionID string, progress int, status domain.SessionStatus) (*domain.Session, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("apply progress: unknown status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	p := domain.ClampProgress(progress)
	if status == domain.SessionCompleted {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
	if status != "" && !s.Status.Terminal() {
		s.Status = status
	}
	s.UpdatedAt = time.Now()
	m.sessions[sessionID] = s
	return copySession(&s), nil
}

// ListByOwner returns an owner's sessions, newest first.
func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, copySession(&s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func copySession(s *domain.Session) *domain.Session {
	cp := *s
	cp.Target = append([]byte(nil), s.Target...)
	cp.Configuration.FocusAreas = append([]string(nil), s.Configuration.FocusAreas...)
	return &cp
}
