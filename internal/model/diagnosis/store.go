package diagnosis

import (
	"context"
	"sort"
	"sync"
)

// ListOptions pages through a user's session history.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store persists sessions keyed by id. Every mutation goes through
// CompareAndSwap on Session.Version; there is no blind overwrite.
type Store interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	// CompareAndSwap replaces the stored session when its version equals
	// expected and returns the stored copy with the bumped version.
	CompareAndSwap(ctx context.Context, expected int64, next Session) (Session, error)
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]Session, int, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]Session, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Session)}
}

// Create inserts a new session at version 1.
func (s *MemoryStore) Create(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[session.ID]; ok {
		return ErrSessionExists
	}
	session = session.Clone()
	session.Version = 1
	s.items[session.ID] = session
	return nil
}

// Get returns a copy of the stored session.
func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.items[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// CompareAndSwap swaps in next when the stored version matches expected.
func (s *MemoryStore) CompareAndSwap(_ context.Context, expected int64, next Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[next.ID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if current.Version != expected {
		return Session{}, ErrVersionConflict
	}
	next = next.Clone()
	next.Version = expected + 1
	s.items[next.ID] = next
	return next.Clone(), nil
}

// ListByUser returns the user's sessions, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, opts ListOptions) ([]Session, int, error) {
	s.mu.RLock()
	matched := make([]Session, 0)
	for _, session := range s.items {
		if session.UserID == userID {
			matched = append(matched, session)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	total := len(matched)
	return page(matched, opts), total, nil
}

// ListByStatus returns up to limit sessions in any of the given statuses.
func (s *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]Session, error) {
	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	matched := make([]Session, 0)
	for _, session := range s.items {
		if wanted[session.Status] {
			matched = append(matched, session.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func sortNewestFirst(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func page(sessions []Session, opts ListOptions) []Session {
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Offset >= len(sessions) {
		return []Session{}
	}
	end := len(sessions)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	out := make([]Session, 0, end-opts.Offset)
	for _, session := range sessions[opts.Offset:end] {
		out = append(out, session.Clone())
	}
	return out
}
