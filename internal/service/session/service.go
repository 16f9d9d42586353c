// Package session owns the diagnostic session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	maxCASAttempts = 8
)

// ErrNoChange aborts a Mutate without writing.
var ErrNoChange = errors.New("no change")

// Options configures a Service.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Service creates, reads and mutates sessions through the store's CAS.
type Service struct {
	store  diagnosis.Store
	ttl    time.Duration
	now    func() time.Time
	events *Broker
}

// NewService wires the session manager.
func NewService(store diagnosis.Store, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, ttl: opts.TTL, now: opts.Now, events: NewBroker()}
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// Events exposes the change feed.
func (s *Service) Events() *Broker {
	return s.events
}

// CreateSession provisions a new session for userID.
func (s *Service) CreateSession(ctx context.Context, userID string, metadata map[string]string) (diagnosis.Session, error) {
	if userID == "" {
		return diagnosis.Session{}, diagnosis.Errorf(diagnosis.KindInvalidArgument, "user_id is required")
	}

	now := s.now()
	session := diagnosis.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    diagnosis.StatusCreated,
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindInternal, err, "create session")
	}

	created, err := s.store.Get(ctx, session.ID)
	if err != nil {
		return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindInternal, err, "reload session")
	}
	log.Printf("[session] created %s for user %s", created.ID, userID)
	s.publish(created)
	return created, nil
}

// GetSession returns a live session. Expired sessions read as NotFound.
func (s *Service) GetSession(ctx context.Context, id string) (diagnosis.Session, error) {
	session, err := s.Load(ctx, id)
	if err != nil {
		return diagnosis.Session{}, err
	}
	if session.Status == diagnosis.StatusExpired || s.pastTTL(session) {
		return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindNotFound, diagnosis.ErrSessionNotFound, "session "+id+" has expired")
	}
	return session, nil
}

// Load returns the stored session whatever its status.
func (s *Service) Load(ctx context.Context, id string) (diagnosis.Session, error) {
	if id == "" {
		return diagnosis.Session{}, diagnosis.Errorf(diagnosis.KindInvalidArgument, "session id is required")
	}
	session, err := s.store.Get(ctx, id)
	if errors.Is(err, diagnosis.ErrSessionNotFound) {
		return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindNotFound, err, "session "+id)
	}
	if err != nil {
		return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindInternal, err, "load session")
	}
	return session, nil
}

// ListSessions pages through a user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string, limit, offset int) ([]diagnosis.Session, int, error) {
	if userID == "" {
		return nil, 0, diagnosis.Errorf(diagnosis.KindInvalidArgument, "user_id is required")
	}
	limit, offset = NormalizePage(limit, offset)
	sessions, total, err := s.store.ListByUser(ctx, userID, diagnosis.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, diagnosis.Wrap(diagnosis.KindInternal, err, "list sessions")
	}
	return sessions, total, nil
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Mutate applies fn to the latest copy of the session and stores it with a
// compare-and-swap, re-reading and re-applying fn on version conflicts.
// fn may return ErrNoChange to skip the write.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*diagnosis.Session) error) (diagnosis.Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Load(ctx, id)
		if err != nil {
			return diagnosis.Session{}, err
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return diagnosis.Session{}, err
		}
		next.ID = current.ID
		next.UpdatedAt = s.now()

		saved, err := s.store.CompareAndSwap(ctx, current.Version, next)
		if errors.Is(err, diagnosis.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindInternal, err, "store session")
		}
		s.publish(saved)
		return saved, nil
	}
	return diagnosis.Session{}, diagnosis.Wrap(diagnosis.KindInternal, diagnosis.ErrVersionConflict,
		fmt.Sprintf("session %s kept changing after %d attempts", id, maxCASAttempts))
}

// Transition moves the session to status to, applying fn to the copy first.
func (s *Service) Transition(ctx context.Context, id string, to diagnosis.Status, fn func(*diagnosis.Session) error) (diagnosis.Session, error) {
	return s.Mutate(ctx, id, func(session *diagnosis.Session) error {
		if !session.Status.CanTransition(to) {
			return diagnosis.Errorf(diagnosis.KindInvalidArgument,
				"session %s cannot move from %s to %s", session.ID, session.Status, to)
		}
		if fn != nil {
			if err := fn(session); err != nil {
				return err
			}
		}
		session.Status = to
		return nil
	})
}

// Reset re-opens a finished session so collection can be retried. Evidence
// is kept; the verdict, failure and claim are cleared.
func (s *Service) Reset(ctx context.Context, id string) (diagnosis.Session, error) {
	session, err := s.Mutate(ctx, id, func(session *diagnosis.Session) error {
		if !session.Status.Terminal() {
			return diagnosis.Errorf(diagnosis.KindInvalidArgument,
				"session %s is %s; only completed, failed or expired sessions can be reset", session.ID, session.Status)
		}
		session.Status = diagnosis.StatusCreated
		session.Diagnosis = nil
		session.Failure = nil
		session.Claim = nil
		session.CollectionDeadline = time.Time{}
		session.ExpiresAt = s.now().Add(s.ttl)
		session.ResetCount++
		return nil
	})
	if err != nil {
		return diagnosis.Session{}, err
	}
	log.Printf("[session] reset %s (reset #%d)", id, session.ResetCount)
	return session, nil
}

// ExpireStale marks created or collecting sessions past their TTL as
// expired and returns how many were changed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	candidates, err := s.store.ListByStatus(ctx, []diagnosis.Status{diagnosis.StatusCreated, diagnosis.StatusCollecting}, 0)
	if err != nil {
		return 0, diagnosis.Wrap(diagnosis.KindInternal, err, "list sessions")
	}

	expired := 0
	for _, c := range candidates {
		if !s.pastTTL(c) {
			continue
		}
		_, err := s.Mutate(ctx, c.ID, func(session *diagnosis.Session) error {
			if !s.pastTTL(*session) || !session.Status.AcceptsEvidence() {
				return ErrNoChange
			}
			session.Status = diagnosis.StatusExpired
			return nil
		})
		if err != nil {
			log.Printf("[session] expire %s failed: %v", c.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ListByStatus passes through to the store for recovery scans.
func (s *Service) ListByStatus(ctx context.Context, statuses ...diagnosis.Status) ([]diagnosis.Session, error) {
	sessions, err := s.store.ListByStatus(ctx, statuses, 0)
	if err != nil {
		return nil, diagnosis.Wrap(diagnosis.KindInternal, err, "list sessions")
	}
	return sessions, nil
}

func (s *Service) pastTTL(session diagnosis.Session) bool {
	return !session.ExpiresAt.IsZero() && !s.now().Before(session.ExpiresAt)
}

func (s *Service) publish(session diagnosis.Session) {
	s.events.Publish(Event{
		SessionID:    session.ID,
		Status:       session.Status,
		Availability: session.Availability(),
		Version:      session.Version,
		At:           session.UpdatedAt,
	})
}
