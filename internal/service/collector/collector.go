// Package collector gathers modality evidence for sessions and decides when
// a session is ready to be fused.
//
// Every result, whether pushed by a modality service or produced by a
// polling adapter, becomes a message on one intake channel drained by a
// small worker pool. Workers write evidence through the session manager's
// compare-and-swap, so concurrent arrivals never lose updates.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
)

// Mode selects how evidence is gathered.
type Mode string

const (
	ModePush    Mode = "push"
	ModePull    Mode = "pull"
	ModeWebhook Mode = "webhook"
)

// ParseMode validates a configured mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModePush:
		return ModePush, nil
	case ModePull:
		return ModePull, nil
	case ModeWebhook:
		return ModeWebhook, nil
	default:
		return "", fmt.Errorf("unknown collection mode %q", raw)
	}
}

// Fuser runs fusion for a session once it is ready.
type Fuser interface {
	Fuse(ctx context.Context, sessionID string) (diagnosis.IntegratedDiagnosis, error)
}

// Options tunes the collector.
type Options struct {
	Mode            Mode
	Deadline        time.Duration
	// ModalityTimeout bounds one modality's collection; Timeouts overrides
	// it per modality.
	ModalityTimeout time.Duration
	Timeouts        map[diagnosis.Modality]time.Duration
	PullInterval    time.Duration
	Workers         int
	// CallbackBaseURL is the public address modality services call back
	// in webhook mode.
	CallbackBaseURL string
}

// DefaultOptions 90s 收集窗口，单诊法 30s，轮询间隔 2s。
func DefaultOptions() Options {
	return Options{
		Mode:            ModePush,
		Deadline:        90 * time.Second,
		ModalityTimeout: 30 * time.Second,
		PullInterval:    2 * time.Second,
		Workers:         4,
	}
}

// Submission is one modality result on its way into a session.
type Submission struct {
	SessionID     string
	Modality      diagnosis.Modality
	Patterns      []diagnosis.PatternScore
	RawConfidence float64
	Available     bool
	Reason        string
	Source        diagnosis.Source
	// Caller is the modality the submitting service authenticated as;
	// empty for the collector's own adapters.
	Caller     diagnosis.Modality
	RequestID  string
	ReceivedAt time.Time
}

type message struct {
	sub   Submission
	reply chan error
}

type run struct {
	cancel context.CancelFunc
}

type waiterKey struct {
	sessionID string
	modality  diagnosis.Modality
}

// Collector drives evidence collection.
type Collector struct {
	sessions *session.Service
	adapters map[diagnosis.Modality]modality.Adapter
	fuser    Fuser
	opts     Options

	intake chan message

	mu      sync.Mutex
	base    context.Context
	runs    map[string]*run
	waiters map[waiterKey]chan struct{}
	wg      sync.WaitGroup
}

// New builds a collector. adapters may be empty in push mode.
func New(sessions *session.Service, adapters map[diagnosis.Modality]modality.Adapter, fuser Fuser, opts Options) (*Collector, error) {
	defaults := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = defaults.Mode
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaults.Deadline
	}
	if opts.ModalityTimeout <= 0 {
		opts.ModalityTimeout = defaults.ModalityTimeout
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaults.PullInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.Mode != ModePush {
		for _, m := range diagnosis.AllModalities() {
			if adapters[m] == nil {
				return nil, fmt.Errorf("%s mode needs an adapter for %s", opts.Mode, m)
			}
		}
	}
	if opts.Mode == ModeWebhook && opts.CallbackBaseURL == "" {
		return nil, errors.New("webhook mode needs a callback base url")
	}

	return &Collector{
		sessions: sessions,
		adapters: adapters,
		fuser:    fuser,
		opts:     opts,
		intake:   make(chan message, 64),
		base:     context.Background(),
		runs:     make(map[string]*run),
		waiters:  make(map[waiterKey]chan struct{}),
	}, nil
}

// Mode reports the configured collection mode.
func (c *Collector) Mode() Mode {
	return c.opts.Mode
}

// Run starts the intake workers. They stop when ctx is cancelled, which also
// cancels every in-flight collection.
func (c *Collector) Run(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-c.intake:
					msg.reply <- c.process(msg.sub)
				}
			}
		}()
	}
	log.Printf("[collector] %d workers started in %s mode", c.opts.Workers, c.opts.Mode)
}

// Wait blocks until the workers have exited.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Start dispatches collection for a session: created moves to collecting
// with a deadline and, in pull or webhook mode, the adapters fan out.
// Starting a session that is already collecting is a no-op.
func (c *Collector) Start(ctx context.Context, sessionID string) (diagnosis.Session, error) {
	started := false
	s, err := c.sessions.Mutate(ctx, sessionID, func(s *diagnosis.Session) error {
		switch s.Status {
		case diagnosis.StatusCollecting:
			return session.ErrNoChange
		case diagnosis.StatusCreated:
			if c.sessions.Now().After(s.ExpiresAt) && !s.ExpiresAt.IsZero() {
				return diagnosis.Errorf(diagnosis.KindNotFound, "session %s has expired", s.ID)
			}
			c.open(s)
			started = true
			return nil
		default:
			return diagnosis.Errorf(diagnosis.KindInvalidArgument,
				"session %s is %s; reset it before collecting again", s.ID, s.Status)
		}
	})
	if err != nil {
		return diagnosis.Session{}, err
	}
	if started || !c.armed(sessionID) {
		c.arm(s)
	}
	return s, nil
}

// open moves a created session to collecting.
func (c *Collector) open(s *diagnosis.Session) {
	s.Status = diagnosis.StatusCollecting
	s.CollectionDeadline = c.sessions.Now().Add(c.opts.Deadline)
	log.Printf("[collector] session %s collecting until %s", s.ID, s.CollectionDeadline.Format(time.RFC3339))
}

// Submit hands a result to the intake workers and waits for the outcome.
func (c *Collector) Submit(ctx context.Context, sub Submission) error {
	if sub.SessionID == "" {
		return diagnosis.Errorf(diagnosis.KindInvalidArgument, "session_id is required")
	}
	if !sub.Modality.Valid() {
		return diagnosis.Errorf(diagnosis.KindInvalidArgument, "unknown modality %q", sub.Modality)
	}
	if sub.Caller != "" && sub.Caller != sub.Modality {
		return diagnosis.Wrap(diagnosis.KindInvalidArgument, diagnosis.ErrCallerMismatch,
			fmt.Sprintf("%s service cannot submit %s results", sub.Caller, sub.Modality))
	}
	if sub.Available {
		if len(sub.Patterns) == 0 {
			return diagnosis.Errorf(diagnosis.KindInvalidArgument, "an available result needs at least one pattern")
		}
		for _, p := range sub.Patterns {
			if strings.TrimSpace(p.Name) == "" {
				return diagnosis.Errorf(diagnosis.KindInvalidArgument, "pattern name is required")
			}
			if p.Confidence < 0 || p.Confidence > 1 {
				return diagnosis.Errorf(diagnosis.KindInvalidArgument, "pattern %s confidence %v is outside [0,1]", p.Name, p.Confidence)
			}
		}
		if sub.RawConfidence < 0 || sub.RawConfidence > 1 {
			return diagnosis.Errorf(diagnosis.KindInvalidArgument, "raw confidence %v is outside [0,1]", sub.RawConfidence)
		}
	}
	if sub.Source == "" {
		sub.Source = diagnosis.SourcePush
	}

	msg := message{sub: sub, reply: make(chan error, 1)}
	select {
	case c.intake <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process writes one submission. It runs on an intake worker.
func (c *Collector) process(sub Submission) error {
	ctx := c.baseContext()
	received := sub.ReceivedAt
	if received.IsZero() {
		received = c.sessions.Now()
	}

	ev := diagnosis.Evidence{
		Modality:      sub.Modality,
		Patterns:      sub.Patterns,
		RawConfidence: sub.RawConfidence,
		ReceivedAt:    received,
		Available:     sub.Available,
		Source:        sub.Source,
	}
	if !sub.Available {
		reason := sub.Reason
		if reason == "" {
			reason = "unavailable"
		}
		ev = diagnosis.Unavailable(sub.Modality, reason, sub.Source, received)
	}
	if sub.RequestID != "" {
		if ev.Metadata == nil {
			ev.Metadata = map[string]string{}
		}
		ev.Metadata["request_id"] = sub.RequestID
	}

	opened := false
	saved, err := c.sessions.Mutate(ctx, sub.SessionID, func(s *diagnosis.Session) error {
		if c.sessions.Now().After(s.ExpiresAt) && !s.ExpiresAt.IsZero() && s.Status.AcceptsEvidence() {
			return diagnosis.Errorf(diagnosis.KindNotFound, "session %s has expired", s.ID)
		}
		if !s.Status.AcceptsEvidence() {
			return diagnosis.Errorf(diagnosis.KindInvalidArgument,
				"session %s is %s and no longer accepts evidence", s.ID, s.Status)
		}
		if s.Status == diagnosis.StatusCreated {
			c.open(s)
			opened = true
		}
		if cur, ok := s.Evidence[sub.Modality]; ok {
			if cur.ReceivedAt.After(received) {
				return session.ErrNoChange
			}
			if cur.Available && !ev.Available {
				return session.ErrNoChange
			}
		}
		if s.Evidence == nil {
			s.Evidence = make(map[diagnosis.Modality]diagnosis.Evidence, 4)
		}
		s.Evidence[sub.Modality] = ev
		return nil
	})
	if err != nil {
		if diagnosis.KindOf(err) == diagnosis.KindInvalidArgument {
			log.Printf("[collector] dropped %s result for %s: %v", sub.Modality, sub.SessionID, err)
		}
		return err
	}

	if opened {
		c.arm(saved)
	}
	if sub.Source != diagnosis.SourcePull {
		c.signal(sub.SessionID, sub.Modality)
	}
	log.Printf("[collector] %s evidence for %s stored (available=%t, source=%s)", sub.Modality, sub.SessionID, ev.Available, sub.Source)

	if saved.Status == diagnosis.StatusCollecting && saved.AllAvailable() {
		c.disarm(saved.ID)
		c.fuse(ctx, saved.ID)
	}
	return nil
}

// arm starts the deadline timer and, outside push mode, the adapter
// fan-out for a collecting session.
func (c *Collector) arm(s diagnosis.Session) {
	c.mu.Lock()
	if _, ok := c.runs[s.ID]; ok {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithDeadline(c.base, s.CollectionDeadline)
	c.runs[s.ID] = &run{cancel: cancel}
	c.mu.Unlock()

	go func() {
		defer cancel()
		if c.opts.Mode != ModePush {
			c.fanOut(runCtx, s)
		}
		<-runCtx.Done()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			c.disarm(s.ID)
			c.onDeadline(s.ID)
		}
	}()
}

func (c *Collector) armed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[sessionID]
	return ok
}

// disarm cancels the in-flight collection for a session.
func (c *Collector) disarm(sessionID string) {
	c.mu.Lock()
	r, ok := c.runs[sessionID]
	delete(c.runs, sessionID)
	c.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// onDeadline records every unanswered modality as timed out, then fuses
// when anything usable arrived and expires the session otherwise.
func (c *Collector) onDeadline(sessionID string) {
	ctx := c.baseContext()
	if ctx.Err() != nil {
		return
	}
	now := c.sessions.Now()

	saved, err := c.sessions.Mutate(ctx, sessionID, func(s *diagnosis.Session) error {
		if s.Status != diagnosis.StatusCollecting {
			return session.ErrNoChange
		}
		if s.Evidence == nil {
			s.Evidence = make(map[diagnosis.Modality]diagnosis.Evidence, 4)
		}
		opened := s.CollectionDeadline.Add(-c.opts.Deadline)
		for _, m := range diagnosis.AllModalities() {
			ev, ok := s.Evidence[m]
			// records left from before a reset count as unanswered
			if !ok || (!ev.Available && ev.ReceivedAt.Before(opened)) {
				s.Evidence[m] = diagnosis.Unavailable(m, "timeout", c.timeoutSource(), now)
			}
		}
		if len(s.AvailableEvidence()) == 0 {
			s.Status = diagnosis.StatusExpired
		}
		return nil
	})
	if err != nil {
		log.Printf("[collector] deadline handling for %s failed: %v", sessionID, err)
		return
	}

	switch saved.Status {
	case diagnosis.StatusExpired:
		log.Printf("[collector] session %s expired with no usable evidence", sessionID)
	case diagnosis.StatusCollecting:
		log.Printf("[collector] deadline reached for %s with %d modalities", sessionID, len(saved.AvailableEvidence()))
		c.fuse(ctx, sessionID)
	}
}

func (c *Collector) timeoutSource() diagnosis.Source {
	switch c.opts.Mode {
	case ModePull:
		return diagnosis.SourcePull
	case ModeWebhook:
		return diagnosis.SourceWebhook
	default:
		return diagnosis.SourcePush
	}
}

func (c *Collector) fuse(ctx context.Context, sessionID string) {
	if c.fuser == nil {
		return
	}
	result, err := c.fuser.Fuse(ctx, sessionID)
	switch {
	case err == nil:
		log.Printf("[collector] session %s fused: %s (%.3f)", sessionID, result.PrimaryPattern, result.Confidence)
	case errors.Is(err, diagnosis.ErrFusionInProgress):
		log.Printf("[collector] fusion for %s already running", sessionID)
	default:
		log.Printf("[collector] fusion for %s ended with %s: %v", sessionID, diagnosis.KindOf(err), err)
	}
}

// Recover re-arms collections left behind by a restart: collecting sessions
// get their deadline back (or are finalized when it already passed) and
// sessions stuck in ready_for_fusion are fused again.
func (c *Collector) Recover(ctx context.Context) error {
	collecting, err := c.sessions.ListByStatus(ctx, diagnosis.StatusCollecting)
	if err != nil {
		return err
	}
	now := c.sessions.Now()
	for _, s := range collecting {
		if s.CollectionDeadline.IsZero() || !now.Before(s.CollectionDeadline) {
			c.onDeadline(s.ID)
			continue
		}
		c.arm(s)
	}

	ready, err := c.sessions.ListByStatus(ctx, diagnosis.StatusReadyForFusion)
	if err != nil {
		return err
	}
	for _, s := range ready {
		c.fuse(ctx, s.ID)
	}
	if n := len(collecting) + len(ready); n > 0 {
		log.Printf("[collector] recovered %d collecting and %d ready sessions", len(collecting), len(ready))
	}
	return nil
}

func (c *Collector) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}
