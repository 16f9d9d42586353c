package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
)

// fanOut asks every modality without usable evidence for its result in
// parallel. Unavailable records left by an earlier attempt are retried. Each
// branch is bounded by its own timeout nested under the collection
// deadline carried by ctx; branch failures become unavailable evidence and
// never cancel the siblings.
func (c *Collector) fanOut(ctx context.Context, s diagnosis.Session) {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range diagnosis.AllModalities() {
		if ev, ok := s.Evidence[m]; ok && ev.Available {
			continue
		}
		adapter := c.adapters[m]
		if adapter == nil {
			continue
		}
		g.Go(func() error {
			sub := c.collectOne(gctx, adapter, s.ID)
			if sub == nil {
				return nil
			}
			if err := c.Submit(gctx, *sub); err != nil && gctx.Err() == nil {
				log.Printf("[collector] %s outcome for %s not stored: %v", adapter.Modality(), s.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Collector) timeoutFor(m diagnosis.Modality) time.Duration {
	if d, ok := c.opts.Timeouts[m]; ok && d > 0 {
		return d
	}
	return c.opts.ModalityTimeout
}

// collectOne produces exactly one outcome for a modality, or nil when the
// result arrived through the push path (webhook mode) or the collection was
// cancelled.
func (c *Collector) collectOne(ctx context.Context, adapter modality.Adapter, sessionID string) *Submission {
	m := adapter.Modality()
	mctx, cancel := context.WithTimeout(ctx, c.timeoutFor(m))
	defer cancel()

	switch c.opts.Mode {
	case ModePull:
		return c.poll(ctx, mctx, adapter, sessionID)
	case ModeWebhook:
		return c.request(ctx, mctx, adapter, sessionID)
	default:
		return nil
	}
}

func (c *Collector) poll(parent, ctx context.Context, adapter modality.Adapter, sessionID string) *Submission {
	m := adapter.Modality()
	limiter := rate.NewLimiter(rate.Every(c.opts.PullInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return c.failure(parent, m, sessionID, diagnosis.SourcePull, context.DeadlineExceeded)
		}
		res, err := adapter.Fetch(ctx, sessionID)
		if errors.Is(err, modality.ErrPending) {
			continue
		}
		if err != nil {
			return c.failure(parent, m, sessionID, diagnosis.SourcePull, err)
		}
		return &Submission{
			SessionID:     sessionID,
			Modality:      m,
			Patterns:      res.Patterns,
			RawConfidence: res.RawConfidence,
			Available:     true,
			Source:        diagnosis.SourcePull,
			RequestID:     res.RequestID,
		}
	}
}

func (c *Collector) request(parent, ctx context.Context, adapter modality.Adapter, sessionID string) *Submission {
	m := adapter.Modality()
	done, release := c.await(sessionID, m)
	defer release()

	callback := strings.TrimRight(c.opts.CallbackBaseURL, "/") + "/results/" + string(m)
	if err := adapter.Request(ctx, sessionID, callback); err != nil {
		return c.failure(parent, m, sessionID, diagnosis.SourceWebhook, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return c.failure(parent, m, sessionID, diagnosis.SourceWebhook, ctx.Err())
	}
}

// failure maps an adapter error onto an unavailable outcome. A cancelled
// collection produces nothing; the deadline handler owns that case.
func (c *Collector) failure(parent context.Context, m diagnosis.Modality, sessionID string, source diagnosis.Source, err error) *Submission {
	if parent.Err() != nil {
		return nil
	}

	var reason string
	var rejected *modality.RejectedError
	switch {
	case errors.As(err, &rejected):
		reason = rejected.Error()
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	default:
		reason = fmt.Sprintf("error: %v", err)
	}
	log.Printf("[collector] %s unavailable for %s: %s", m, sessionID, reason)

	return &Submission{
		SessionID: sessionID,
		Modality:  m,
		Available: false,
		Reason:    reason,
		Source:    source,
	}
}

// await registers interest in a pushed result for (session, modality).
func (c *Collector) await(sessionID string, m diagnosis.Modality) (<-chan struct{}, func()) {
	key := waiterKey{sessionID: sessionID, modality: m}
	ch := make(chan struct{})

	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if c.waiters[key] == ch {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}
}

func (c *Collector) signal(sessionID string, m diagnosis.Modality) {
	key := waiterKey{sessionID: sessionID, modality: m}
	c.mu.Lock()
	ch, ok := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}
