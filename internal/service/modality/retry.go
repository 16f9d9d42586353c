package modality

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Backoff describes bounded exponential retry.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// PerAttempt bounds each individual call; zero means no extra bound.
	PerAttempt time.Duration
}

// DefaultBackoff 200ms 起步，每次翻倍，最多 2s，共 3 次。
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second, PerAttempt: 30 * time.Second}
}

// Delay returns the wait before attempt n+1 (n counts from 0).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// StatusError is a non-2xx reply from a modality service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Code)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether another attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Retry runs fn until it succeeds, fails permanently or attempts run out.
// Each attempt gets its own timeout nested under ctx.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.PerAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, b.PerAttempt)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		// 上游整体被取消时不再重试
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(i)):
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var re *RejectedError
	if errors.As(err, &re) || errors.Is(err, ErrPending) || errors.Is(err, ErrMalformed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// 其余传输层错误（连接被重置等）按网络错误处理
	return !errors.Is(err, context.Canceled)
}
