package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/domain"
)

type retryPolicy struct {
	attempts int
	base     time.Duration
}

var defaultRetryPolicy = retryPolicy{attempts: 3, base: 100 * time.Millisecond}

// delay is base*2^(attempt-1) with ±10% jitter.
func (p retryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.base << (attempt - 1)
	jitter := int64(d) / 10
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*jitter)-jitter)
}

// transient reports errors worth retrying at the command level: nothing
// reached the server, or the connection timed out.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string {
	return e.op + ": " + domain.ErrTransient.Error() + ": " + e.err.Error()
}

func (e *transientError) Unwrap() []error { return []error{domain.ErrTransient, e.err} }

// do runs fn under the retry policy. Non-transient errors are returned
// as they are; transient ones are retried and, once attempts are
// exhausted, reported as domain.ErrTransient.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := s.retry.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if !transient(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}
		d := s.retry.delay(attempt)
		s.log.Warn("transient store error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("backoff", d), zap.Error(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return &transientError{op: op, err: err}
}
