// Package heartbeat keeps a job lease alive while the leased work runs.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/queue"
)

var (
	// ErrLeaseLost means a keep-alive was rejected or could not reach the
	// queue. The work was cancelled and its lease may be held by someone else.
	ErrLeaseLost = errors.New("lease lost")
	// ErrCancelRequested means the job's group was cancelled.
	ErrCancelRequested = errors.New("cancel requested")
)

type KeepAliver interface {
	KeepAlive(ctx context.Context, qt domain.QueueType, jobID, version int64) (queue.KeepAliveResult, error)
}

// Lease tracks the current version of a leased job. The version changes
// with every successful keep-alive; Complete must use the latest one.
type Lease struct {
	QueueType domain.QueueType
	JobID     int64
	GroupID   string
	version   atomic.Int64
}

func NewLease(j *domain.JobRecord) *Lease {
	l := &Lease{QueueType: j.QueueType, JobID: j.JobID, GroupID: j.GroupID}
	l.version.Store(j.Version)
	return l
}

func (l *Lease) Version() int64 { return l.version.Load() }

type Supervisor struct {
	queue  KeepAliver
	period time.Duration
	log    *zap.Logger
}

func New(q KeepAliver, period time.Duration, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{queue: q, period: period, log: log}
}

// Run executes work while renewing lease every period. If a renewal fails
// the work context is cancelled and Run returns an error wrapping
// ErrLeaseLost or ErrCancelRequested. The heartbeat loop is stopped as soon
// as work returns.
func (s *Supervisor) Run(ctx context.Context, lease *Lease, work func(ctx context.Context) (string, error)) (string, error) {
	workCtx, cancelWork := context.WithCancelCause(ctx)
	defer cancelWork(nil)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	var (
		g     errgroup.Group
		hbErr error
	)
	g.Go(func() error {
		hbErr = s.loop(hbCtx, lease)
		if hbErr != nil {
			cancelWork(hbErr)
		}
		return nil
	})

	result, err := work(workCtx)
	stopHeartbeat()
	_ = g.Wait()

	if hbErr != nil {
		return result, hbErr
	}
	return result, err
}

func (s *Supervisor) loop(ctx context.Context, lease *Lease) error {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		res, err := s.queue.KeepAlive(ctx, lease.QueueType, lease.JobID, lease.Version())
		if err != nil {
			if ctx.Err() != nil {
				// Stopped while the round trip was in flight.
				return nil
			}
			s.log.Warn("keepalive failed", zap.Int64("job", lease.JobID), zap.Error(err))
			return multierr.Combine(errors.Wrapf(ErrLeaseLost, "job %d", lease.JobID), err)
		}
		lease.version.Store(res.Version)
		if res.CancelRequested {
			return errors.Wrapf(ErrCancelRequested, "job %d", lease.JobID)
		}
	}
}
