package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/heartbeat"
	"github.com/SirClappington/maintd/internal/params"
	"github.com/SirClappington/maintd/internal/queue"
)

type report struct {
	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// runPool drains the group's leaf jobs with n workers. A worker stops when
// the group has nothing left to dequeue, when ctx is done, or when the
// queue fails; the other workers carry on. The returned error combines
// the queue failures of all workers.
func (w *Watchdog) runPool(ctx context.Context, groupID string, n int, v params.Values, rep *report) error {
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			errs[i] = w.worker(ctx, i, groupID, v, rep)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

func (w *Watchdog) worker(ctx context.Context, id int, groupID string, v params.Values, rep *report) error {
	log := w.log.With(zap.String("group", groupID), zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.opts.Queue.Dequeue(ctx, queue.DequeueRequest{
			QueueType:        w.qt,
			Owner:            w.opts.Owner,
			HeartbeatTimeout: v.HeartbeatTimeout,
			GroupID:          groupID,
			Kind:             domain.Leaf,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "worker %d: dequeue", id)
		}
		if job == nil {
			return nil
		}
		w.runLeaf(ctx, job, v, log.With(zap.Int64("job", job.JobID)), rep)
	}
}

// runLeaf executes one leased leaf job and records its outcome. Shutdown
// does not interrupt it; only its own heartbeat can.
func (w *Watchdog) runLeaf(ctx context.Context, job *domain.JobRecord, v params.Values, log *zap.Logger, rep *report) {
	execCtx := context.WithoutCancel(ctx)
	lease := heartbeat.NewLease(job)
	sup := heartbeat.New(w.opts.Queue, v.HeartbeatPeriod, log)

	result, err := sup.Run(execCtx, lease, func(ctx context.Context) (string, error) {
		return w.executeLeaf(ctx, job)
	})
	if errors.Is(err, heartbeat.ErrLeaseLost) {
		rep.abandoned.Add(1)
		w.stats.leavesAbandoned.Add(1)
		log.Warn("leaf lease lost", zap.Error(err))
		return
	}

	status := domain.Completed
	if err != nil {
		status, result = domain.Failed, err.Error()
		log.Warn("leaf failed", zap.Error(err))
	}
	completeCtx, cancel := context.WithTimeout(execCtx, completeTimeout)
	defer cancel()
	if err := w.opts.Queue.Complete(completeCtx, w.qt, lease.JobID, lease.Version(), status, &result); err != nil {
		rep.abandoned.Add(1)
		w.stats.leavesAbandoned.Add(1)
		log.Warn("complete leaf failed", zap.Error(err))
		return
	}
	if status == domain.Completed {
		rep.completed.Add(1)
		w.stats.leavesCompleted.Add(1)
		return
	}
	rep.failed.Add(1)
	w.stats.leavesFailed.Add(1)
}

func (w *Watchdog) executeLeaf(ctx context.Context, job *domain.JobRecord) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("leaf job %d panicked: %v", job.JobID, r)
		}
	}()
	def, err := w.codec.Decode(job.Definition)
	if err != nil {
		return "", err
	}
	out, err := w.opts.Workload.Execute(ctx, def)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "encode result")
	}
	return string(b), nil
}
