package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/heartbeat"
	"github.com/SirClappington/maintd/internal/params"
	"github.com/SirClappington/maintd/internal/payload"
	"github.com/SirClappington/maintd/internal/queue"
)

// Workload is the maintenance a watchdog coordinates.
type Workload interface {
	QueueType() domain.QueueType
	// Coordinator is the definition enqueued for the coordinator job.
	Coordinator() payload.Definition
	// Discover returns the leaf work of a group. It may be called again for
	// a group it already ran for, after the coordinator is adopted.
	Discover(ctx context.Context, groupID string) ([]payload.Definition, error)
	// Execute runs one leaf job. The result is stored as JSON.
	Execute(ctx context.Context, def payload.Definition) (any, error)
}

// Readiness reports whether storage is initialised and migrated.
type Readiness interface {
	Ready(ctx context.Context) (bool, error)
}

type Outcome string

const (
	OutcomeDisabled  Outcome = "disabled"
	OutcomeBusy      Outcome = "busy"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

const completeTimeout = 30 * time.Second

type Options struct {
	// Name namespaces the watchdog's parameters, e.g. "Defrag".
	Name      string
	Queue     queue.JobQueue
	Params    params.Store
	Registry  *payload.Registry
	Workload  Workload
	Readiness Readiness
	Logger    *zap.Logger

	// Owner identifies this instance on leases. Defaults to host:pid:random.
	Owner             string
	ReadyPollInterval time.Duration
	MaxInitialJitter  time.Duration
	ArchiveRetention  time.Duration
	// Int64N returns a value in [0, n). Defaults to math/rand/v2.
	Int64N func(n int64) int64
}

type Watchdog struct {
	opts     Options
	qt       domain.QueueType
	codec    *payload.Codec
	settings *params.Settings
	log      *zap.Logger
	stats    stats
}

func New(opts Options) (*Watchdog, error) {
	if opts.Name == "" || opts.Queue == nil || opts.Params == nil || opts.Registry == nil || opts.Workload == nil {
		return nil, errors.New("watchdog: name, queue, params, registry and workload are required")
	}
	codec, err := opts.Registry.Codec(opts.Workload.QueueType())
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Owner == "" {
		opts.Owner = DefaultOwner()
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = 5 * time.Second
	}
	if opts.ArchiveRetention <= 0 {
		opts.ArchiveRetention = 30 * 24 * time.Hour
	}
	if opts.Int64N == nil {
		opts.Int64N = rand.Int64N
	}
	return &Watchdog{
		opts:     opts,
		qt:       opts.Workload.QueueType(),
		codec:    codec,
		settings: params.NewSettings(opts.Name, opts.Params),
		log: opts.Logger.Named("watchdog").With(
			zap.String("watchdog", opts.Name), zap.String("owner", opts.Owner)),
	}, nil
}

// DefaultOwner is host:pid:random, for diagnostics only.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w *Watchdog) Name() string  { return w.opts.Name }
func (w *Watchdog) Stats() Stats  { return w.stats.snapshot() }
func (w *Watchdog) Owner() string { return w.opts.Owner }

// Run waits for storage, initialises parameters and ticks every PeriodSec
// until ctx is done. It returns nil on shutdown and an error only when the
// watchdog cannot be configured.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.waitReady(ctx); err != nil {
		return nil
	}
	// Desynchronise instances that start together before they race to
	// initialise the same parameters.
	if !w.sleep(ctx, w.jitter(w.opts.MaxInitialJitter)) {
		return nil
	}
	if err := w.settings.InitDefaults(ctx); err != nil {
		return errors.Wrap(err, "init parameters")
	}
	period, err := w.settings.Period(ctx)
	if err != nil {
		return errors.Wrap(err, "read period")
	}
	w.log.Info("watchdog started", zap.Duration("period", period))

	if !w.sleep(ctx, w.jitter(min(period, w.opts.MaxInitialJitter))) {
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		outcome, err := w.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.log.Error("tick failed", zap.String("outcome", string(outcome)), zap.Error(err))
		case err == nil:
			w.log.Debug("tick done", zap.String("outcome", string(outcome)))
		}
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) waitReady(ctx context.Context) error {
	if w.opts.Readiness == nil {
		return nil
	}
	t := time.NewTicker(w.opts.ReadyPollInterval)
	defer t.Stop()
	for {
		ok, err := w.opts.Readiness.Ready(ctx)
		if err == nil && ok {
			return nil
		}
		w.log.Debug("storage not ready", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Watchdog) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(w.opts.Int64N(int64(max)))
}

// sleep waits d and reports false if ctx ended first.
func (w *Watchdog) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Tick runs one activation of the state machine.
func (w *Watchdog) Tick(ctx context.Context) (Outcome, error) {
	w.stats.ticks.Add(1)
	w.stats.lastTick.Store(time.Now().UnixNano())

	enabled, err := w.settings.Enabled(ctx)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "read enabled flag")
	}
	if !enabled {
		return OutcomeDisabled, nil
	}
	v, err := w.settings.Load(ctx)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "read parameters")
	}

	job, err := w.acquire(ctx, v.HeartbeatTimeout)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "acquire coordinator")
	}
	if job == nil {
		return OutcomeBusy, nil
	}
	log := w.log.With(zap.String("group", job.GroupID), zap.Int64("job", job.JobID))
	log.Info("coordinator acquired", zap.Int64("version", job.Version))

	lease := heartbeat.NewLease(job)
	sup := heartbeat.New(w.opts.Queue, v.HeartbeatPeriod, log)
	res, execErr := sup.Run(ctx, lease, func(ctx context.Context) (string, error) {
		return w.execute(ctx, lease, v, log)
	})

	if errors.Is(execErr, heartbeat.ErrLeaseLost) {
		w.stats.groupsFailed.Add(1)
		log.Warn("coordinator lease lost", zap.Error(execErr))
		return OutcomeFailed, execErr
	}

	if execErr != nil && ctx.Err() != nil {
		// Shutdown: the lease expires and another instance adopts the group.
		log.Info("stopped during execution, coordinator left for adoption")
		return OutcomeFailed, execErr
	}

	status, outcome, result := domain.Completed, OutcomeCompleted, res
	if execErr != nil {
		status, outcome, result = domain.Failed, OutcomeFailed, execErr.Error()
	}
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := w.opts.Queue.Complete(completeCtx, w.qt, lease.JobID, lease.Version(), status, &result); err != nil {
		w.stats.groupsFailed.Add(1)
		return OutcomeFailed, errors.Wrap(err, "complete coordinator")
	}

	if execErr != nil {
		w.stats.groupsFailed.Add(1)
		return outcome, execErr
	}
	w.stats.groupsCompleted.Add(1)
	log.Info("group completed", zap.String("summary", res))

	if n, err := w.opts.Queue.ArchiveExpiredGroups(ctx, w.qt, w.opts.ArchiveRetention); err != nil {
		log.Warn("archive failed", zap.Error(err))
	} else if n > 0 {
		log.Info("archived groups", zap.Int("groups", n))
	}
	return outcome, nil
}

// acquire creates a new coordinator or adopts the active one. It returns
// nil when the active coordinator is leased by someone else.
func (w *Watchdog) acquire(ctx context.Context, heartbeatTimeout time.Duration) (*domain.JobRecord, error) {
	def, err := w.codec.Encode(w.opts.Workload.Coordinator())
	if err != nil {
		return nil, err
	}
	var jobID int64
	jobs, err := w.opts.Queue.Enqueue(ctx, queue.EnqueueRequest{
		QueueType:           w.qt,
		Definitions:         []string{def},
		AsCoordinator:       true,
		ForceOneActiveGroup: true,
	})
	switch {
	case err == nil:
		jobID = jobs[0].JobID
	case errors.Is(err, domain.ErrConflict):
		jobID, err = w.findCoordinator(ctx, heartbeatTimeout)
		if err != nil || jobID == 0 {
			return nil, err
		}
	default:
		return nil, err
	}
	return w.opts.Queue.Dequeue(ctx, queue.DequeueRequest{
		QueueType:        w.qt,
		Owner:            w.opts.Owner,
		HeartbeatTimeout: heartbeatTimeout,
		JobID:            jobID,
	})
}

// findCoordinator returns the active coordinator's job id. A group whose
// coordinator is gone can never finish, so its remaining jobs are
// cancelled to free the queue type for a new group.
func (w *Watchdog) findCoordinator(ctx context.Context, heartbeatTimeout time.Duration) (int64, error) {
	active, err := w.opts.Queue.ListActive(ctx, w.qt)
	if err != nil {
		return 0, errors.Wrap(err, "list active")
	}
	for _, a := range active {
		if a.Kind == domain.Coordinator {
			return a.JobID, nil
		}
	}
	orphans := map[string]bool{}
	for _, a := range active {
		orphans[a.GroupID] = true
	}
	for groupID := range orphans {
		n, err := w.opts.Queue.CancelGroup(ctx, w.qt, groupID)
		if err != nil {
			return 0, errors.Wrapf(err, "cancel orphaned group %s", groupID)
		}
		w.log.Warn("cancelled group without coordinator", zap.String("group", groupID), zap.Int("jobs", n))
	}
	// A running job only sees the cancel request through its own
	// heartbeat. One whose owner is gone is taken over once its lease
	// expires and closed here.
	for _, a := range active {
		if a.Status != domain.Running {
			continue
		}
		if err := w.closeOrphan(ctx, a.JobID, heartbeatTimeout); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (w *Watchdog) closeOrphan(ctx context.Context, jobID int64, heartbeatTimeout time.Duration) error {
	job, err := w.opts.Queue.Dequeue(ctx, queue.DequeueRequest{
		QueueType:        w.qt,
		Owner:            w.opts.Owner,
		HeartbeatTimeout: heartbeatTimeout,
		JobID:            jobID,
	})
	if err != nil {
		return errors.Wrapf(err, "reclaim orphaned job %d", jobID)
	}
	if job == nil {
		return nil
	}
	result := "group has no coordinator"
	if err := w.opts.Queue.Complete(ctx, w.qt, job.JobID, job.Version, domain.Cancelled, &result); err != nil {
		return errors.Wrapf(err, "cancel orphaned job %d", jobID)
	}
	w.log.Warn("closed orphaned job with expired lease", zap.String("group", job.GroupID), zap.Int64("job", job.JobID))
	return nil
}

type summary struct {
	Group       string `json:"group"`
	Discovered  int    `json:"discovered"`
	Outstanding int    `json:"outstanding"`
	Workers     int    `json:"workers"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	Abandoned   int64  `json:"abandoned"`
}

func (w *Watchdog) execute(ctx context.Context, lease *heartbeat.Lease, v params.Values, log *zap.Logger) (string, error) {
	defs, err := w.opts.Workload.Discover(ctx, lease.GroupID)
	if err != nil {
		return "", errors.Wrap(err, "discover")
	}
	if len(defs) > 0 {
		encoded := make([]string, 0, len(defs))
		for _, d := range defs {
			s, err := w.codec.Encode(d)
			if err != nil {
				return "", err
			}
			encoded = append(encoded, s)
		}
		if _, err := w.opts.Queue.Enqueue(ctx, queue.EnqueueRequest{
			QueueType:   w.qt,
			Definitions: encoded,
			GroupID:     lease.GroupID,
		}); err != nil {
			return "", errors.Wrap(err, "enqueue leaves")
		}
	}

	outstanding, err := w.outstanding(ctx, lease.GroupID)
	if err != nil {
		return "", err
	}
	sum := summary{
		Group:       lease.GroupID,
		Discovered:  len(defs),
		Outstanding: outstanding,
		Workers:     min(v.Threads, outstanding),
	}
	log.Info("executing group", zap.Int("discovered", sum.Discovered), zap.Int("outstanding", outstanding), zap.Int("workers", sum.Workers))

	// Leaves still leased by someone else are waited for: they either
	// complete or their lease expires and the next round takes them over.
	var (
		poolErr error
		rep     report
	)
	for outstanding > 0 {
		workers := min(v.Threads, outstanding)
		if poolErr = w.runPool(ctx, lease.GroupID, workers, v, &rep); poolErr != nil || ctx.Err() != nil {
			break
		}
		if outstanding, err = w.outstanding(ctx, lease.GroupID); err != nil {
			poolErr = err
			break
		}
		if outstanding == 0 {
			break
		}
		log.Debug("waiting for leased leaves", zap.Int("outstanding", outstanding))
		if !w.sleep(ctx, v.HeartbeatPeriod) {
			break
		}
	}
	sum.Completed, sum.Failed, sum.Abandoned = rep.completed.Load(), rep.failed.Load(), rep.abandoned.Load()
	b, err := json.Marshal(sum)
	if err != nil {
		return "", err
	}
	if poolErr == nil && ctx.Err() != nil {
		poolErr = errors.Wrap(ctx.Err(), "stopped before group was drained")
	}
	return string(b), poolErr
}

func (w *Watchdog) outstanding(ctx context.Context, groupID string) (int, error) {
	active, err := w.opts.Queue.ListActive(ctx, w.qt)
	if err != nil {
		return 0, errors.Wrap(err, "list active")
	}
	n := 0
	for _, a := range active {
		if a.GroupID == groupID && a.Kind == domain.Leaf {
			n++
		}
	}
	return n, nil
}
