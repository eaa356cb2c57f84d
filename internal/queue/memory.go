package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/maintd/internal/domain"
)

// Memory is a JobQueue held in process memory. It honours the same
// protocol as the PostgreSQL store but is only shared by goroutines of a
// single process, which makes it suitable for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	jobs   map[int64]*domain.JobRecord
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, mainly so tests can expire leases.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now, jobs: make(map[int64]*domain.JobRecord)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ JobQueue = (*Memory)(nil)

func (m *Memory) Enqueue(ctx context.Context, req EnqueueRequest) ([]domain.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Definitions) == 0 {
		return nil, errors.New("enqueue: no definitions")
	}
	groupID := req.GroupID
	if groupID != "" {
		if _, err := uuid.Parse(groupID); err != nil {
			return nil, errors.Wrapf(err, "enqueue: group id %q", groupID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.QueueType != req.QueueType || !j.Active() {
			continue
		}
		if req.ForceOneActiveGroup && (groupID == "" || j.GroupID != groupID) {
			return nil, errors.Wrapf(domain.ErrConflict, "enqueue %s: group %s", req.QueueType, j.GroupID)
		}
		if req.AsCoordinator && j.Kind == domain.Coordinator && j.GroupID != groupID {
			return nil, errors.Wrapf(domain.ErrConflict, "enqueue %s: coordinator %d", req.QueueType, j.JobID)
		}
	}
	if groupID == "" {
		groupID = uuid.NewString()
	}
	kind := domain.Leaf
	if req.AsCoordinator {
		kind = domain.Coordinator
	}

	now := m.now()
	out := make([]domain.JobRecord, 0, len(req.Definitions))
	for _, def := range req.Definitions {
		if existing := m.findLocked(req.QueueType, groupID, def); existing != nil {
			out = append(out, *existing)
			continue
		}
		m.nextID++
		j := &domain.JobRecord{
			QueueType:  req.QueueType,
			GroupID:    groupID,
			JobID:      m.nextID,
			Kind:       kind,
			Version:    1,
			Status:     domain.Created,
			Definition: def,
			CreatedAt:  now,
		}
		m.jobs[j.JobID] = j
		out = append(out, *j)
	}
	return out, nil
}

func (m *Memory) findLocked(qt domain.QueueType, groupID, def string) *domain.JobRecord {
	for _, j := range m.jobs {
		if j.QueueType == qt && j.GroupID == groupID && j.Definition == def {
			return j
		}
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, req DequeueRequest) (*domain.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var pick *domain.JobRecord
	for _, j := range m.jobs {
		if !m.eligible(j, req, now) {
			continue
		}
		if pick == nil || j.CreatedAt.Before(pick.CreatedAt) ||
			(j.CreatedAt.Equal(pick.CreatedAt) && j.JobID < pick.JobID) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}

	owner := req.Owner
	pick.Status = domain.Running
	pick.Owner = &owner
	pick.HeartbeatAt = &now
	pick.Version++
	if pick.StartedAt == nil {
		pick.StartedAt = &now
	}
	out := *pick
	return &out, nil
}

func (m *Memory) eligible(j *domain.JobRecord, req DequeueRequest, now time.Time) bool {
	if j.QueueType != req.QueueType {
		return false
	}
	if req.JobID != 0 && j.JobID != req.JobID {
		return false
	}
	if req.GroupID != "" && j.GroupID != req.GroupID {
		return false
	}
	if req.Kind != "" && j.Kind != req.Kind {
		return false
	}
	return j.Status == domain.Created || j.LeaseExpired(now, req.HeartbeatTimeout)
}

func (m *Memory) KeepAlive(ctx context.Context, qt domain.QueueType, jobID, version int64) (KeepAliveResult, error) {
	if err := ctx.Err(); err != nil {
		return KeepAliveResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leasedLocked(qt, jobID, version)
	if err != nil {
		return KeepAliveResult{}, err
	}
	now := m.now()
	j.HeartbeatAt = &now
	j.Version++
	return KeepAliveResult{Version: j.Version, CancelRequested: j.CancelRequested}, nil
}

func (m *Memory) Complete(ctx context.Context, qt domain.QueueType, jobID, version int64, status domain.Status, result *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return errors.Wrapf(domain.ErrInvalidStatus, "complete job %d with %q", jobID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leasedLocked(qt, jobID, version)
	if err != nil {
		return err
	}
	if j.CancelRequested && status != domain.Completed {
		status = domain.Cancelled
	}
	now := m.now()
	j.Status = status
	j.EndedAt = &now
	if result != nil {
		r := *result
		j.Result = &r
	}
	return nil
}

func (m *Memory) leasedLocked(qt domain.QueueType, jobID, version int64) (*domain.JobRecord, error) {
	j, ok := m.jobs[jobID]
	if !ok || j.QueueType != qt || j.Status != domain.Running || j.Version != version {
		return nil, errors.Wrapf(domain.ErrStaleLease, "job %d version %d", jobID, version)
	}
	return j, nil
}

func (m *Memory) ArchiveExpiredGroups(ctx context.Context, qt domain.QueueType, retention time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type groupState struct {
		active  bool
		lastEnd time.Time
	}
	groups := make(map[string]*groupState)
	for _, j := range m.jobs {
		if j.QueueType != qt {
			continue
		}
		g, ok := groups[j.GroupID]
		if !ok {
			g = &groupState{}
			groups[j.GroupID] = g
		}
		if j.Active() {
			g.active = true
			continue
		}
		if j.EndedAt != nil && j.EndedAt.After(g.lastEnd) {
			g.lastEnd = *j.EndedAt
		}
	}

	cutoff := m.now().Add(-retention)
	archived := 0
	for id, g := range groups {
		if g.active || !g.lastEnd.Before(cutoff) {
			continue
		}
		for jobID, j := range m.jobs {
			if j.QueueType == qt && j.GroupID == id {
				delete(m.jobs, jobID)
			}
		}
		archived++
	}
	return archived, nil
}

func (m *Memory) ListActive(ctx context.Context, qt domain.QueueType) ([]domain.ActiveJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ActiveJob
	for _, j := range m.jobs {
		if j.QueueType != qt || !j.Active() {
			continue
		}
		out = append(out, domain.ActiveJob{
			GroupID:    j.GroupID,
			JobID:      j.JobID,
			Version:    j.Version,
			Kind:       j.Kind,
			Status:     j.Status,
			Definition: j.Definition,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].JobID < out[b].JobID })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, qt domain.QueueType, jobID int64) (*domain.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.QueueType != qt {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %d", jobID)
	}
	out := *j
	return &out, nil
}

func (m *Memory) CancelGroup(ctx context.Context, qt domain.QueueType, groupID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, j := range m.jobs {
		if j.QueueType != qt || j.GroupID != groupID {
			continue
		}
		switch j.Status {
		case domain.Created:
			j.Status = domain.Cancelled
			j.EndedAt = &now
			n++
		case domain.Running:
			if !j.CancelRequested {
				j.CancelRequested = true
				n++
			}
		}
	}
	return n, nil
}
