package domain

import (
	"strconv"
	"time"
)

// QueueType identifies a workload class sharing one logical queue.
type QueueType int16

const (
	QueueTypeUnknown QueueType = 0
	QueueTypeDefrag  QueueType = 3
)

func (q QueueType) String() string {
	switch q {
	case QueueTypeDefrag:
		return "defrag"
	default:
		return "queue-" + strconv.Itoa(int(q))
	}
}

// ParseQueueType accepts a queue type name or its numeric value.
func ParseQueueType(s string) (QueueType, bool) {
	if s == QueueTypeDefrag.String() {
		return QueueTypeDefrag, true
	}
	n, err := strconv.ParseInt(s, 10, 16)
	if err != nil || n <= 0 {
		return QueueTypeUnknown, false
	}
	return QueueType(n), true
}

type Status string

const (
	Created   Status = "created"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s Status) Valid() bool {
	switch s {
	case Created, Running, Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Kind separates the single coordinator job of a group from its leaf jobs.
type Kind string

const (
	Coordinator Kind = "coordinator"
	Leaf        Kind = "leaf"
)

type JobRecord struct {
	QueueType       QueueType
	GroupID         string
	JobID           int64
	Kind            Kind
	Version         int64
	Status          Status
	Definition      string
	Result          *string
	Owner           *string
	HeartbeatAt     *time.Time
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Active reports whether the job still occupies its group.
func (j *JobRecord) Active() bool { return !j.Status.Terminal() }

// LeaseExpired reports whether a running job's last heartbeat is older than timeout.
func (j *JobRecord) LeaseExpired(now time.Time, timeout time.Duration) bool {
	if j.Status != Running || j.HeartbeatAt == nil {
		return false
	}
	return now.Sub(*j.HeartbeatAt) > timeout
}

// ActiveJob is the diagnostic projection returned by ListActive.
type ActiveJob struct {
	GroupID    string
	JobID      int64
	Version    int64
	Kind       Kind
	Status     Status
	Definition string
}
