package watchdog

import (
	"sync/atomic"
	"time"
)

// stats are per-instance counters for observability only.
type stats struct {
	ticks           atomic.Int64
	groupsCompleted atomic.Int64
	groupsFailed    atomic.Int64
	leavesCompleted atomic.Int64
	leavesFailed    atomic.Int64
	leavesAbandoned atomic.Int64
	lastTick        atomic.Int64
}

type Stats struct {
	Ticks           int64     `json:"ticks"`
	GroupsCompleted int64     `json:"groupsCompleted"`
	GroupsFailed    int64     `json:"groupsFailed"`
	LeavesCompleted int64     `json:"leavesCompleted"`
	LeavesFailed    int64     `json:"leavesFailed"`
	LeavesAbandoned int64     `json:"leavesAbandoned"`
	LastTick        time.Time `json:"lastTick,omitempty"`
}

func (s *stats) snapshot() Stats {
	out := Stats{
		Ticks:           s.ticks.Load(),
		GroupsCompleted: s.groupsCompleted.Load(),
		GroupsFailed:    s.groupsFailed.Load(),
		LeavesCompleted: s.leavesCompleted.Load(),
		LeavesFailed:    s.leavesFailed.Load(),
		LeavesAbandoned: s.leavesAbandoned.Load(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		out.LastTick = time.Unix(0, ns).UTC()
	}
	return out
}
