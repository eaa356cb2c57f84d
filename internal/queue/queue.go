// Package queue defines the durable job queue protocol shared by the
// watchdog, its workers and the admin API, and ships an in-memory
// implementation of it.
//
// Every implementation must provide:
//
//   - group exclusivity: Enqueue with ForceOneActiveGroup fails with
//     domain.ErrConflict while another group of the queue type is active;
//   - lease reclaim: Dequeue hands out created jobs and running jobs whose
//     heartbeat is older than the caller's heartbeat timeout;
//   - version-gated writes: KeepAlive and Complete only succeed for the
//     current version of a running job, otherwise domain.ErrStaleLease.
package queue

import (
	"context"
	"time"

	"github.com/SirClappington/maintd/internal/domain"
)

type EnqueueRequest struct {
	QueueType   domain.QueueType
	Definitions []string
	// GroupID adds the jobs to an existing group; empty creates a new one.
	GroupID             string
	AsCoordinator       bool
	ForceOneActiveGroup bool
}

type DequeueRequest struct {
	QueueType        domain.QueueType
	Owner            string
	HeartbeatTimeout time.Duration

	// Optional filters.
	JobID   int64
	GroupID string
	Kind    domain.Kind
}

type KeepAliveResult struct {
	Version         int64
	CancelRequested bool
}

// JobQueue is the protocol a durable store must implement.
type JobQueue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) ([]domain.JobRecord, error)
	// Dequeue returns nil without error when no job is eligible.
	Dequeue(ctx context.Context, req DequeueRequest) (*domain.JobRecord, error)
	KeepAlive(ctx context.Context, qt domain.QueueType, jobID, version int64) (KeepAliveResult, error)
	Complete(ctx context.Context, qt domain.QueueType, jobID, version int64, status domain.Status, result *string) error
	ArchiveExpiredGroups(ctx context.Context, qt domain.QueueType, retention time.Duration) (int, error)
	ListActive(ctx context.Context, qt domain.QueueType) ([]domain.ActiveJob, error)
	Get(ctx context.Context, qt domain.QueueType, jobID int64) (*domain.JobRecord, error)
	CancelGroup(ctx context.Context, qt domain.QueueType, groupID string) (int, error)
}
