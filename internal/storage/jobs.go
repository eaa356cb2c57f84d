package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/queue"
)

var _ queue.JobQueue = (*Store)(nil)

// advisoryNamespace keeps our advisory lock keys apart from other users
// of pg_advisory_xact_lock in the same database.
const advisoryNamespace int64 = 0x6d61696e << 16

func jobColumns(prefix string) string {
	cols := []string{
		"job_id", "queue_type", "group_id::text", "kind", "version", "status", "definition",
		"result", "owner", "heartbeat_at", "cancel_requested", "created_at", "started_at", "ended_at",
	}
	for i := range cols {
		cols[i] = prefix + cols[i]
	}
	return strings.Join(cols, ", ")
}

func scanJob(row pgx.Row) (*domain.JobRecord, error) {
	var (
		j      domain.JobRecord
		qt     int16
		kind   string
		status string
	)
	err := row.Scan(&j.JobID, &qt, &j.GroupID, &kind, &j.Version, &status, &j.Definition,
		&j.Result, &j.Owner, &j.HeartbeatAt, &j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.EndedAt)
	if err != nil {
		return nil, err
	}
	j.QueueType = domain.QueueType(qt)
	j.Kind = domain.Kind(kind)
	j.Status = domain.Status(status)
	return &j, nil
}

func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Enqueue inserts the definitions as one group. Enqueues of the same queue
// type are serialised by a transaction-scoped advisory lock, which makes
// the active-group check and the insert atomic across instances.
func (s *Store) Enqueue(ctx context.Context, req queue.EnqueueRequest) ([]domain.JobRecord, error) {
	if len(req.Definitions) == 0 {
		return nil, errors.New("enqueue: no definitions")
	}
	if req.GroupID != "" {
		if _, err := uuid.Parse(req.GroupID); err != nil {
			return nil, errors.Wrapf(err, "enqueue: group id %q", req.GroupID)
		}
	}
	kind := domain.Leaf
	if req.AsCoordinator {
		kind = domain.Coordinator
	}

	var out []domain.JobRecord
	err := s.do(ctx, "enqueue", func(ctx context.Context) error {
		out = nil
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, advisoryNamespace|int64(req.QueueType)); err != nil {
				return errors.Wrap(err, "advisory lock")
			}
			if err := checkActiveGroups(ctx, tx, req, kind); err != nil {
				return err
			}

			groupID := req.GroupID
			if groupID == "" {
				groupID = uuid.NewString()
			}
			_, err := tx.Exec(ctx, `
insert into job_queue (queue_type, group_id, kind, definition)
select $1::smallint, $2::uuid, $3::text, d from unnest($4::text[]) with ordinality as t(d, n)
 order by n
on conflict do nothing`,
				int16(req.QueueType), groupID, string(kind), req.Definitions)
			if err != nil {
				return errors.Wrap(err, "insert jobs")
			}

			rows, err := tx.Query(ctx, `
select `+jobColumns("")+`
  from job_queue
 where queue_type = $1 and group_id = $2::uuid and definition = any($3::text[])
 order by job_id`,
				int16(req.QueueType), groupID, req.Definitions)
			if err != nil {
				return errors.Wrap(err, "select enqueued jobs")
			}
			defer rows.Close()
			byDef := make(map[string]domain.JobRecord, len(req.Definitions))
			for rows.Next() {
				j, err := scanJob(rows)
				if err != nil {
					return errors.Wrap(err, "scan job")
				}
				byDef[j.Definition] = *j
			}
			if err := rows.Err(); err != nil {
				return err
			}
			for _, def := range req.Definitions {
				if j, ok := byDef[def]; ok {
					out = append(out, j)
				}
			}
			return nil
		})
	})
	return out, err
}

func checkActiveGroups(ctx context.Context, tx pgx.Tx, req queue.EnqueueRequest, kind domain.Kind) error {
	if !req.ForceOneActiveGroup && kind != domain.Coordinator {
		return nil
	}
	var other string
	err := tx.QueryRow(ctx, `
select group_id::text
  from job_queue
 where queue_type = $1
   and status in ('created', 'running')
   and ($2::uuid is null or group_id <> $2::uuid)
   and ($3::boolean or kind = 'coordinator')
 limit 1`,
		int16(req.QueueType), nullable(req.GroupID), req.ForceOneActiveGroup).Scan(&other)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return errors.Wrap(err, "check active groups")
	}
	return errors.Wrapf(domain.ErrConflict, "enqueue %s: group %s", req.QueueType, other)
}

func (s *Store) Dequeue(ctx context.Context, req queue.DequeueRequest) (*domain.JobRecord, error) {
	var job *domain.JobRecord
	err := s.do(ctx, "dequeue", func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `
update job_queue j
   set status       = 'running',
       owner        = $6,
       heartbeat_at = clock_timestamp(),
       version      = j.version + 1,
       started_at   = coalesce(j.started_at, clock_timestamp())
  from (
	select job_id
	  from job_queue
	 where queue_type = $1
	   and ($2::bigint is null or job_id = $2::bigint)
	   and ($3::uuid is null or group_id = $3::uuid)
	   and ($4::text is null or kind = $4::text)
	   and (status = 'created'
	        or (status = 'running'
	            and heartbeat_at < clock_timestamp() - $5::double precision * interval '1 millisecond'))
	 order by created_at, job_id
	 limit 1
	 for update skip locked
  ) c
 where j.job_id = c.job_id
returning `+jobColumns("j."),
			int16(req.QueueType), nullable(req.JobID), nullable(req.GroupID), nullable(string(req.Kind)),
			millis(req.HeartbeatTimeout), req.Owner)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "dequeue")
		}
		job = j
		return nil
	})
	return job, err
}

func (s *Store) KeepAlive(ctx context.Context, qt domain.QueueType, jobID, version int64) (queue.KeepAliveResult, error) {
	var res queue.KeepAliveResult
	err := s.do(ctx, "keepalive", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
update job_queue
   set heartbeat_at = clock_timestamp(), version = version + 1
 where queue_type = $1 and job_id = $2 and version = $3 and status = 'running'
returning version, cancel_requested`,
			int16(qt), jobID, version).Scan(&res.Version, &res.CancelRequested)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrStaleLease, "job %d version %d", jobID, version)
		}
		return err
	})
	return res, err
}

func (s *Store) Complete(ctx context.Context, qt domain.QueueType, jobID, version int64, status domain.Status, result *string) error {
	if !status.Terminal() {
		return errors.Wrapf(domain.ErrInvalidStatus, "complete job %d with %q", jobID, status)
	}
	return s.do(ctx, "complete", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
update job_queue
   set status   = case when cancel_requested and $4::text <> 'completed' then 'cancelled' else $4::text end,
       result   = $5,
       ended_at = clock_timestamp()
 where queue_type = $1 and job_id = $2 and version = $3 and status = 'running'`,
			int16(qt), jobID, version, string(status), result)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrStaleLease, "job %d version %d", jobID, version)
		}
		return nil
	})
}

func (s *Store) ArchiveExpiredGroups(ctx context.Context, qt domain.QueueType, retention time.Duration) (int, error) {
	var n int
	err := s.do(ctx, "archive", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
with expired as (
	select group_id
	  from job_queue
	 where queue_type = $1
	 group by group_id
	having bool_and(status in ('completed', 'failed', 'cancelled'))
	   and max(ended_at) < clock_timestamp() - $2::double precision * interval '1 millisecond'
), deleted as (
	delete from job_queue
	 where queue_type = $1 and group_id in (select group_id from expired)
	returning group_id
)
select count(distinct group_id) from deleted`,
			int16(qt), millis(retention)).Scan(&n)
	})
	return n, err
}

func (s *Store) ListActive(ctx context.Context, qt domain.QueueType) ([]domain.ActiveJob, error) {
	var out []domain.ActiveJob
	err := s.do(ctx, "list active", func(ctx context.Context) error {
		out = nil
		rows, err := s.db.Query(ctx, `
select group_id::text, job_id, version, kind, status, definition
  from job_queue
 where queue_type = $1 and status in ('created', 'running')
 order by job_id`, int16(qt))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a            domain.ActiveJob
				kind, status string
			)
			if err := rows.Scan(&a.GroupID, &a.JobID, &a.Version, &kind, &status, &a.Definition); err != nil {
				return err
			}
			a.Kind = domain.Kind(kind)
			a.Status = domain.Status(status)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, qt domain.QueueType, jobID int64) (*domain.JobRecord, error) {
	var job *domain.JobRecord
	err := s.do(ctx, "get", func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRow(ctx, `
select `+jobColumns("")+` from job_queue where queue_type = $1 and job_id = $2`, int16(qt), jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrNotFound, "job %d", jobID)
		}
		job = j
		return err
	})
	return job, err
}

func (s *Store) CancelGroup(ctx context.Context, qt domain.QueueType, groupID string) (int, error) {
	if _, err := uuid.Parse(groupID); err != nil {
		return 0, errors.Wrapf(err, "cancel: group id %q", groupID)
	}
	var n int
	err := s.do(ctx, "cancel group", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
with waiting as (
	update job_queue set status = 'cancelled', ended_at = clock_timestamp()
	 where queue_type = $1 and group_id = $2::uuid and status = 'created'
	returning 1
), running as (
	update job_queue set cancel_requested = true
	 where queue_type = $1 and group_id = $2::uuid and status = 'running' and not cancel_requested
	returning 1
)
select (select count(*) from waiting) + (select count(*) from running)`,
			int16(qt), groupID).Scan(&n)
	})
	return n, err
}
