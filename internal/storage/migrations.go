package storage

import (
	"context"
	"database/sql"
	"os"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// LatestSchemaVersion is the version of the newest migration below.
const LatestSchemaVersion int64 = 2

func init() {
	if err := goose.SetDialect("postgres"); err != nil {
		panic(err)
	}
	goose.AddNamedMigration("00001_create_job_queue.go", execTx(`
create table if not exists job_queue (
	job_id           bigint generated by default as identity primary key,
	queue_type       smallint    not null,
	group_id         uuid        not null,
	kind             text        not null check (kind in ('coordinator', 'leaf')),
	definition       text        not null,
	status           text        not null default 'created'
	                 check (status in ('created', 'running', 'completed', 'failed', 'cancelled')),
	version          bigint      not null default 1,
	result           text,
	owner            text,
	heartbeat_at     timestamptz,
	cancel_requested boolean     not null default false,
	created_at       timestamptz not null default clock_timestamp(),
	started_at       timestamptz,
	ended_at         timestamptz
);
create unique index if not exists job_queue_group_definition_uq
	on job_queue (queue_type, group_id, md5(definition));
create unique index if not exists job_queue_active_coordinator_uq
	on job_queue (queue_type) where kind = 'coordinator' and status in ('created', 'running');
create index if not exists job_queue_dequeue_idx
	on job_queue (queue_type, status, created_at, job_id);
`), execTx(`drop table if exists job_queue;`))

	goose.AddNamedMigration("00002_create_parameters.go", execTx(`
create table if not exists parameters (
	id         text primary key,
	number     double precision,
	updated_at timestamptz not null default now()
);
`), execTx(`drop table if exists parameters;`))
}

func execTx(stmt string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(stmt)
		return err
	}
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// goose also globs the directory for migration files; point it at an
	// empty one so only the migrations registered above are collected.
	dir, err := os.MkdirTemp("", "maintd-migrations")
	if err != nil {
		return errors.Wrap(err, "migrations dir")
	}
	defer os.RemoveAll(dir)

	if err := goose.Up(s.sqlDB, dir); err != nil {
		return errors.Wrap(err, "migrate up")
	}
	return nil
}

// SchemaVersion returns the applied goose version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersion(s.sqlDB)
	if err != nil {
		return 0, errors.Wrap(err, "schema version")
	}
	return v, nil
}
