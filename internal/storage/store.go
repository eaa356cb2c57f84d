// Package storage is the PostgreSQL backing of the job queue protocol and
// of the parameter store. PostgreSQL is the only state shared between
// watchdog instances; every cross-instance guarantee is a conditional
// write issued here.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Store struct {
	db     *pgxpool.Pool
	sqlDB  *sql.DB
	log    *zap.Logger
	retry  retryPolicy
	minVer int64
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l.Named("storage") }
}

// WithRetry sets how many times a transient failure is attempted and the
// base delay of the exponential backoff between attempts.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *Store) { s.retry = retryPolicy{attempts: attempts, base: base} }
}

// WithMinSchemaVersion sets the schema version Ready waits for.
func WithMinSchemaVersion(v int64) Option {
	return func(s *Store) { s.minVer = v }
}

func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		db:     db,
		sqlDB:  stdlib.OpenDBFromPool(db),
		log:    zap.NewNop(),
		retry:  defaultRetryPolicy,
		minVer: LatestSchemaVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects a pool to dsn and checks the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return New(db, opts...), nil
}

func (s *Store) Close() error {
	err := s.sqlDB.Close()
	s.db.Close()
	return err
}

// Pool exposes the pool to workloads that run maintenance statements
// against the same database.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// Ready reports whether the database answers and its schema is at least
// the configured version.
func (s *Store) Ready(ctx context.Context) (bool, error) {
	if err := s.db.Ping(ctx); err != nil {
		return false, errors.Wrap(err, "ping")
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return false, err
	}
	return v >= s.minVer, nil
}
