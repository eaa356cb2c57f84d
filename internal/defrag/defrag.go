// Package defrag is the storage defragmentation workload: it finds tables
// with many dead tuples and invalid indexes in PostgreSQL and turns each
// into a leaf job that runs VACUUM or REINDEX.
package defrag

import (
	"context"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/payload"
)

const QueueType = domain.QueueTypeDefrag

const (
	OpVacuum  = "vacuum"
	OpReindex = "reindex"
)

// Coordinator is the definition of the group's coordinator job.
type Coordinator struct{}

func (*Coordinator) PayloadKind() string { return "coordinator" }

// Task is one leaf job.
type Task struct {
	Op     string `json:"op"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Index  string `json:"index,omitempty"`
}

func (*Task) PayloadKind() string { return "task" }

func (t *Task) Target() string {
	if t.Op == OpReindex {
		return t.Schema + "." + t.Index
	}
	return t.Schema + "." + t.Table
}

// Result is stored as the leaf job's result.
type Result struct {
	Op         string `json:"op"`
	Target     string `json:"target"`
	DurationMs int64  `json:"durationMs"`
}

func NewCodec() *payload.Codec {
	return payload.NewCodec(1).
		Register("coordinator", func() payload.Definition { return &Coordinator{} }).
		Register("task", func() payload.Definition { return &Task{} })
}

// DB is the subset of pgxpool.Pool the workload needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Options struct {
	MinDeadTuples int64
	DeadRatio     float64
}

type Workload struct {
	db   DB
	opts Options
	log  *zap.Logger

	versionMu    sync.Mutex
	versionKnown bool
	concurrently bool
}

func New(db DB, opts Options, log *zap.Logger) *Workload {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workload{db: db, opts: opts, log: log.Named("defrag")}
}

func (w *Workload) QueueType() domain.QueueType { return QueueType }

func (w *Workload) Coordinator() payload.Definition { return &Coordinator{} }

// Discover lists the maintenance needed right now. It only reads catalog
// statistics, so calling it again for the same group is harmless.
func (w *Workload) Discover(ctx context.Context, groupID string) ([]payload.Definition, error) {
	var out []payload.Definition

	rows, err := w.db.Query(ctx, `
select schemaname, relname
  from pg_stat_user_tables
 where n_dead_tup >= $1
   and n_dead_tup::float8 / greatest(n_live_tup + n_dead_tup, 1) >= $2
 order by n_dead_tup desc`, w.opts.MinDeadTuples, w.opts.DeadRatio)
	if err != nil {
		return nil, errors.Wrap(err, "discover tables")
	}
	for rows.Next() {
		t := &Task{Op: OpVacuum}
		if err := rows.Scan(&t.Schema, &t.Table); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan table")
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "discover tables")
	}

	rows, err = w.db.Query(ctx, `
select n.nspname, t.relname, c.relname
  from pg_index i
  join pg_class c on c.oid = i.indexrelid
  join pg_class t on t.oid = i.indrelid
  join pg_namespace n on n.oid = c.relnamespace
 where not i.indisvalid
   and n.nspname not in ('pg_catalog', 'information_schema')
 order by n.nspname, c.relname`)
	if err != nil {
		return nil, errors.Wrap(err, "discover indexes")
	}
	defer rows.Close()
	for rows.Next() {
		t := &Task{Op: OpReindex}
		if err := rows.Scan(&t.Schema, &t.Table, &t.Index); err != nil {
			return nil, errors.Wrap(err, "scan index")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "discover indexes")
	}

	w.log.Info("discovered maintenance", zap.String("group", groupID), zap.Int("tasks", len(out)))
	return out, nil
}

func (w *Workload) Execute(ctx context.Context, def payload.Definition) (any, error) {
	t, ok := def.(*Task)
	if !ok {
		return nil, errors.Errorf("defrag: unexpected definition %T", def)
	}
	stmt, err := Statement(t, w.reindexConcurrently(ctx))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	// VACUUM refuses to run inside a transaction block, and prepared
	// statements may open one, so use the simple protocol.
	if _, err := w.db.Exec(ctx, stmt, pgx.QueryExecModeSimpleProtocol); err != nil {
		return nil, errors.Wrapf(err, "%s %s", t.Op, t.Target())
	}
	res := Result{Op: t.Op, Target: t.Target(), DurationMs: time.Since(start).Milliseconds()}
	w.log.Info("maintenance done", zap.String("op", res.Op), zap.String("target", res.Target), zap.Int64("ms", res.DurationMs))
	return res, nil
}

// Statement builds the SQL for t with quoted identifiers.
func Statement(t *Task, concurrently bool) (string, error) {
	switch t.Op {
	case OpVacuum:
		if t.Schema == "" || t.Table == "" {
			return "", errors.New("defrag: vacuum needs schema and table")
		}
		return "VACUUM (ANALYZE) " + pgx.Identifier{t.Schema, t.Table}.Sanitize(), nil
	case OpReindex:
		if t.Schema == "" || t.Index == "" {
			return "", errors.New("defrag: reindex needs schema and index")
		}
		stmt := "REINDEX INDEX "
		if concurrently {
			stmt += "CONCURRENTLY "
		}
		return stmt + pgx.Identifier{t.Schema, t.Index}.Sanitize(), nil
	default:
		return "", errors.Errorf("defrag: unknown op %q", t.Op)
	}
}

var concurrentReindex = goversion.MustConstraints(goversion.NewConstraint(">= 12"))

// reindexConcurrently checks the server version once it can be read. A
// failed lookup is not cached; the next call asks again.
func (w *Workload) reindexConcurrently(ctx context.Context) bool {
	w.versionMu.Lock()
	defer w.versionMu.Unlock()
	if w.versionKnown {
		return w.concurrently
	}
	var raw string
	if err := w.db.QueryRow(ctx, `show server_version`).Scan(&raw); err != nil {
		w.log.Warn("server version unknown, reindexing without CONCURRENTLY", zap.Error(err))
		return false
	}
	w.concurrently = SupportsConcurrentReindex(raw)
	w.versionKnown = true
	return w.concurrently
}

// SupportsConcurrentReindex reports whether a server_version string such
// as "16.2 (Debian 16.2-1)" is new enough for REINDEX CONCURRENTLY.
func SupportsConcurrentReindex(serverVersion string) bool {
	fields := strings.Fields(serverVersion)
	if len(fields) == 0 {
		return false
	}
	v, err := goversion.NewVersion(fields[0])
	if err != nil {
		return false
	}
	return concurrentReindex.Check(v)
}
