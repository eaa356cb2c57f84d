package defrag

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SirClappington/maintd/internal/payload"
)

func TestStatement(t *testing.T) {
	cases := []struct {
		task         Task
		concurrently bool
		want         string
	}{
		{Task{Op: OpVacuum, Schema: "public", Table: "orders"}, false, `VACUUM (ANALYZE) "public"."orders"`},
		{Task{Op: OpReindex, Schema: "public", Table: "orders", Index: "orders_pkey"}, true, `REINDEX INDEX CONCURRENTLY "public"."orders_pkey"`},
		{Task{Op: OpReindex, Schema: "app", Index: "ix"}, false, `REINDEX INDEX "app"."ix"`},
		{Task{Op: OpVacuum, Schema: "public", Table: `we"ird`}, false, `VACUUM (ANALYZE) "public"."we""ird"`},
	}
	for _, tc := range cases {
		got, err := Statement(&tc.task, tc.concurrently)
		if err != nil {
			t.Fatalf("%+v: %v", tc.task, err)
		}
		if got != tc.want {
			t.Fatalf("want %s, got %s", tc.want, got)
		}
	}
}

func TestStatementRejectsIncompleteTasks(t *testing.T) {
	for _, task := range []Task{
		{Op: OpVacuum, Schema: "public"},
		{Op: OpReindex, Schema: "public", Table: "t"},
		{Op: "cluster", Schema: "public", Table: "t"},
	} {
		if _, err := Statement(&task, false); err == nil {
			t.Fatalf("%+v: want error", task)
		}
	}
}

func TestSupportsConcurrentReindex(t *testing.T) {
	cases := map[string]bool{
		"16.2 (Debian 16.2-1.pgdg120+2)": true,
		"12.0":                           true,
		"11.22":                          false,
		"9.6.24":                         false,
		"":                               false,
		"garbage":                        false,
	}
	for in, want := range cases {
		if got := SupportsConcurrentReindex(in); got != want {
			t.Fatalf("%q: want %v, got %v", in, want, got)
		}
	}
}

func TestCodecRoundTripsTask(t *testing.T) {
	c := NewCodec()
	s, err := c.Encode(&Task{Op: OpReindex, Schema: "public", Table: "orders", Index: "orders_pkey"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := c.Decode(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task, ok := d.(*Task); !ok || task.Target() != "public.orders_pkey" {
		t.Fatalf("unexpected definition %#v", d)
	}
}

func TestExecuteRejectsCoordinatorDefinition(t *testing.T) {
	w := New(nil, Options{}, nil)
	var def payload.Definition = &Coordinator{}
	if _, err := w.Execute(context.Background(), def); err == nil {
		t.Fatalf("want error")
	}
}

type versionRow struct {
	version string
	err     error
}

func (r versionRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.version
	return nil
}

// versionDB answers "show server_version" with the queued rows in order.
type versionDB struct {
	rows  []versionRow
	calls int
}

func (d *versionDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *versionDB) QueryRow(context.Context, string, ...any) pgx.Row {
	r := d.rows[min(d.calls, len(d.rows)-1)]
	d.calls++
	return r
}

func (d *versionDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestServerVersionLookupRetriedAfterFailure(t *testing.T) {
	db := &versionDB{rows: []versionRow{
		{err: errors.New("connection reset")},
		{version: "16.2"},
	}}
	w := New(db, Options{}, nil)

	if w.reindexConcurrently(context.Background()) {
		t.Fatalf("want plain REINDEX while the version is unknown")
	}
	if !w.reindexConcurrently(context.Background()) {
		t.Fatalf("want CONCURRENTLY once the version is known")
	}
	if !w.reindexConcurrently(context.Background()) || db.calls != 2 {
		t.Fatalf("want the version cached after success, got %d lookups", db.calls)
	}
}
