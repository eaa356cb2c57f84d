// Package queuetest holds the behavioural tests every queue.JobQueue
// implementation must pass.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/queue"
)

const (
	qt      = domain.QueueTypeDefrag
	timeout = time.Second
)

// Harness is one fresh, empty store plus a way to let time pass for it.
type Harness struct {
	Queue queue.JobQueue
	// Advance must move the store's notion of now forward by at least d.
	Advance func(d time.Duration)
}

// Run executes the conformance suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"EnqueueDequeueComplete", testEnqueueDequeueComplete},
		{"GroupExclusivity", testGroupExclusivity},
		{"ConflictFallsBackToListActive", testConflictFallback},
		{"ExpiredLeaseIsReclaimed", testLeaseReclaim},
		{"LiveLeaseIsNotReclaimed", testLiveLease},
		{"VersionMonotonicity", testVersionMonotonicity},
		{"TerminalImmutability", testTerminalImmutability},
		{"DequeueIsFIFO", testFIFO},
		{"DequeueFilters", testDequeueFilters},
		{"EnqueueIsIdempotentPerGroup", testEnqueueIdempotent},
		{"CompleteRejectsNonTerminalStatus", testCompleteNonTerminal},
		{"ArchiveExpiredGroups", testArchive},
		{"CancelGroup", testCancelGroup},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newHarness(t))
		})
	}
}

func enqueueCoordinator(t *testing.T, q queue.JobQueue) domain.JobRecord {
	t.Helper()
	jobs, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType:           qt,
		Definitions:         []string{"coordinator"},
		AsCoordinator:       true,
		ForceOneActiveGroup: true,
	})
	if err != nil {
		t.Fatalf("enqueue coordinator: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(jobs))
	}
	return jobs[0]
}

func enqueueLeaves(t *testing.T, q queue.JobQueue, groupID string, defs ...string) []domain.JobRecord {
	t.Helper()
	jobs, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType:   qt,
		Definitions: defs,
		GroupID:     groupID,
	})
	if err != nil {
		t.Fatalf("enqueue leaves: %v", err)
	}
	return jobs
}

func dequeue(t *testing.T, q queue.JobQueue, req queue.DequeueRequest) *domain.JobRecord {
	t.Helper()
	req.QueueType = qt
	if req.HeartbeatTimeout == 0 {
		req.HeartbeatTimeout = timeout
	}
	if req.Owner == "" {
		req.Owner = "owner-a"
	}
	j, err := q.Dequeue(context.Background(), req)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return j
}

func get(t *testing.T, q queue.JobQueue, jobID int64) *domain.JobRecord {
	t.Helper()
	j, err := q.Get(context.Background(), qt, jobID)
	if err != nil {
		t.Fatalf("get %d: %v", jobID, err)
	}
	return j
}

func testEnqueueDequeueComplete(t *testing.T, h Harness) {
	ctx := context.Background()
	c := enqueueCoordinator(t, h.Queue)
	if c.Status != domain.Created || c.Kind != domain.Coordinator || c.GroupID == "" {
		t.Fatalf("unexpected enqueued job: %+v", c)
	}

	j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID})
	if j == nil {
		t.Fatalf("expected coordinator to be dequeued")
	}
	if j.Status != domain.Running || j.Version != 2 {
		t.Fatalf("want running v2, got %s v%d", j.Status, j.Version)
	}
	if j.Owner == nil || *j.Owner != "owner-a" || j.HeartbeatAt == nil {
		t.Fatalf("lease not stamped: %+v", j)
	}

	res := `{"ok":true}`
	if err := h.Queue.Complete(ctx, qt, j.JobID, 2, domain.Completed, &res); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := get(t, h.Queue, j.JobID)
	if got.Status != domain.Completed || got.Result == nil || *got.Result != res {
		t.Fatalf("want completed with result, got %+v", got)
	}
}

func testGroupExclusivity(t *testing.T, h Harness) {
	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   []domain.JobRecord
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := h.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
				QueueType:           qt,
				Definitions:         []string{"coordinator"},
				AsCoordinator:       true,
				ForceOneActiveGroup: true,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created = append(created, jobs...)
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(created) != 1 || conflicts != n-1 {
		t.Fatalf("want 1 group and %d conflicts, got %d groups and %d conflicts", n-1, len(created), conflicts)
	}
}

func testConflictFallback(t *testing.T, h Harness) {
	ctx := context.Background()
	first := enqueueCoordinator(t, h.Queue)

	_, err := h.Queue.Enqueue(ctx, queue.EnqueueRequest{
		QueueType:           qt,
		Definitions:         []string{"coordinator"},
		AsCoordinator:       true,
		ForceOneActiveGroup: true,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}

	active, err := h.Queue.ListActive(ctx, qt)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var found bool
	for _, a := range active {
		if a.Kind == domain.Coordinator && a.GroupID == first.GroupID && a.JobID == first.JobID {
			found = true
		}
	}
	if !found {
		t.Fatalf("coordinator of group %s not listed: %+v", first.GroupID, active)
	}
}

func testLeaseReclaim(t *testing.T, h Harness) {
	ctx := context.Background()
	c := enqueueCoordinator(t, h.Queue)
	leaf := enqueueLeaves(t, h.Queue, c.GroupID, "leaf-1")[0]

	first := dequeue(t, h.Queue, queue.DequeueRequest{Kind: domain.Leaf, Owner: "owner-a"})
	if first == nil || first.JobID != leaf.JobID {
		t.Fatalf("expected leaf to be leased")
	}

	h.Advance(timeout + 500*time.Millisecond)

	second := dequeue(t, h.Queue, queue.DequeueRequest{Kind: domain.Leaf, Owner: "owner-b"})
	if second == nil || second.JobID != leaf.JobID {
		t.Fatalf("expected expired lease to be reclaimed")
	}
	if second.Version <= first.Version {
		t.Fatalf("version did not increase: %d -> %d", first.Version, second.Version)
	}
	if second.Owner == nil || *second.Owner != "owner-b" {
		t.Fatalf("owner not updated: %+v", second.Owner)
	}

	err := h.Queue.Complete(ctx, qt, leaf.JobID, first.Version, domain.Completed, nil)
	if !errors.Is(err, domain.ErrStaleLease) {
		t.Fatalf("original owner complete: want stale lease, got %v", err)
	}
	if err := h.Queue.Complete(ctx, qt, leaf.JobID, second.Version, domain.Completed, nil); err != nil {
		t.Fatalf("new owner complete: %v", err)
	}
}

func testLiveLease(t *testing.T, h Harness) {
	c := enqueueCoordinator(t, h.Queue)
	if j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID}); j == nil {
		t.Fatalf("expected first dequeue to succeed")
	}
	if j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID, Owner: "owner-b"}); j != nil {
		t.Fatalf("live lease was handed out again: %+v", j)
	}
}

func testVersionMonotonicity(t *testing.T, h Harness) {
	ctx := context.Background()
	c := enqueueCoordinator(t, h.Queue)
	j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID})

	version := j.Version
	for i := 0; i < 3; i++ {
		res, err := h.Queue.KeepAlive(ctx, qt, j.JobID, version)
		if err != nil {
			t.Fatalf("keepalive %d: %v", i, err)
		}
		if res.Version <= version {
			t.Fatalf("keepalive %d: version %d not greater than %d", i, res.Version, version)
		}
		version = res.Version
	}

	stale := version - 1
	if _, err := h.Queue.KeepAlive(ctx, qt, j.JobID, stale); !errors.Is(err, domain.ErrStaleLease) {
		t.Fatalf("stale keepalive: want stale lease, got %v", err)
	}
	if err := h.Queue.Complete(ctx, qt, j.JobID, stale, domain.Completed, nil); !errors.Is(err, domain.ErrStaleLease) {
		t.Fatalf("stale complete: want stale lease, got %v", err)
	}
	got := get(t, h.Queue, j.JobID)
	if got.Version != version || got.Status != domain.Running {
		t.Fatalf("stale writes mutated job: %+v", got)
	}
}

func testTerminalImmutability(t *testing.T, h Harness) {
	ctx := context.Background()
	for _, status := range []domain.Status{domain.Completed, domain.Failed, domain.Cancelled} {
		c := enqueueCoordinator(t, h.Queue)
		j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID})
		if err := h.Queue.Complete(ctx, qt, j.JobID, j.Version, status, nil); err != nil {
			t.Fatalf("complete %s: %v", status, err)
		}

		h.Advance(timeout + 500*time.Millisecond)
		if again := dequeue(t, h.Queue, queue.DequeueRequest{JobID: j.JobID}); again != nil {
			t.Fatalf("%s job dequeued again", status)
		}
		if _, err := h.Queue.KeepAlive(ctx, qt, j.JobID, j.Version); !errors.Is(err, domain.ErrStaleLease) {
			t.Fatalf("%s keepalive: want stale lease, got %v", status, err)
		}
		if err := h.Queue.Complete(ctx, qt, j.JobID, j.Version, domain.Completed, nil); !errors.Is(err, domain.ErrStaleLease) {
			t.Fatalf("%s complete: want stale lease, got %v", status, err)
		}
		got := get(t, h.Queue, j.JobID)
		if got.Status != status || got.Version != j.Version {
			t.Fatalf("terminal job mutated: %+v", got)
		}
	}
}

func testFIFO(t *testing.T, h Harness) {
	c := enqueueCoordinator(t, h.Queue)
	var want []int64
	for _, def := range []string{"a", "b", "c"} {
		want = append(want, enqueueLeaves(t, h.Queue, c.GroupID, def)[0].JobID)
	}
	for i, id := range want {
		j := dequeue(t, h.Queue, queue.DequeueRequest{Kind: domain.Leaf})
		if j == nil || j.JobID != id {
			t.Fatalf("dequeue %d: want job %d, got %+v", i, id, j)
		}
	}
	if j := dequeue(t, h.Queue, queue.DequeueRequest{Kind: domain.Leaf}); j != nil {
		t.Fatalf("expected no more leaves, got %d", j.JobID)
	}
}

func testDequeueFilters(t *testing.T, h Harness) {
	c := enqueueCoordinator(t, h.Queue)
	leaf := enqueueLeaves(t, h.Queue, c.GroupID, "leaf")[0]

	if j := dequeue(t, h.Queue, queue.DequeueRequest{GroupID: "00000000-0000-0000-0000-000000000001"}); j != nil {
		t.Fatalf("dequeued job from another group: %+v", j)
	}
	j := dequeue(t, h.Queue, queue.DequeueRequest{GroupID: c.GroupID, Kind: domain.Leaf})
	if j == nil || j.JobID != leaf.JobID {
		t.Fatalf("want leaf %d, got %+v", leaf.JobID, j)
	}
	j = dequeue(t, h.Queue, queue.DequeueRequest{GroupID: c.GroupID, Kind: domain.Coordinator})
	if j == nil || j.JobID != c.JobID {
		t.Fatalf("want coordinator %d, got %+v", c.JobID, j)
	}
}

func testEnqueueIdempotent(t *testing.T, h Harness) {
	c := enqueueCoordinator(t, h.Queue)
	first := enqueueLeaves(t, h.Queue, c.GroupID, "x", "y")
	second := enqueueLeaves(t, h.Queue, c.GroupID, "y", "z")
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("unexpected lengths %d, %d", len(first), len(second))
	}
	ids := map[int64]bool{}
	for _, j := range append(first, second...) {
		ids[j.JobID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("want 3 distinct jobs, got %d", len(ids))
	}
}

func testCompleteNonTerminal(t *testing.T, h Harness) {
	c := enqueueCoordinator(t, h.Queue)
	j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: c.JobID})
	err := h.Queue.Complete(context.Background(), qt, j.JobID, j.Version, domain.Running, nil)
	if !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("want invalid status, got %v", err)
	}
}

func testArchive(t *testing.T, h Harness) {
	ctx := context.Background()
	c := enqueueCoordinator(t, h.Queue)
	leaf := enqueueLeaves(t, h.Queue, c.GroupID, "leaf")[0]
	for _, id := range []int64{c.JobID, leaf.JobID} {
		j := dequeue(t, h.Queue, queue.DequeueRequest{JobID: id})
		if err := h.Queue.Complete(ctx, qt, j.JobID, j.Version, domain.Completed, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	active := enqueueCoordinator(t, h.Queue)

	n, err := h.Queue.ArchiveExpiredGroups(ctx, qt, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("archive within retention: n=%d err=%v", n, err)
	}

	h.Advance(timeout + 500*time.Millisecond)
	n, err = h.Queue.ArchiveExpiredGroups(ctx, qt, timeout)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 archived group, got %d", n)
	}
	if _, err := h.Queue.Get(ctx, qt, leaf.JobID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("archived job still readable: %v", err)
	}
	get(t, h.Queue, active.JobID)
}

func testCancelGroup(t *testing.T, h Harness) {
	ctx := context.Background()
	c := enqueueCoordinator(t, h.Queue)
	leaves := enqueueLeaves(t, h.Queue, c.GroupID, "running", "waiting")
	running := dequeue(t, h.Queue, queue.DequeueRequest{JobID: leaves[0].JobID})

	n, err := h.Queue.CancelGroup(ctx, qt, c.GroupID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 affected jobs, got %d", n)
	}
	if got := get(t, h.Queue, leaves[1].JobID); got.Status != domain.Cancelled {
		t.Fatalf("waiting leaf: want cancelled, got %s", got.Status)
	}

	res, err := h.Queue.KeepAlive(ctx, qt, running.JobID, running.Version)
	if err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if !res.CancelRequested {
		t.Fatalf("keepalive did not report cancellation")
	}
	if err := h.Queue.Complete(ctx, qt, running.JobID, res.Version, domain.Failed, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := get(t, h.Queue, running.JobID); got.Status != domain.Cancelled {
		t.Fatalf("running leaf: want cancelled, got %s", got.Status)
	}
}
