package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SirClappington/maintd/internal/domain"
	"github.com/SirClappington/maintd/internal/params"
	"github.com/SirClappington/maintd/internal/payload"
	"github.com/SirClappington/maintd/internal/queue"
	"github.com/SirClappington/maintd/internal/queue/queuetest"
)

const qt = domain.QueueTypeDefrag

type testCoordinator struct{}

func (*testCoordinator) PayloadKind() string { return "coordinator" }

type testTask struct {
	Name string `json:"name"`
}

func (*testTask) PayloadKind() string { return "task" }

func testRegistry() *payload.Registry {
	r := payload.NewRegistry()
	r.Register(qt, payload.NewCodec(1).
		Register("coordinator", func() payload.Definition { return &testCoordinator{} }).
		Register("task", func() payload.Definition { return &testTask{} }))
	return r
}

type testWorkload struct {
	tasks       []string
	fail        map[string]bool
	discoverErr error
	delay       time.Duration

	// Optional hooks; nil channels are ignored.
	discovered   chan struct{}
	release      chan struct{}
	leafStarted  chan struct{}
	leafRelease  chan struct{}
	running      atomic.Int32
	maxRunning   atomic.Int32
	discoverCall atomic.Int32
}

func (w *testWorkload) QueueType() domain.QueueType { return qt }

func (w *testWorkload) Coordinator() payload.Definition { return &testCoordinator{} }

func (w *testWorkload) Discover(ctx context.Context, groupID string) ([]payload.Definition, error) {
	w.discoverCall.Add(1)
	if w.discovered != nil {
		w.discovered <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	if w.discoverErr != nil {
		return nil, w.discoverErr
	}
	var out []payload.Definition
	for _, name := range w.tasks {
		out = append(out, &testTask{Name: name})
	}
	return out, nil
}

func (w *testWorkload) Execute(ctx context.Context, def payload.Definition) (any, error) {
	n := w.running.Add(1)
	defer w.running.Add(-1)
	for {
		cur := w.maxRunning.Load()
		if n <= cur || w.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	if w.leafStarted != nil {
		w.leafStarted <- struct{}{}
	}
	if w.leafRelease != nil {
		<-w.leafRelease
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	task := def.(*testTask)
	if w.fail[task.Name] {
		return nil, errors.New("failed " + task.Name)
	}
	return map[string]string{"done": task.Name}, nil
}

type fixture struct {
	clock  *queuetest.Clock
	queue  *queue.Memory
	params *params.Memory
}

func newFixture(t *testing.T, threads float64) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := queuetest.NewClock()
	f := &fixture{clock: clock, queue: queue.NewMemory(queue.WithClock(clock.Now)), params: params.NewMemory()}
	for key, v := range map[string]float64{
		"Defrag.IsEnabled":           1,
		"Defrag.Threads":             threads,
		"Defrag.PeriodSec":           0.02,
		"Defrag.HeartbeatPeriodSec":  0.01,
		"Defrag.HeartbeatTimeoutSec": 1,
	} {
		if err := f.params.SetNumber(ctx, key, v); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	return f
}

func (f *fixture) watchdog(t *testing.T, owner string, wl Workload) *Watchdog {
	t.Helper()
	w, err := New(Options{
		Name:     "Defrag",
		Queue:    f.queue,
		Params:   f.params,
		Registry: testRegistry(),
		Workload: wl,
		Owner:    owner,
	})
	if err != nil {
		t.Fatalf("new watchdog: %v", err)
	}
	return w
}

// jobs returns every stored job, coordinator first.
func (f *fixture) jobs(t *testing.T) []*domain.JobRecord {
	t.Helper()
	var out []*domain.JobRecord
	for id := int64(1); id <= 50; id++ {
		j, err := f.queue.Get(context.Background(), qt, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		out = append(out, j)
	}
	return out
}

func (f *fixture) enqueueCoordinator(t *testing.T) domain.JobRecord {
	t.Helper()
	def, _ := testRegistry().Encode(qt, &testCoordinator{})
	jobs, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType: qt, Definitions: []string{def}, AsCoordinator: true, ForceOneActiveGroup: true,
	})
	if err != nil {
		t.Fatalf("enqueue coordinator: %v", err)
	}
	return jobs[0]
}

func countStatuses(jobs []*domain.JobRecord, kind domain.Kind) map[domain.Status]int {
	out := map[domain.Status]int{}
	for _, j := range jobs {
		if j.Kind == kind {
			out[j.Status]++
		}
	}
	return out
}

func TestTickDisabled(t *testing.T) {
	f := newFixture(t, 2)
	_ = f.params.SetNumber(context.Background(), "Defrag.IsEnabled", 0)
	w := f.watchdog(t, "a", &testWorkload{tasks: []string{"x"}})

	outcome, err := w.Tick(context.Background())
	if err != nil || outcome != OutcomeDisabled {
		t.Fatalf("want disabled, got %s %v", outcome, err)
	}
	if jobs := f.jobs(t); len(jobs) != 0 {
		t.Fatalf("disabled watchdog created %d jobs", len(jobs))
	}
}

func TestTickDrainsGroupDespiteLeafFailure(t *testing.T) {
	f := newFixture(t, 2)
	wl := &testWorkload{tasks: []string{"t1", "t2", "t3", "t4", "t5"}, fail: map[string]bool{"t3": true}}
	w := f.watchdog(t, "a", wl)

	outcome, err := w.Tick(context.Background())
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("want completed, got %s %v", outcome, err)
	}

	jobs := f.jobs(t)
	leaves := countStatuses(jobs, domain.Leaf)
	if leaves[domain.Completed] != 4 || leaves[domain.Failed] != 1 {
		t.Fatalf("unexpected leaf statuses %v", leaves)
	}
	coord := jobs[0]
	if coord.Kind != domain.Coordinator || coord.Status != domain.Completed || coord.Result == nil {
		t.Fatalf("unexpected coordinator %+v", coord)
	}
	var sum summary
	if err := json.Unmarshal([]byte(*coord.Result), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Discovered != 5 || sum.Completed != 4 || sum.Failed != 1 || sum.Workers != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	st := w.Stats()
	if st.GroupsCompleted != 1 || st.LeavesCompleted != 4 || st.LeavesFailed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	for _, j := range jobs {
		if j.Kind == domain.Leaf && j.Status == domain.Failed && !strings.Contains(*j.Result, "failed t3") {
			t.Fatalf("failed leaf result %q", *j.Result)
		}
	}
}

func TestTickRespectsThreadBound(t *testing.T) {
	f := newFixture(t, 2)
	wl := &testWorkload{tasks: []string{"a", "b", "c", "d", "e", "f"}, delay: 20 * time.Millisecond}
	w := f.watchdog(t, "a", wl)

	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("tick: %s %v", outcome, err)
	}
	if m := wl.maxRunning.Load(); m < 1 || m > 2 {
		t.Fatalf("max concurrent leaves %d, want 1..2", m)
	}
}

func TestTickWithNothingToDo(t *testing.T) {
	f := newFixture(t, 2)
	w := f.watchdog(t, "a", &testWorkload{})
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("tick: %s %v", outcome, err)
	}
	if jobs := f.jobs(t); len(jobs) != 1 || jobs[0].Status != domain.Completed {
		t.Fatalf("want one completed coordinator, got %+v", jobs)
	}
}

func TestTickStartsNewGroupAfterPreviousCompleted(t *testing.T) {
	f := newFixture(t, 1)
	w := f.watchdog(t, "a", &testWorkload{tasks: []string{"x"}})
	for i := 0; i < 2; i++ {
		if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
			t.Fatalf("tick %d: %s %v", i, outcome, err)
		}
	}
	groups := map[string]bool{}
	for _, j := range f.jobs(t) {
		groups[j.GroupID] = true
	}
	if len(groups) != 2 {
		t.Fatalf("want 2 groups, got %d", len(groups))
	}
}

func TestTickAdoptsCoordinatorWithExpiredLease(t *testing.T) {
	f := newFixture(t, 1)
	c := f.enqueueCoordinator(t)
	if j, _ := f.queue.Dequeue(context.Background(), queue.DequeueRequest{
		QueueType: qt, Owner: "crashed", HeartbeatTimeout: time.Second, JobID: c.JobID,
	}); j == nil {
		t.Fatalf("lease for crashed owner")
	}
	f.clock.Advance(2 * time.Second)

	w := f.watchdog(t, "a", &testWorkload{tasks: []string{"x"}})
	outcome, err := w.Tick(context.Background())
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("want completed, got %s %v", outcome, err)
	}
	got, _ := f.queue.Get(context.Background(), qt, c.JobID)
	if got.Status != domain.Completed || *got.Owner != "a" {
		t.Fatalf("coordinator not adopted: %+v", got)
	}
}

func TestTickBusyWhileCoordinatorIsLeased(t *testing.T) {
	f := newFixture(t, 1)
	c := f.enqueueCoordinator(t)
	_, _ = f.queue.Dequeue(context.Background(), queue.DequeueRequest{
		QueueType: qt, Owner: "other", HeartbeatTimeout: time.Second, JobID: c.JobID,
	})

	w := f.watchdog(t, "a", &testWorkload{tasks: []string{"x"}})
	outcome, err := w.Tick(context.Background())
	if err != nil || outcome != OutcomeBusy {
		t.Fatalf("want busy, got %s %v", outcome, err)
	}
	got, _ := f.queue.Get(context.Background(), qt, c.JobID)
	if got.Status != domain.Running || *got.Owner != "other" {
		t.Fatalf("coordinator changed hands: %+v", got)
	}
}

func TestConcurrentInstancesShareOneGroup(t *testing.T) {
	f := newFixture(t, 1)
	wl := &testWorkload{
		tasks:      []string{"x"},
		discovered: make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	first := f.watchdog(t, "a", wl)
	second := f.watchdog(t, "b", wl)

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := first.Tick(context.Background())
		done <- result{o, err}
	}()
	<-wl.discovered

	outcome, err := second.Tick(context.Background())
	if err != nil || outcome != OutcomeBusy {
		t.Fatalf("second instance: want busy, got %s %v", outcome, err)
	}
	close(wl.release)
	if r := <-done; r.err != nil || r.outcome != OutcomeCompleted {
		t.Fatalf("first instance: %s %v", r.outcome, r.err)
	}
	if n := wl.discoverCall.Load(); n != 1 {
		t.Fatalf("discover ran %d times", n)
	}
}

func TestTickMarksCoordinatorFailed(t *testing.T) {
	f := newFixture(t, 1)
	wl := &testWorkload{discoverErr: errors.New("catalog unavailable")}
	w := f.watchdog(t, "a", wl)

	outcome, err := w.Tick(context.Background())
	if err == nil || outcome != OutcomeFailed {
		t.Fatalf("want failure, got %s %v", outcome, err)
	}
	coord := f.jobs(t)[0]
	if coord.Status != domain.Failed || !strings.Contains(*coord.Result, "catalog unavailable") {
		t.Fatalf("unexpected coordinator %+v", coord)
	}

	wl.discoverErr = nil
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("next tick: %s %v", outcome, err)
	}
	if st := w.Stats(); st.GroupsFailed != 1 || st.GroupsCompleted != 1 || st.Ticks != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestTickCancelsGroupWithoutCoordinator(t *testing.T) {
	f := newFixture(t, 1)
	leaves, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType: qt, Definitions: []string{"orphan"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w := f.watchdog(t, "a", &testWorkload{})

	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeBusy {
		t.Fatalf("want busy, got %s %v", outcome, err)
	}
	got, _ := f.queue.Get(context.Background(), qt, leaves[0].JobID)
	if got.Status != domain.Cancelled {
		t.Fatalf("orphan leaf: want cancelled, got %s", got.Status)
	}
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("next tick: %s %v", outcome, err)
	}
}

func TestShutdownLetsInFlightLeafFinish(t *testing.T) {
	f := newFixture(t, 1)
	wl := &testWorkload{
		tasks:       []string{"first", "second", "third"},
		leafStarted: make(chan struct{}, 3),
		leafRelease: make(chan struct{}),
	}
	w := f.watchdog(t, "a", wl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Tick(ctx)
		done <- err
	}()
	<-wl.leafStarted
	cancel()
	close(wl.leafRelease)
	if err := <-done; err == nil {
		t.Fatalf("want error for interrupted group")
	}

	jobs := f.jobs(t)
	if jobs[0].Status != domain.Running {
		t.Fatalf("coordinator should be left for adoption, got %s", jobs[0].Status)
	}
	leaves := countStatuses(jobs, domain.Leaf)
	if leaves[domain.Completed] != 1 || leaves[domain.Created] != 2 {
		t.Fatalf("unexpected leaf statuses %v", leaves)
	}
}

type flakyReadiness struct {
	calls atomic.Int32
	ready int32
}

func (r *flakyReadiness) Ready(context.Context) (bool, error) {
	return r.calls.Add(1) > r.ready, nil
}

func TestRunTicksUntilCancelled(t *testing.T) {
	f := newFixture(t, 1)
	readiness := &flakyReadiness{ready: 2}
	w, err := New(Options{
		Name:              "Defrag",
		Queue:             f.queue,
		Params:            f.params,
		Registry:          testRegistry(),
		Workload:          &testWorkload{tasks: []string{"x"}},
		Readiness:         readiness,
		Owner:             "a",
		ReadyPollInterval: 5 * time.Millisecond,
		MaxInitialJitter:  10 * time.Millisecond,
		Int64N:            func(n int64) int64 { return n / 2 },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = w.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().GroupsCompleted < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("watchdog did not tick: %+v", w.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if readiness.calls.Load() < 3 {
		t.Fatalf("readiness polled %d times", readiness.calls.Load())
	}
}

func TestRunInitialisesDefaults(t *testing.T) {
	f := newFixture(t, 1)
	p := params.NewMemory()
	w, err := New(Options{Name: "Defrag", Queue: f.queue, Params: p, Registry: testRegistry(), Workload: &testWorkload{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// The default period is a day, so stop right after start-up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, err := p.GetNumber(context.Background(), "Defrag.Threads"); err != nil || v != 4 {
		t.Fatalf("threads default: %v %v", v, err)
	}
}

func TestRunFailsOnInvalidPeriod(t *testing.T) {
	f := newFixture(t, 1)
	_ = f.params.SetNumber(context.Background(), "Defrag.PeriodSec", 0)
	w := f.watchdog(t, "a", &testWorkload{})
	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("want configuration error")
	}
}

func (f *fixture) leaseAs(t *testing.T, owner string, jobID int64) {
	t.Helper()
	j, err := f.queue.Dequeue(context.Background(), queue.DequeueRequest{
		QueueType: qt, Owner: owner, HeartbeatTimeout: time.Second, JobID: jobID,
	})
	if err != nil || j == nil {
		t.Fatalf("lease job %d for %s: %v", jobID, owner, err)
	}
}

func TestAdoptedGroupWaitsForLeafLeasedByCrashedOwner(t *testing.T) {
	f := newFixture(t, 1)
	c := f.enqueueCoordinator(t)
	f.leaseAs(t, "crashed", c.JobID)
	def, _ := testRegistry().Encode(qt, &testTask{Name: "x"})
	leaves, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType: qt, Definitions: []string{def}, GroupID: c.GroupID,
	})
	if err != nil {
		t.Fatalf("enqueue leaf: %v", err)
	}
	f.clock.Advance(500 * time.Millisecond)
	f.leaseAs(t, "crashed", leaves[0].JobID)
	// The coordinator lease has expired, the leaf lease has not.
	f.clock.Advance(700 * time.Millisecond)

	wl := &testWorkload{tasks: []string{"x"}, discovered: make(chan struct{}, 1)}
	w := f.watchdog(t, "a", wl)
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := w.Tick(context.Background())
		done <- result{o, err}
	}()
	<-wl.discovered
	time.Sleep(50 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("coordinator finished while a leaf was still leased: %s %v", r.outcome, r.err)
	default:
	}
	// Expires the leaf lease; the adopting coordinator keeps its own alive.
	f.clock.Advance(900 * time.Millisecond)

	if r := <-done; r.err != nil || r.outcome != OutcomeCompleted {
		t.Fatalf("adopting tick: %s %v", r.outcome, r.err)
	}
	leaf, _ := f.queue.Get(context.Background(), qt, leaves[0].JobID)
	if leaf.Status != domain.Completed || leaf.Owner == nil || *leaf.Owner != "a" {
		t.Fatalf("leaf not taken over: %s owner %v", leaf.Status, leaf.Owner)
	}
}

func TestTickClosesExpiredLeafOfGroupWithoutCoordinator(t *testing.T) {
	f := newFixture(t, 1)
	leaves, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		QueueType: qt, Definitions: []string{"stuck"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.leaseAs(t, "crashed", leaves[0].JobID)
	w := f.watchdog(t, "a", &testWorkload{})

	// Live lease: the job is only asked to stop.
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeBusy {
		t.Fatalf("want busy, got %s %v", outcome, err)
	}
	got, _ := f.queue.Get(context.Background(), qt, leaves[0].JobID)
	if got.Status != domain.Running || !got.CancelRequested {
		t.Fatalf("want running with cancel requested, got %s %v", got.Status, got.CancelRequested)
	}

	f.clock.Advance(time.Hour)
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeBusy {
		t.Fatalf("want busy while closing the orphan, got %s %v", outcome, err)
	}
	got, _ = f.queue.Get(context.Background(), qt, leaves[0].JobID)
	if got.Status != domain.Cancelled {
		t.Fatalf("want cancelled, got %s", got.Status)
	}
	if outcome, err := w.Tick(context.Background()); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("queue type still blocked: %s %v", outcome, err)
	}
}
