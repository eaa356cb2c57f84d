// Package watchdog runs periodic maintenance across many process
// instances that share nothing but the job queue.
//
// Each tick a watchdog tries to become the coordinator of a fresh job
// group by enqueueing a coordinator job with one-active-group enforcement.
// When another group is still active it adopts that group's coordinator
// instead, which succeeds only if the coordinator was never leased or its
// lease expired. Holding the coordinator lease, it discovers leaf work,
// adds it to the group and drains the group with a bounded pool of
// workers. Every lease, coordinator and leaf alike, is kept alive by its
// own heartbeat.Supervisor. The coordinator is completed only once no
// leaf of its group is active: leaves leased by a crashed instance are
// taken over when their lease expires.
//
// States of one activation:
//
//	Idle -> Disabled                               (IsEnabled = 0)
//	Idle -> AcquiringJob -> Idle                   (no coordinator obtained)
//	Idle -> AcquiringJob -> Executing -> Completing -> Idle
//
// Errors never stop the loop; they mark the coordinator failed and are
// logged.
package watchdog
