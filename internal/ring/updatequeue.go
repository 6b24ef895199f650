package ring

import (
	"sync/atomic"

	"github.com/wbudd/ringsocket-go/internal/metrics"
)

// SleepState is the per-thread "currently parked" flag, isolated to its
// own cache line so a producer checking it from another core never
// false-shares with the owning thread's hot fields.
type SleepState struct {
	_      [64]byte
	parked atomic.Bool
	_      [64 - 1]byte
	wake   chan struct{}
}

// NewSleepState creates a sleep flag together with its eventfd-style wake
// channel. The channel is buffered to depth 1 so a producer's wake never
// blocks even if the consumer hasn't yet called Park (this mirrors
// eventfd's counter semantics: writes coalesce, one pending wake is
// enough to release one Park).
func NewSleepState() *SleepState {
	return &SleepState{wake: make(chan struct{}, 1)}
}

// wakeIfParked delivers one wake-up if the consumer is currently parked.
// Producers call this from Flush, never directly. SleepState carries no
// worker/app identity of its own, so WakeupsTotal can't be split by
// thread here; it's all recorded under a single "consumer" label.
func (s *SleepState) wakeIfParked() {
	if s.parked.Load() {
		select {
		case s.wake <- struct{}{}:
			metrics.WakeupsTotal.WithLabelValues("consumer").Inc()
		default:
		}
	}
}

// Park runs the sleep/wake handshake: hasWork is the caller-supplied
// "do all rings have data" check, run once more after the flag is set
// to close the lost-wakeup window before actually blocking on the wake
// channel.
func (s *SleepState) Park(hasWork func() bool) {
	s.parked.Store(true)
	if hasWork() {
		s.parked.Store(false)
		return
	}
	<-s.wake
	s.parked.Store(false)
}

// Entry is one pending cursor publication: the ring whose writer cursor
// needs flushing, and the sleep state of the consumer that should be
// woken if it is parked.
type Entry struct {
	Ring  *Ring
	Sleep *SleepState
}

// UpdateQueue batches writer-cursor publications for one producer thread,
// flushing them in FIFO order at the end of a processing batch or when
// the queue fills. Ring writes (Reserve) are never batched —
// only the decision of *when* to make them visible to the consumer and
// *whether* to pay for a wake syscall is deferred.
type UpdateQueue struct {
	entries []Entry
	cap     int
}

// NewUpdateQueue creates a queue sized per the configured update queue
// depth.
func NewUpdateQueue(size int) *UpdateQueue {
	return &UpdateQueue{entries: make([]Entry, 0, size), cap: size}
}

// Push appends a pending publication, flushing first if the queue is
// already at capacity.
func (q *UpdateQueue) Push(r *Ring, sleep *SleepState) {
	if len(q.entries) >= q.cap {
		q.Flush()
	}
	q.entries = append(q.entries, Entry{Ring: r, Sleep: sleep})
}

// Flush publishes every pending ring's writer cursor in queue order and
// wakes any consumer that was parked when its cursor was published. This
// is called once at the end of a worker's readiness epoch or an app
// callback's return, or mid-batch when Push fills the queue.
func (q *UpdateQueue) Flush() {
	for _, e := range q.entries {
		e.Ring.Publish()
		e.Sleep.wakeIfParked()
	}
	q.entries = q.entries[:0]
}

// Len reports the number of pending, unflushed entries.
func (q *UpdateQueue) Len() int { return len(q.entries) }
