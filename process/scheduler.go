package process

import (
	"sync/atomic"
)

// CPUIDReader reports the identity of the calling CPU core, indexed
// [0, NumCores). The scheduler uses it to find the calling CPU's own
// run queue and current-thread slot without any central lock.
type CPUIDReader interface {
	CurrentCPUId() int
}

// Scheduler is the abstract scheduling policy a timer-interrupt handler
// drives.
type Scheduler interface {
	// CurrentThread returns the thread presently running on the calling
	// CPU.
	CurrentThread() *Thread
	// NextTimeSlice advances the calling CPU's schedule by one time
	// slice, potentially swapping in a new current thread.
	NextTimeSlice()
}

// queueNode is a node of a per-CPU run queue, a Michael-Scott style
// lock-free FIFO built from the same CAS-linked-list idiom as the buddy
// allocator's per-order free lists, generalized from a stack to a queue
// so enqueue and dequeue can happen at opposite ends concurrently.
type queueNode struct {
	next   atomic.Pointer[queueNode]
	thread *Thread
}

// runQueue is an unbounded, lock-free FIFO of runnable threads.
type runQueue struct {
	head   atomic.Pointer[queueNode]
	tail   atomic.Pointer[queueNode]
	length atomic.Int64
}

func newRunQueue() *runQueue {
	dummy := &queueNode{}
	q := &runQueue{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

func (q *runQueue) enqueue(t *Thread) {
	n := &queueNode{thread: t}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.length.Add(1)
				return
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

func (q *runQueue) dequeue() (*Thread, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil, false
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		t := next.thread
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)
			return t, true
		}
	}
}

func (q *runQueue) len() int64 { return q.length.Load() }

// perCPUSchedule is one CPU's slice of the scheduler: its run queue of
// Running-or-Blocked threads and the thread currently executing on it.
type perCPUSchedule struct {
	queue   *runQueue
	current atomic.Pointer[Thread]
}

// RoundRobinScheduler rotates each CPU through its own run queue of
// threads, skipping (but not dropping) any that are Blocked.
//
// Each CPU is constructed with one idle thread, which starts as current
// and is pushed back onto the rotation like any other thread once a
// runnable thread is found to replace it.
type RoundRobinScheduler struct {
	cpuID   CPUIDReader
	perCore []perCPUSchedule
}

var _ Scheduler = (*RoundRobinScheduler)(nil)

// NewRoundRobinScheduler creates a scheduler with one run queue per CPU,
// each starting with idleThreads[i] as its current thread. cpuID resolves
// which per-CPU slice a call belongs to.
func NewRoundRobinScheduler(cpuID CPUIDReader, idleThreads []*Thread) *RoundRobinScheduler {
	s := &RoundRobinScheduler{
		cpuID:   cpuID,
		perCore: make([]perCPUSchedule, len(idleThreads)),
	}
	for i, idle := range idleThreads {
		s.perCore[i].queue = newRunQueue()
		s.perCore[i].current.Store(idle)
	}
	return s
}

func (s *RoundRobinScheduler) core() *perCPUSchedule {
	return &s.perCore[s.cpuID.CurrentCPUId()]
}

// CurrentThread implements Scheduler.
func (s *RoundRobinScheduler) CurrentThread() *Thread {
	return s.core().current.Load()
}

// Enqueue adds t to the run queue of the given CPU, making it eligible
// to become current on a future time slice. Used both to place newly
// created threads and to put a thread back into rotation after it
// transitions from Blocked to Running on a CPU other than its own.
func (s *RoundRobinScheduler) Enqueue(cpu int, t *Thread) {
	s.perCore[cpu].queue.enqueue(t)
}

// NextTimeSlice implements Scheduler. It dequeues up to the calling
// CPU's queue length worth of threads, re-queuing any that are not
// Running; the first Running thread found becomes current, and the
// previous current thread is pushed to the tail of the queue. If no
// Running thread is found within that bound, the current thread
// continues unchanged.
func (s *RoundRobinScheduler) NextTimeSlice() {
	core := s.core()
	bound := core.queue.len()

	var next *Thread
	for i := int64(0); i < bound; i++ {
		t, ok := core.queue.dequeue()
		if !ok {
			break
		}
		if t.State() == Running {
			next = t
			break
		}
		core.queue.enqueue(t)
	}

	if next == nil {
		return
	}

	previous := core.current.Swap(next)
	core.queue.enqueue(previous)
}
