// Package sched is the pre-emptive scheduler: thread lifecycle,
// block/wake, signal delivery, yield, per-CPU bookkeeping.
//
// Each kernel "thread" is backed by a real goroutine, and the Go runtime
// already pre-empts goroutines. This package's job is the bookkeeping on
// top of that: state transitions, the save-complete wake discipline, and
// signal delivery. It does not re-implement a run queue the host
// scheduler already provides.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"

	"anyos/internal/cputime"
	"anyos/internal/klock"
)

// State is a thread's lifecycle state.
type State int32

const (
	Ready State = iota
	Running
	Blocked
	Dead
)

// WakeReason distinguishes an ordinary wake from one delivered because a
// signal arrived while the thread was in an interruptible wait.
type WakeReason int32

const (
	WokeNormally WakeReason = iota
	WokeBySignal
)

// Signal identifies a posted signal.
type Signal uint32

const (
	SIGPIPE Signal = 1 << iota
	SIGSEGV
)

// Thread is the kernel's per-thread control block.
type Thread struct {
	TID      uint32
	Name     string
	Priority int32
	UID      uint32

	state          atomic.Int32
	pendingSignals atomic.Uint32
	wakeReason     atomic.Int32
	waitReason     atomic.Value // string
	cpuTicks       atomic.Uint64

	wake chan struct{} // buffered cap 1: a wake that arrives before Block is never lost
	done chan struct{}
}

func (t *Thread) State() State { return State(t.state.Load()) }

// Scheduler owns the thread table: a flat id-keyed table, not a
// heap-allocated linked set.
type Scheduler struct {
	lock    klock.SpinLock
	threads map[uint32]*Thread
	nextTID uint32
	idle    *Thread
}

func New() *Scheduler {
	s := &Scheduler{threads: make(map[uint32]*Thread), nextTID: 1}
	s.idle = s.newThread("idle", -1<<31, 0) // lowest priority, always Ready
	s.idle.state.Store(int32(Ready))
	return s
}

func (s *Scheduler) newThread(name string, priority int32, uid uint32) *Thread {
	t := &Thread{
		TID:      s.nextTID,
		Name:     name,
		Priority: priority,
		UID:      uid,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	t.waitReason.Store("")
	s.nextTID++
	s.threads[t.TID] = t
	return t
}

// Spawn creates a new thread and runs fn on a dedicated goroutine. Every
// thread starts Ready immediately after creation.
func (s *Scheduler) Spawn(name string, priority int32, fn func(t *Thread)) *Thread {
	g := klock.Lock(&s.lock, cputime.CurrentCPU())
	t := s.newThread(name, priority, 0)
	t.state.Store(int32(Ready))
	g.Unlock()

	go func() {
		t.state.Store(int32(Running))
		fn(t)
		s.reap(t)
	}()
	return t
}

func (s *Scheduler) reap(t *Thread) {
	t.state.Store(int32(Dead))
	close(t.done)
	g := klock.Lock(&s.lock, cputime.CurrentCPU())
	delete(s.threads, t.TID)
	g.Unlock()
}

// Lookup finds a thread by tid. Returns false for reaped/unknown
// threads: no Dead thread is referenced by any queue, because a reaped
// thread is gone from the table entirely.
func (s *Scheduler) Lookup(tid uint32) (*Thread, bool) {
	g := klock.Lock(&s.lock, cputime.CurrentCPU())
	defer g.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// Info is one thread-table snapshot row, for sys_sysinfo's thread list.
type Info struct {
	TID      uint32
	Name     string
	State    State
	Priority int32
	UID      uint32
	CPUTicks uint64
}

// Threads returns a snapshot of every live thread, idle included.
// Order is not guaranteed; callers sort if they care.
func (s *Scheduler) Threads() []Info {
	g := klock.Lock(&s.lock, cputime.CurrentCPU())
	defer g.Unlock()
	out := make([]Info, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, Info{
			TID:      t.TID,
			Name:     t.Name,
			State:    t.State(),
			Priority: t.Priority,
			UID:      t.UID,
			CPUTicks: t.cpuTicks.Load(),
		})
	}
	return out
}

// AccountCPUTick charges one scheduler tick to this thread, feeding the
// per-thread counter sys_sysinfo reports.
func (t *Thread) AccountCPUTick() {
	t.cpuTicks.Add(1)
}

// Yield voluntarily gives up the CPU. Running -> Ready
// -> Running is implicit: the thread keeps running once the Go scheduler
// hands it back.
func Yield(t *Thread) {
	t.state.Store(int32(Ready))
	runtime.Gosched()
	t.state.Store(int32(Running))
}

// BlockResult reports why BlockCurrentThread returned.
type BlockResult struct {
	Reason WakeReason
}

// BlockCurrentThread parks the calling thread. The caller MUST have already
// recorded itself in a wait queue (WaitQueue.Enqueue) before calling
// this. That is the "save-complete" discipline: insert under the queue's
// lock, drop the lock, then block, so a wake racing in between is never
// lost (the wake channel is buffered, so WakeThread's send survives even
// if it happens before this receive starts).
func BlockCurrentThread(t *Thread) BlockResult {
	t.state.Store(int32(Blocked))
	<-t.wake
	t.state.Store(int32(Running))
	reason := WakeReason(t.wakeReason.Swap(int32(WokeNormally)))
	t.waitReason.Store("")
	return BlockResult{Reason: reason}
}

// WakeThread wakes a blocked thread. Idempotent if already Ready.
// Callable from any context, including a simulated IRQ handler.
func (s *Scheduler) WakeThread(tid uint32) {
	t, ok := s.Lookup(tid)
	if !ok {
		return
	}
	wakeThread(t, WokeNormally)
}

func wakeThread(t *Thread, reason WakeReason) {
	switch t.State() {
	case Blocked:
		t.state.Store(int32(Ready))
	case Running:
		// Saved in a wait queue but not parked yet: the token stays in the
		// buffered channel and the coming BlockCurrentThread returns at once.
	default:
		return // Ready or Dead: idempotent
	}
	t.wakeReason.Store(int32(reason))
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// SendSignalToThread sets a bit in the target's pending mask and, if the
// target is blocked in an interruptible wait, wakes it with a
// signal-pending result code. A running target's next BlockCurrentThread
// returns at once with that code.
func (s *Scheduler) SendSignalToThread(tid uint32, sig Signal) {
	t, ok := s.Lookup(tid)
	if !ok {
		return
	}
	t.pendingSignals.Or(uint32(sig))
	wakeThread(t, WokeBySignal)
}

// TakeSignals returns and clears the target thread's pending signal mask.
func (t *Thread) TakeSignals() Signal {
	return Signal(t.pendingSignals.Swap(0))
}

func (t *Thread) HasSignal(sig Signal) bool {
	return Signal(t.pendingSignals.Load())&sig != 0
}

// Exit does not change the thread's state. A thread becomes Dead, and is
// removed from the table, when its goroutine function returns (see Spawn
// and reap); a thread that wants to terminate mid-function returns early
// through normal Go control flow, and Exit only marks that call site.
func (t *Thread) Exit() {
	// no-op marker kept for callers that want an explicit, self-documenting
	// call site; actual teardown happens in Scheduler.reap when fn returns.
}

// WaitQueue is a bounded list of blocked thread ids guarded by its own
// lock. Callers copy the waiter list out under the lock, drop it, then
// wake: holding a scheduler lock while waking is forbidden to avoid
// lock-order inversion.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []uint32
}

// Enqueue records tid as waiting. Must be called before BlockCurrentThread,
// completing the "save" half of save-complete.
func (q *WaitQueue) Enqueue(tid uint32) {
	q.mu.Lock()
	q.waiters = append(q.waiters, tid)
	q.mu.Unlock()
}

// DrainAll removes and returns every waiting tid, so the caller can wake
// them after releasing any related state lock.
func (q *WaitQueue) DrainAll() []uint32 {
	q.mu.Lock()
	out := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	return out
}

// Len reports the current number of waiters, for bounded-fan-in checks.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
