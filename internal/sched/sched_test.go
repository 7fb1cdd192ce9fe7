package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnStartsReadyThenRunning(t *testing.T) {
	s := New()
	started := make(chan State, 1)
	s.Spawn("worker", 0, func(th *Thread) {
		started <- th.State()
	})
	select {
	case st := <-started:
		require.Equal(t, Running, st)
	case <-time.After(time.Second):
		t.Fatal("thread never ran")
	}
}

func TestSaveCompleteBlockWakeNeverLosesAWake(t *testing.T) {
	s := New()
	var q WaitQueue
	woken := make(chan BlockResult, 1)
	ready := make(chan struct{})

	var th *Thread
	var wg sync.WaitGroup
	wg.Add(1)
	s.Spawn("blocker", 0, func(t *Thread) {
		th = t
		q.Enqueue(t.TID) // save...
		close(ready)
		wg.Done()
		woken <- BlockCurrentThread(t) // ...then block; no wake lost in between
	})
	wg.Wait()
	<-ready

	// Wake races in immediately after enqueue; because the channel is
	// buffered, this is safe even if it lands before BlockCurrentThread's
	// receive begins.
	for _, tid := range q.DrainAll() {
		s.WakeThread(tid)
	}

	select {
	case r := <-woken:
		require.Equal(t, WokeNormally, r.Reason)
	case <-time.After(time.Second):
		t.Fatal("wake was lost")
	}
	_ = th
}

func TestWakeIdempotentWhenAlreadyReady(t *testing.T) {
	s := New()
	th := s.newThreadForTest("t", 0)
	th.state.Store(int32(Ready))
	s.WakeThread(th.TID) // no-op, already ready
	require.Equal(t, Ready, th.State())
}

func TestSendSignalWakesBlockedThreadWithSignalReason(t *testing.T) {
	s := New()
	woken := make(chan BlockResult, 1)
	readyTID := make(chan uint32, 1)

	s.Spawn("victim", 0, func(t *Thread) {
		readyTID <- t.TID
		woken <- BlockCurrentThread(t)
	})
	tid := <-readyTID
	// give the goroutine a moment to reach BlockCurrentThread
	time.Sleep(10 * time.Millisecond)
	s.SendSignalToThread(tid, SIGPIPE)

	select {
	case r := <-woken:
		require.Equal(t, WokeBySignal, r.Reason)
	case <-time.After(time.Second):
		t.Fatal("signal wake was lost")
	}
}

func TestNoDeadThreadReferencedAfterExit(t *testing.T) {
	s := New()
	done := make(chan uint32, 1)
	s.Spawn("short", 0, func(t *Thread) {
		done <- t.TID
	})
	tid := <-done
	require.Eventually(t, func() bool {
		_, ok := s.Lookup(tid)
		return !ok
	}, time.Second, time.Millisecond)
}

// newThreadForTest exposes newThread to the test file within the package.
func (s *Scheduler) newThreadForTest(name string, priority int32) *Thread {
	g := func() *Thread {
		return s.newThread(name, priority, 0)
	}
	return g()
}
