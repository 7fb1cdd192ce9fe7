package pipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anyos/internal/sched"
)

func newTestTable(t *testing.T) (*Table, *sched.Scheduler, uint32) {
	t.Helper()
	s := sched.New()
	var tid uint32
	ready := make(chan struct{})
	quit := make(chan struct{})
	s.Spawn("test-caller", 0, func(th *sched.Thread) {
		tid = th.TID
		close(ready)
		<-quit // keep the goroutine (and thread table entry) alive
	})
	<-ready
	t.Cleanup(func() { close(quit) })
	return NewTable(s), s, tid
}

func TestPipeSIGPIPEScenario(t *testing.T) {
	// Create pipe p, incref/decref the read side to
	// zero, then write("X") must return the sentinel and post SIGPIPE;
	// bytes_available stays 0; the writer is still open.
	tbl, s, tid := newTestTable(t)
	p := tbl.Create()

	tbl.IncrefRead(p)
	tbl.DecrefRead(p)

	n := tbl.Write(p, tid, []byte("X"))
	require.Equal(t, ErrSentinel, n)
	require.EqualValues(t, 0, tbl.BytesAvailable(p))
	require.False(t, tbl.IsWriteClosed(p))

	th, _ := s.Lookup(tid)
	require.True(t, th.HasSignal(sched.SIGPIPE))
}

func TestPipeEOFScenario(t *testing.T) {
	// Write "HELLO", close the write end, read
	// returns 5 bytes then 0 (EOF) on the next call.
	tbl, _, tid := newTestTable(t)
	p := tbl.Create()

	n := tbl.Write(p, tid, []byte("HELLO"))
	require.EqualValues(t, 5, n)

	tbl.DecrefWrite(p)

	buf := make([]byte, 10)
	got := tbl.Read(p, tid, buf)
	require.EqualValues(t, 5, got)
	require.Equal(t, "HELLO", string(buf[:got]))

	require.EqualValues(t, 0, tbl.Read(p, tid, buf))
}

func TestIncrefDecrefLeavesRefcountsUnchanged(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	p := tbl.Create()
	before := tbl.BytesAvailable(p) // 0, just to touch the pipe
	tbl.IncrefRead(p)
	tbl.DecrefRead(p)
	require.Equal(t, before, tbl.BytesAvailable(p))
	require.False(t, tbl.IsWriteClosed(p))
}

func TestWriteFullBufferBoundary(t *testing.T) {
	tbl, _, tid := newTestTable(t)
	p := tbl.Create()

	// Exactly Capacity bytes with a reader present: no blocking.
	data := make([]byte, Capacity)
	n := tbl.Write(p, tid, data)
	require.EqualValues(t, Capacity, n)
	require.EqualValues(t, Capacity, tbl.BytesAvailable(p))
}

// Writing Capacity+1 bytes must park the writer on the full buffer until
// a reader drains at least one byte, then complete with the full count.
func TestWriteBeyondCapacityBlocksUntilReaderDrains(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	p := tbl.Create()

	wrote := make(chan uint32, 1)
	s.Spawn("writer", 0, func(th *sched.Thread) {
		wrote <- tbl.Write(p, th.TID, make([]byte, Capacity+1))
	})

	// The writer fills the buffer, then parks with one byte left over.
	require.Eventually(t, func() bool {
		return tbl.BytesAvailable(p) == Capacity
	}, time.Second, time.Millisecond)
	select {
	case n := <-wrote:
		t.Fatalf("write returned %d before any byte was drained", n)
	default:
	}

	s.Spawn("reader", 0, func(th *sched.Thread) {
		buf := make([]byte, 1)
		tbl.Read(p, th.TID, buf)
	})

	select {
	case n := <-wrote:
		require.EqualValues(t, Capacity+1, n)
	case <-time.After(time.Second):
		t.Fatal("writer never unblocked after the reader drained a byte")
	}
	// One byte drained, one trailing byte delivered: buffer full again.
	require.Eventually(t, func() bool {
		return tbl.BytesAvailable(p) == Capacity
	}, time.Second, time.Millisecond)
}
