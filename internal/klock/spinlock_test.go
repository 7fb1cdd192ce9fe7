package klock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	var l SpinLock
	require.False(t, IsLocked(&l))
	g := Lock(&l, 7)
	require.True(t, IsLocked(&l))
	require.True(t, IsHeldByCPU(&l, 7))
	g.Unlock()
	require.False(t, IsLocked(&l))
	require.False(t, IsHeldByCPU(&l, 7))
}

func TestTryLockFailsWhenHeld(t *testing.T) {
	var l SpinLock
	g, ok := TryLock(&l, 1)
	require.True(t, ok)
	_, ok = TryLock(&l, 2)
	require.False(t, ok)
	g.Unlock()
	g2, ok := TryLock(&l, 2)
	require.True(t, ok)
	g2.Unlock()
}

// Two different CPUs contending for one lock must spin and take turns,
// never trip the recursive-acquisition check.
func TestContendingCPUsSpinWithoutPanic(t *testing.T) {
	var l SpinLock
	g := Lock(&l, 1)

	acquired := make(chan struct{})
	go func() {
		g2 := Lock(&l, 2)
		g2.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second CPU acquired a held lock")
	case <-time.After(10 * time.Millisecond):
	}
	g.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second CPU never acquired the lock after release")
	}
}

func TestRecursiveAcquisitionBySameCPUPanics(t *testing.T) {
	var l SpinLock
	_ = Lock(&l, 3)
	require.Panics(t, func() {
		Lock(&l, 3)
	})
}

func TestForceUnlockClearsHolder(t *testing.T) {
	var l SpinLock
	_ = Lock(&l, 4)
	require.True(t, IsHeldByCPU(&l, 4))
	ForceUnlock(&l, 4)
	require.False(t, IsLocked(&l))
}

func TestIsHeldByCPUDistinguishesHolders(t *testing.T) {
	var l SpinLock
	g := Lock(&l, 5)
	require.True(t, IsHeldByCPU(&l, 5))
	require.False(t, IsHeldByCPU(&l, 6))
	g.Unlock()
}
