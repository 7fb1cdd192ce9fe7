package fault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/pmm"
	"anyos/internal/sched"
	"anyos/internal/vmm"
)

func newTestRouter(t *testing.T) (*Router, *vmm.Manager, *pmm.Allocator) {
	t.Helper()
	frames := pmm.Init(512*pmm.FrameSize, []pmm.Region{{Start: 0, Len: 512 * pmm.FrameSize}}, pmm.KernelImage{}, 0)
	vm := vmm.Init(vmm.X86_32, frames, 0, 0)
	return New(vm, frames), vm, frames
}

func TestDemandZeroMapsOnAbsentUserFault(t *testing.T) {
	r, vm, _ := newTestRouter(t)
	root := vm.KernelRoot()
	r.RegisterDemandZero(root, 0x50000000, 0x50100000)

	s := sched.New()
	outcome := r.HandlePageFault(root, 0x50000000, ErrUser, s, 1)
	require.Equal(t, OutcomeDemandMapped, outcome)
	require.True(t, vm.IsMappedIn(root, 0x50000000))
}

func TestUnmappedUserFaultOutsideRegionSendsSIGSEGV(t *testing.T) {
	r, vm, _ := newTestRouter(t)
	root := vm.KernelRoot()

	s := sched.New()
	done := make(chan struct{})
	th := s.Spawn("victim", 1, func(t *sched.Thread) {
		q := &sched.WaitQueue{}
		q.Enqueue(t.TID)
		sched.BlockCurrentThread(t)
		close(done)
	})

	outcome := r.HandlePageFault(root, 0x70000000, ErrUser, s, th.TID)
	require.Equal(t, OutcomeSIGSEGV, outcome)
	require.True(t, th.HasSignal(sched.SIGSEGV))
}

func TestSupervisorFaultReportsPanic(t *testing.T) {
	r, vm, _ := newTestRouter(t)
	s := sched.New()
	outcome := r.HandlePageFault(vm.KernelRoot(), 0x1000, 0, s, 0)
	require.Equal(t, OutcomePanic, outcome)
}
