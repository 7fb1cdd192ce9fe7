// Package vdev contains the host halves of the simulated hardware: the
// device models that consume what the drivers publish (virtqueue chains,
// BDL entries, request pages) and produce what the drivers poll for
// (used-ring completions, interrupt status, in-place responses).
//
// Under QEMU this role is played by QEMU's own device emulation; a
// hosted simulator has to carry it itself, the way a VMM implements the
// device ends of its virtio queues in-process. Each model here speaks
// exactly the wire format its driver counterpart in internal/drivers
// expects, through the shared internal/dma arena, so the pair exercises
// the real register and descriptor protocol rather than shaking hands
// through Go calls.
package vdev
