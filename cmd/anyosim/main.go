// anyosim boots the hosted kernel simulator end to end: memory map in,
// frame allocator and kernel address space up, PCI bus probed, drivers
// bound to their host device models, compositor flushing frames into the
// virtio-gpu scanout, and a handful of threads exercising pipes and the
// syscall surface.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"anyos/internal/bootcfg"
	"anyos/internal/chanmem"
	"anyos/internal/compositor"
	"anyos/internal/compositor/menu"
	"anyos/internal/cputime"
	"anyos/internal/dma"
	"anyos/internal/drivers/audio"
	"anyos/internal/drivers/gpu"
	"anyos/internal/drivers/guest"
	"anyos/internal/drivers/input"
	"anyos/internal/fault"
	"anyos/internal/hal"
	"anyos/internal/klog"
	"anyos/internal/pipe"
	"anyos/internal/pmm"
	"anyos/internal/ramfs"
	"anyos/internal/sched"
	"anyos/internal/syscalls"
	"anyos/internal/vdev"
	"anyos/internal/virtqueue"
	"anyos/internal/vmm"
)

var log = klog.Tag("boot")

var (
	bootPath string
	frames   int
	volume   uint32
)

func main() {
	root := &cobra.Command{
		Use:   "anyosim",
		Short: "hosted anyOS kernel-substrate simulator",
		Long: "anyosim brings the simulated kernel up from a boot-info document, " +
			"probes the virtual PCI bus, starts the compositor against the " +
			"virtio-gpu model, and runs a short workload across pipes, input, " +
			"audio, and the syscall surface.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&bootPath, "boot", "", "boot-info YAML (default: built-in QEMU-style map)")
	root.Flags().IntVar(&frames, "frames", 3, "compositor frames to present before shutdown")
	root.Flags().Uint32Var(&volume, "volume", 80, "AC'97 playback volume (0..100)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anyosim:", err)
		os.Exit(1)
	}
}

// defaultBootInfo is the built-in stand-in for a bootloader handoff: a
// QEMU-style map with 256 MiB of RAM, a hole under 1 MiB, and the kernel
// image at 2 MiB.
func defaultBootInfo() *bootcfg.BootInfo {
	return &bootcfg.BootInfo{
		Arch:     "x86_32",
		TotalRAM: 256 * 1024 * 1024,
		MemoryMap: []bootcfg.Region{
			{Start: 0, Len: 0x9F000, Usable: true},
			{Start: 0x100000, Len: 255 * 1024 * 1024, Usable: true},
		},
		Kernel: bootcfg.KernelImage{Start: 0x200000, End: 0x400000},
	}
}

func loadBootInfo() (*bootcfg.BootInfo, error) {
	if bootPath == "" {
		return defaultBootInfo(), nil
	}
	f, err := os.Open(bootPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return bootcfg.Load(f)
}

func archFor(name string) vmm.Arch {
	switch name {
	case "x86_64":
		return vmm.X86_64
	case "aarch64":
		return vmm.AArch64
	default:
		return vmm.X86_32
	}
}

// simBus is the virtual PCI bus: fixed slots, one device each.
type simBus struct {
	devices map[hal.BusSlot]hal.DeviceKey
}

func (b simBus) Probe(loc hal.BusSlot) (hal.DeviceKey, uint32, bool) {
	key, ok := b.devices[loc]
	return key, 0, ok
}

// gpuFront adapts the virtio-gpu driver into the compositor's
// presentation target: blit into the DMA backing store, then issue the
// transfer + flush pair for just the damaged rectangle.
type gpuFront struct {
	dev *gpu.Device
}

func (f gpuFront) Width() uint32  { return f.dev.Width() }
func (f gpuFront) Height() uint32 { return f.dev.Height() }

func (f gpuFront) Blit(r compositor.Rect, src []compositor.Pixel) bool {
	fb := f.dev.Framebuffer()
	pitch := int(f.dev.Width()) * 4
	i := 0
	for y := r.Y; y < r.Bottom(); y++ {
		row := int(y)*pitch + int(r.X)*4
		for x := 0; x < int(r.Width); x++ {
			binary.LittleEndian.PutUint32(fb[row+x*4:], src[i])
			i++
		}
	}
	if err := f.dev.TransferToHost(uint32(r.X), uint32(r.Y), r.Width, r.Height); err != nil {
		log.Printf("transfer failed: %v", err)
		return false
	}
	return true
}

// nullSink discards PCM; the oto-backed sink needs a real audio device,
// which a scripted simulator run can't assume.
type nullSink struct{}

func (nullSink) Push([]float32) {}
func (nullSink) Start()         {}
func (nullSink) Stop()          {}
func (nullSink) Close()         {}

func run(cmd *cobra.Command, args []string) error {
	info, err := loadBootInfo()
	if err != nil {
		return err
	}

	// Frame allocator from the boot memory map.
	allocator := pmm.Init(info.TotalRAM, info.PMMRegions(), info.PMMKernelImage(), info.LowReserve())
	log.Printf("%d frames, %d free after reservations", allocator.TotalFrames(), allocator.FreeFrameCount())

	// Kernel address space.
	var fbPhys pmm.PhysAddr
	var fbLen uint64 = 16 * 1024 * 1024
	if info.Framebuffer != nil {
		fbPhys = pmm.PhysAddr(info.Framebuffer.PhysAddr)
	} else {
		fbPhys = 0xFD000000
	}
	vm := vmm.Init(archFor(info.Arch), allocator, fbPhys, fbLen)

	// Fault routing over a user address space with a demand-zero stack.
	faults := fault.New(vm, allocator)
	userPD, ok := vm.CreateUserAddressSpace()
	if !ok {
		return fmt.Errorf("user address space creation failed")
	}
	defer vm.DestroyUserAddressSpace(userPD)
	const stackTop, stackSize = 0xBF000000, 0x10000
	faults.RegisterDemandZero(userPD, stackTop-stackSize, stackTop)

	// One simulated CPU plus the timer tick.
	cpu := cputime.RegisterCPU(0)
	stopTick := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second / cputime.TickHz)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				cputime.Tick()
				cpu.AccountTick(false)
			case <-stopTick:
				return
			}
		}
	}()
	defer close(stopTick)

	// Scheduler, pipe table, filesystem, syscall surface.
	scheduler := sched.New()
	pipes := pipe.NewTable(scheduler)
	fs := ramfs.New()
	sys := syscalls.New(scheduler, pipes, fs, allocator,
		"anyOS simulator / virtio-gpu / virtio-input / ac97 / vmmdev", nil)

	// First touch of the user stack: absent mapping in the demand-zero
	// region, resolved by mapping a zeroed frame.
	if out := faults.HandlePageFault(userPD, stackTop-0x10, fault.ErrUser|fault.ErrWrite, scheduler, 1); out != fault.OutcomeDemandMapped {
		return fmt.Errorf("unexpected fault outcome %v", out)
	}

	// DMA arena, virtqueues, device models, and the PCI probe.
	arena, ok := dma.New(0x100000, 64<<20)
	if !ok {
		return fmt.Errorf("DMA arena allocation failed")
	}
	defer arena.Close()

	gpuQueue, _ := virtqueue.New(64, 0x8000)
	gpuModel := vdev.NewGPU(gpuQueue, arena, 1024, 768)
	inputQueue, _ := virtqueue.New(64, 0xA000)
	inputHost := vdev.NewInputHost(inputQueue, arena, "keyboard0")
	codec := vdev.NewAC97(arena)
	vmmHost := vdev.NewVMMDevHost(arena)
	vmmHost.HostWantsAbsolute = true

	registry := hal.NewRegistry()
	registry.Register(gpu.VirtIODeviceKey, gpu.Factory(gpuQueue, arena, func() {}, gpuModel.Step))
	registry.Register(input.VirtIODeviceKey, input.Factory(inputQueue, arena, inputHost))
	registry.Register(audio.DeviceKey, audio.Factory(codec.NAM(), codec.NABM(), arena, nullSink{}, func() {
		log.Printf("ac97: bus mastering enabled")
	}))
	registry.Register(guest.VendorDevice, guest.Factory(vmmHost, arena, 1024, 768))

	bus := simBus{devices: map[hal.BusSlot]hal.DeviceKey{
		{Slot: 2}: gpu.VirtIODeviceKey,
		{Slot: 3}: input.VirtIODeviceKey,
		{Slot: 4}: audio.DeviceKey,
		{Slot: 5}: guest.VendorDevice,
	}}
	drivers, err := registry.ProbeBus(cmd.Context(), bus)
	if err != nil {
		return err
	}

	var gpuDev *gpu.Device
	var inputDev *input.Device
	var audioDev *audio.Device
	var guestDev *guest.Device
	for _, d := range drivers {
		switch dev := d.(type) {
		case *gpu.Device:
			gpuDev = dev
		case *input.Device:
			inputDev = dev
		case *audio.Device:
			audioDev = dev
		case *guest.Device:
			guestDev = dev
		}
	}
	if gpuDev == nil {
		return fmt.Errorf("no display device bound")
	}
	inputHost.IRQ = inputDev.HandleIRQ
	codec.IRQ = audioDev.HandleIRQ
	codec.OnBuffer = audioDev.PushToSink

	// Compositor over the GPU scanout.
	w, h := gpuDev.GetDisplayInfo()
	if err := gpuDev.SetupFramebuffer(w, h); err != nil {
		return err
	}
	comp := compositor.New(gpuFront{dev: gpuDev})
	comp.EnableSoftwareCursor()

	desktop := comp.AddLayer(0, 0, w, h, false)
	if px, ok := comp.LayerPixels(desktop); ok {
		for i := range px {
			px[i] = 0xFF336699
		}
	}
	comp.MarkLayerDirty(desktop)

	bar := menu.New(comp, nil)
	comp.AddLayer(0, 0, w, menu.MenuBarHeight, true)
	bar.RegisterMenus(menu.Def{WindowID: 1, Menus: []menu.Menu{
		{Title: "File", Items: []menu.Item{
			{ItemID: 1, Label: "New Window"},
			{Flags: menu.FlagSeparator},
			{ItemID: 2, Label: "Close"},
		}},
		{Title: "Edit", Items: []menu.Item{{ItemID: 3, Label: "Copy"}, {ItemID: 4, Label: "Paste"}}},
	}})
	bar.SetActiveWindow(1)
	bar.OpenSystemMenu()

	// Shared-memory event channel to a (simulated) client.
	events, err := chanmem.NewEventRing()
	if err != nil {
		return err
	}
	defer events.Close()

	// Feed a few input events through the virtqueue path and into the
	// client's event ring.
	inputHost.Inject(input.Event{Type: input.EvKey, Code: 0x1E, Value: 1})
	inputHost.Inject(input.Event{Type: input.EvKey, Code: 0x1E, Value: 0})
	for {
		e, ok := inputDev.KeyboardRing().Pop()
		if !ok {
			break
		}
		evType := chanmem.EventKeyUp
		if e.Value != 0 {
			evType = chanmem.EventKeyDown
		}
		events.Push(chanmem.Event{Type: evType, Arg: uint32(e.Code)})
	}
	for {
		e, ok := events.Poll()
		if !ok {
			break
		}
		log.Printf("client saw event type=%d code=%#x", e.Type, e.Arg)
	}

	// Guest integration drives the cursor.
	if px, py, ok := guestDev.PollMouse(); ok {
		comp.MoveCursor(px, py)
	}

	for i := 0; i < frames; i++ {
		painted := comp.Flush()
		log.Printf("frame %d: %d rects presented, %d host flushes", i, len(painted), gpuModel.Flushes())
		vmmHost.SetPointer(int32(0x2000*(i+1)), 0x4000)
		if px, py, ok := guestDev.PollMouse(); ok {
			comp.MoveCursor(px, py)
		}
	}
	bar.CloseDropdown()
	comp.Flush()

	// Audio: two buffers of silence through the BDL, volume per flag.
	audioDev.SetVolume(volume)
	if _, err := audioDev.WritePCM(make([]byte, 2048)); err != nil {
		return err
	}
	if _, err := audioDev.WritePCM(make([]byte, 2048)); err != nil {
		return err
	}
	for codec.DMAStep() {
	}

	// Pipe workload through the syscall surface.
	pid := sys.SysPipeCreate("demo")
	if pid == syscalls.Errno {
		return fmt.Errorf("pipe creation failed")
	}
	done := make(chan string, 1)
	scheduler.Spawn("reader", 10, func(t *sched.Thread) {
		buf := make([]byte, 64)
		n := sys.SysPipeRead(pid, t.TID, buf)
		done <- string(buf[:n])
	})
	scheduler.Spawn("writer", 10, func(t *sched.Thread) {
		sys.SysPipeWrite(pid, t.TID, []byte("hello from the writer thread"))
	})
	log.Printf("pipe delivered: %q", <-done)

	// Filesystem smoke pass through the syscall surface.
	sys.SysMkdir("/var")
	fd := sys.SysOpen("/var/boot.log", ramfs.OCreate|ramfs.OWrite)
	sys.SysWrite(fd, []byte("boot complete\n"))
	sys.SysClose(fd)

	reportSysinfo(sys)
	log.Printf("shutdown after %d frames, uptime %d ms", frames, sys.SysUptimeMS())
	return nil
}

func reportSysinfo(sys *syscalls.Dispatcher) {
	buf := make([]byte, 4096)
	if n := sys.SysSysinfo(syscalls.SysinfoMemory, buf); n != syscalls.Errno {
		log.Printf("memory: total_frames=%d free_frames=%d",
			binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]))
	}
	if n := sys.SysSysinfo(syscalls.SysinfoThreads, buf); n != syscalls.Errno {
		log.Printf("threads: %d live", n/60)
	}
	if n := sys.SysSysinfo(syscalls.SysinfoCPULoad, buf); n != syscalls.Errno {
		log.Printf("cpu: total=%d idle=%d over %d cpus",
			binary.LittleEndian.Uint64(buf[0:8]),
			binary.LittleEndian.Uint64(buf[8:16]),
			binary.LittleEndian.Uint32(buf[16:20]))
	}
	if n := sys.SysSysinfo(syscalls.SysinfoHardware, buf); n != syscalls.Errno {
		log.Printf("hardware: %s", string(buf[:n-1]))
	}
}
