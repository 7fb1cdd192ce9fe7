// Package syscalls is the kernel's system-call surface: time,
// memory/sysinfo, IPC, filesystem, and process calls, every one
// returning the u32 error sentinel on failure.
//
// A flat dispatcher over the kernel's subsystems: one method per call,
// each validating raw arguments, delegating to the owning module, and
// flattening errors to the single sentinel rather than wrapping them.
package syscalls

import (
	"encoding/binary"
	"runtime"
	"sort"
	"time"

	"anyos/internal/cputime"
	"anyos/internal/klock"
	"anyos/internal/pipe"
	"anyos/internal/pmm"
	"anyos/internal/ramfs"
	"anyos/internal/sched"
)

// Errno is the universal failure sentinel every call returns on error.
const Errno = ^uint32(0)

// sysinfo commands.
const (
	SysinfoMemory   = 0
	SysinfoThreads  = 1
	SysinfoCPULoad  = 3
	SysinfoHardware = 4
)

// threadEntrySize is the fixed sysinfo(cmd=1) row: tid, state, priority,
// uid (4 u32s), cpu_ticks (u64), then a NUL-padded name.
const (
	threadEntrySize = 60
	threadNameLen   = threadEntrySize - 24
)

// SpawnFunc launches a program image; the kernel side only brokers the
// call. Returns the new thread id.
type SpawnFunc func(path string, args []string) (uint32, bool)

// Dispatcher owns the file-descriptor table and delegates each call to
// the owning subsystem.
type Dispatcher struct {
	sched  *sched.Scheduler
	pipes  *pipe.Table
	fs     *ramfs.FS
	frames *pmm.Allocator
	spawn  SpawnFunc
	hwinfo string

	lock   klock.SpinLock
	fds    map[uint32]*openFile
	nextFD uint32
}

type openFile struct {
	path   string
	flags  uint32
	offset uint64
}

// New wires a dispatcher to the kernel singletons. hwinfo is the string
// block sysinfo(cmd=4) returns; spawn may be nil if process launch is
// unavailable.
func New(s *sched.Scheduler, pipes *pipe.Table, fs *ramfs.FS, frames *pmm.Allocator, hwinfo string, spawn SpawnFunc) *Dispatcher {
	return &Dispatcher{
		sched:  s,
		pipes:  pipes,
		fs:     fs,
		frames: frames,
		spawn:  spawn,
		hwinfo: hwinfo,
		fds:    make(map[uint32]*openFile),
		nextFD: 3, // 0..2 are reserved by convention
	}
}

// --- time ---

// SysUptime returns ticks since boot.
func (d *Dispatcher) SysUptime() uint32 { return uint32(cputime.Uptime()) }

// SysTickHz returns the timer frequency.
func (d *Dispatcher) SysTickHz() uint32 { return cputime.TickHz }

// SysUptimeMS returns uptime in milliseconds.
func (d *Dispatcher) SysUptimeMS() uint32 { return uint32(cputime.UptimeMS()) }

// --- memory / sysinfo ---

// SysSysinfo fills buf per the cmd's layout and returns the number of
// bytes written, or Errno for an unknown command or, for cmds 0, 3 and 4,
// an undersized buffer. Cmd 1 writes as many whole entries as fit.
func (d *Dispatcher) SysSysinfo(cmd uint32, buf []byte) uint32 {
	switch cmd {
	case SysinfoMemory:
		return d.sysinfoMemory(buf)
	case SysinfoThreads:
		return d.sysinfoThreads(buf)
	case SysinfoCPULoad:
		return d.sysinfoCPULoad(buf)
	case SysinfoHardware:
		return d.sysinfoHardware(buf)
	}
	return Errno
}

// sysinfoMemory: {total_frames, free_frames, heap_used, heap_total},
// four u32s. Heap figures come from the host runtime, standing in for
// the kernel heap's counters.
func (d *Dispatcher) sysinfoMemory(buf []byte) uint32 {
	if len(buf) < 16 {
		return Errno
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	binary.LittleEndian.PutUint32(buf[0:4], d.frames.TotalFrames())
	binary.LittleEndian.PutUint32(buf[4:8], d.frames.FreeFrameCount())
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ms.HeapAlloc))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ms.HeapSys))
	return 16
}

// sysinfoThreads: an array of 60-byte entries, one per thread.
func (d *Dispatcher) sysinfoThreads(buf []byte) uint32 {
	threads := d.sched.Threads()
	sort.Slice(threads, func(i, j int) bool { return threads[i].TID < threads[j].TID })

	written := 0
	for _, t := range threads {
		if written+threadEntrySize > len(buf) {
			break
		}
		e := buf[written : written+threadEntrySize]
		binary.LittleEndian.PutUint32(e[0:4], t.TID)
		binary.LittleEndian.PutUint32(e[4:8], uint32(t.State))
		binary.LittleEndian.PutUint32(e[8:12], uint32(t.Priority))
		binary.LittleEndian.PutUint32(e[12:16], t.UID)
		binary.LittleEndian.PutUint64(e[16:24], t.CPUTicks)
		name := e[24:]
		for i := range name {
			name[i] = 0
		}
		copy(name[:threadNameLen-1], t.Name)
		written += threadEntrySize
	}
	return uint32(written)
}

// sysinfoCPULoad: total u64, idle u64, n_cpus u32, then {total, idle}
// u64 pairs per CPU.
func (d *Dispatcher) sysinfoCPULoad(buf []byte) uint32 {
	load := cputime.SysInfoCPULoad()
	need := 20 + 16*len(load.PerCPU)
	if len(buf) < need {
		return Errno
	}
	binary.LittleEndian.PutUint64(buf[0:8], load.Total)
	binary.LittleEndian.PutUint64(buf[8:16], load.Idle)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(load.NCPUs))
	off := 20
	for _, c := range load.PerCPU {
		binary.LittleEndian.PutUint64(buf[off:off+8], c.Total)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], c.Idle)
		off += 16
	}
	return uint32(need)
}

// sysinfoHardware: NUL-terminated hardware description block.
func (d *Dispatcher) sysinfoHardware(buf []byte) uint32 {
	if len(buf) < len(d.hwinfo)+1 {
		return Errno
	}
	n := copy(buf, d.hwinfo)
	buf[n] = 0
	return uint32(n + 1)
}

// --- ipc ---

// SysPipeCreate creates a named pipe and returns its id.
func (d *Dispatcher) SysPipeCreate(name string) uint32 {
	id, ok := d.pipes.CreateNamed(name)
	if !ok {
		return Errno
	}
	return uint32(id)
}

// SysPipeOpen looks up a named pipe.
func (d *Dispatcher) SysPipeOpen(name string) uint32 {
	id, ok := d.pipes.OpenNamed(name)
	if !ok {
		return Errno
	}
	return uint32(id)
}

// SysPipeRead blocks per the pipe's read semantics and returns the byte
// count (0 at EOF).
func (d *Dispatcher) SysPipeRead(id uint32, selfTID uint32, buf []byte) uint32 {
	return d.pipes.Read(pipe.ID(id), selfTID, buf)
}

// SysPipeWrite blocks per the pipe's write semantics; EPIPE surfaces as
// the sentinel (plus SIGPIPE to the caller, delivered by the pipe layer).
func (d *Dispatcher) SysPipeWrite(id uint32, selfTID uint32, data []byte) uint32 {
	return d.pipes.Write(pipe.ID(id), selfTID, data)
}

// --- fs ---

// SysOpen opens (or creates, with OCreate) a file and returns a new fd.
func (d *Dispatcher) SysOpen(path string, flags uint32) uint32 {
	if !d.fs.Open(path, flags) {
		return Errno
	}
	g := klock.Lock(&d.lock, cputime.CurrentCPU())
	defer g.Unlock()
	fd := d.nextFD
	d.nextFD++
	d.fds[fd] = &openFile{path: path, flags: flags}
	return fd
}

func (d *Dispatcher) file(fd uint32) (*openFile, bool) {
	g := klock.Lock(&d.lock, cputime.CurrentCPU())
	defer g.Unlock()
	f, ok := d.fds[fd]
	return f, ok
}

// SysRead reads at the fd's offset and advances it.
func (d *Dispatcher) SysRead(fd uint32, buf []byte) uint32 {
	f, ok := d.file(fd)
	if !ok {
		return Errno
	}
	n, ok := d.fs.ReadAt(f.path, f.offset, buf)
	if !ok {
		return Errno
	}
	f.offset += uint64(n)
	return uint32(n)
}

// SysWrite writes at the fd's offset (or the end, for OAppend) and
// advances it. Fails on fds opened without OWrite.
func (d *Dispatcher) SysWrite(fd uint32, data []byte) uint32 {
	f, ok := d.file(fd)
	if !ok || f.flags&ramfs.OWrite == 0 {
		return Errno
	}
	n, ok := d.fs.WriteAt(f.path, f.offset, data, f.flags)
	if !ok {
		return Errno
	}
	if f.flags&ramfs.OAppend != 0 {
		f.offset, _ = d.fs.Size(f.path)
	} else {
		f.offset += uint64(n)
	}
	return uint32(n)
}

// SysClose releases an fd.
func (d *Dispatcher) SysClose(fd uint32) uint32 {
	g := klock.Lock(&d.lock, cputime.CurrentCPU())
	defer g.Unlock()
	if _, ok := d.fds[fd]; !ok {
		return Errno
	}
	delete(d.fds, fd)
	return 0
}

// SysStat writes {size u64, is_dir u32, mtime u64} into buf.
func (d *Dispatcher) SysStat(path string, buf []byte) uint32 {
	if len(buf) < 20 {
		return Errno
	}
	st, ok := d.fs.Stat(path)
	if !ok {
		return Errno
	}
	binary.LittleEndian.PutUint64(buf[0:8], st.Size)
	isDir := uint32(0)
	if st.IsDir {
		isDir = 1
	}
	binary.LittleEndian.PutUint32(buf[8:12], isDir)
	binary.LittleEndian.PutUint64(buf[12:20], st.MTime)
	return 20
}

// SysMkdir creates a directory.
func (d *Dispatcher) SysMkdir(path string) uint32 {
	if !d.fs.Mkdir(path) {
		return Errno
	}
	return 0
}

// SysUnlink removes a file or empty directory.
func (d *Dispatcher) SysUnlink(path string) uint32 {
	if !d.fs.Unlink(path) {
		return Errno
	}
	return 0
}

// SysRename moves a file or directory subtree.
func (d *Dispatcher) SysRename(from, to string) uint32 {
	if !d.fs.Rename(from, to) {
		return Errno
	}
	return 0
}

// SysTruncate resizes a file.
func (d *Dispatcher) SysTruncate(path string, size uint64) uint32 {
	if !d.fs.Truncate(path, size) {
		return Errno
	}
	return 0
}

// --- process ---

// SysSpawn launches a program and returns its thread id.
func (d *Dispatcher) SysSpawn(path string, args []string) uint32 {
	if d.spawn == nil {
		return Errno
	}
	tid, ok := d.spawn(path, args)
	if !ok {
		return Errno
	}
	return tid
}

// SysExit marks the caller's intent to terminate. Hosted threads
// actually die by returning from their entry function (sched.Spawn reaps
// them there); this calls Thread.Exit, which leaves the thread's state
// unchanged, and hands the code back for the caller's return statement.
func (d *Dispatcher) SysExit(t *sched.Thread, code uint32) uint32 {
	t.Exit()
	return code
}

// SysSleep parks the caller for at least ms milliseconds.
func (d *Dispatcher) SysSleep(ms uint32) uint32 {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return 0
}

// SysYield gives up the CPU.
func (d *Dispatcher) SysYield(t *sched.Thread) uint32 {
	sched.Yield(t)
	return 0
}
