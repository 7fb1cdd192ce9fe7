// Package pipe implements anonymous and named pipe IPC: bounded
// ring-buffered byte streams with blocking readers/writers and SIGPIPE
// delivery, composed from internal/sched (blocking reader/writer wake
// lists, the save-complete discipline) and internal/klock (the
// pipe-table lock).
package pipe

import (
	"anyos/internal/cputime"
	"anyos/internal/klock"
	"anyos/internal/sched"
)

// Capacity is the fixed pipe buffer size.
const Capacity = 4096

// maxBlockedPerSide bounds the fan-in of blocked readers/writers per
// pipe.
const maxBlockedPerSide = 8

// ErrSentinel is returned by Write in place of a byte count when the read
// end is closed.
const ErrSentinel = ^uint32(0)

// ID identifies a pipe.
type ID uint32

type pipe struct {
	lock     klock.SpinLock
	buf      []byte // ring contents, len() <= Capacity
	name     string // empty for anonymous pipes
	readRef  uint32
	writeRef uint32

	blockedReaders sched.WaitQueue
	blockedWriters sched.WaitQueue
}

// Table is the global pipe table, a process-wide singleton.
type Table struct {
	lock   klock.SpinLock
	pipes  map[ID]*pipe
	names  map[string]ID
	nextID ID
	sched  *sched.Scheduler
}

func NewTable(s *sched.Scheduler) *Table {
	return &Table{pipes: make(map[ID]*pipe), names: make(map[string]ID), nextID: 1, sched: s}
}

// Create allocates a new pipe with one read and one write reference, the
// usual state right after a pipe() syscall before fork duplicates them.
func (tbl *Table) Create() ID {
	g := klock.Lock(&tbl.lock, cputime.CurrentCPU())
	defer g.Unlock()
	id := tbl.nextID
	tbl.nextID++
	tbl.pipes[id] = &pipe{readRef: 1, writeRef: 1}
	return id
}

// CreateNamed allocates a pipe registered under a name for sys_pipe_create;
// other processes reach it via OpenNamed. Returns ok=false if the name is
// already taken.
func (tbl *Table) CreateNamed(name string) (ID, bool) {
	g := klock.Lock(&tbl.lock, cputime.CurrentCPU())
	defer g.Unlock()
	if _, taken := tbl.names[name]; taken {
		return 0, false
	}
	id := tbl.nextID
	tbl.nextID++
	tbl.pipes[id] = &pipe{readRef: 1, writeRef: 1, name: name}
	tbl.names[name] = id
	return id, true
}

// OpenNamed looks a named pipe up for sys_pipe_open.
func (tbl *Table) OpenNamed(name string) (ID, bool) {
	g := klock.Lock(&tbl.lock, cputime.CurrentCPU())
	defer g.Unlock()
	id, ok := tbl.names[name]
	return id, ok
}

func (tbl *Table) get(id ID) (*pipe, bool) {
	g := klock.Lock(&tbl.lock, cputime.CurrentCPU())
	defer g.Unlock()
	p, ok := tbl.pipes[id]
	return p, ok
}

func (tbl *Table) destroyIfOrphaned(id ID, p *pipe) {
	pg := klock.Lock(&p.lock, cputime.CurrentCPU())
	orphaned := p.readRef == 0 && p.writeRef == 0
	pg.Unlock()
	if !orphaned {
		return
	}
	g := klock.Lock(&tbl.lock, cputime.CurrentCPU())
	delete(tbl.pipes, id)
	if p.name != "" {
		delete(tbl.names, p.name)
	}
	g.Unlock()
}

// IncrefRead/IncrefWrite duplicate a reference across a simulated fork.
func (tbl *Table) IncrefRead(id ID) {
	p, ok := tbl.get(id)
	if !ok {
		return
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	p.readRef++
	g.Unlock()
}

func (tbl *Table) IncrefWrite(id ID) {
	p, ok := tbl.get(id)
	if !ok {
		return
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	p.writeRef++
	g.Unlock()
}

// DecrefRead drops a read reference. When it reaches 0, blocked writers are
// woken (they'll observe EPIPE on their next write attempt).
func (tbl *Table) DecrefRead(id ID) {
	p, ok := tbl.get(id)
	if !ok {
		return
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	p.readRef--
	hitZero := p.readRef == 0
	g.Unlock()
	if hitZero {
		for _, tid := range p.blockedWriters.DrainAll() {
			tbl.sched.WakeThread(tid)
		}
	}
	tbl.destroyIfOrphaned(id, p)
}

// DecrefWrite drops a write reference. When it reaches 0, blocked readers
// are woken (they'll observe EOF).
func (tbl *Table) DecrefWrite(id ID) {
	p, ok := tbl.get(id)
	if !ok {
		return
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	p.writeRef--
	hitZero := p.writeRef == 0
	g.Unlock()
	if hitZero {
		for _, tid := range p.blockedReaders.DrainAll() {
			tbl.sched.WakeThread(tid)
		}
	}
	tbl.destroyIfOrphaned(id, p)
}

// BytesAvailable returns the number of unread bytes currently buffered.
func (tbl *Table) BytesAvailable(id ID) int {
	p, ok := tbl.get(id)
	if !ok {
		return 0
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return len(p.buf)
}

// IsWriteClosed reports whether the write end has been fully closed.
func (tbl *Table) IsWriteClosed(id ID) bool {
	p, ok := tbl.get(id)
	if !ok {
		return true
	}
	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	defer g.Unlock()
	return p.writeRef == 0
}

// Read drains up to len(out) bytes, blocking while the buffer is empty and
// the write end is still open. Returns 0 at EOF.
func (tbl *Table) Read(id ID, selfTID uint32, out []byte) uint32 {
	p, ok := tbl.get(id)
	if !ok {
		return 0
	}
	for {
		g := klock.Lock(&p.lock, cputime.CurrentCPU())
		if len(p.buf) > 0 {
			n := copy(out, p.buf)
			p.buf = p.buf[n:]
			g.Unlock()
			for _, tid := range p.blockedWriters.DrainAll() {
				tbl.sched.WakeThread(tid)
			}
			return uint32(n)
		}
		if p.writeRef == 0 {
			g.Unlock()
			return 0 // EOF
		}
		if p.blockedReaders.Len() >= maxBlockedPerSide {
			g.Unlock()
			return 0
		}
		// save-complete: record ourselves, drop the lock, then block.
		p.blockedReaders.Enqueue(selfTID)
		g.Unlock()
		res := sched.BlockCurrentThread(mustThread(tbl, selfTID))
		if res.Reason == sched.WokeBySignal {
			return 0
		}
	}
}

// Write delivers all of data, blocking while the buffer is full and the
// read end is still open. If the read end is already closed, it signals
// SIGPIPE to the caller and returns ErrSentinel immediately.
func (tbl *Table) Write(id ID, selfTID uint32, data []byte) uint32 {
	p, ok := tbl.get(id)
	if !ok {
		return ErrSentinel
	}

	g := klock.Lock(&p.lock, cputime.CurrentCPU())
	if p.readRef == 0 {
		g.Unlock()
		tbl.sched.SendSignalToThread(selfTID, sched.SIGPIPE)
		return ErrSentinel
	}
	g.Unlock()

	written := 0
	for written < len(data) {
		g := klock.Lock(&p.lock, cputime.CurrentCPU())
		if p.readRef == 0 {
			g.Unlock()
			tbl.sched.SendSignalToThread(selfTID, sched.SIGPIPE)
			return ErrSentinel
		}
		space := Capacity - len(p.buf)
		if space > 0 {
			n := space
			if remaining := len(data) - written; remaining < n {
				n = remaining
			}
			p.buf = append(p.buf, data[written:written+n]...)
			written += n
			g.Unlock()
			for _, tid := range p.blockedReaders.DrainAll() {
				tbl.sched.WakeThread(tid)
			}
			continue
		}
		if p.blockedWriters.Len() >= maxBlockedPerSide {
			g.Unlock()
			return uint32(written)
		}
		p.blockedWriters.Enqueue(selfTID)
		g.Unlock()
		res := sched.BlockCurrentThread(mustThread(tbl, selfTID))
		if res.Reason == sched.WokeBySignal {
			return uint32(written)
		}
	}
	return uint32(written)
}

func mustThread(tbl *Table, tid uint32) *sched.Thread {
	t, ok := tbl.sched.Lookup(tid)
	if !ok {
		panic("pipe: blocking on an unknown thread id")
	}
	return t
}
