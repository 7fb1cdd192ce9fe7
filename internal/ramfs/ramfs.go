// Package ramfs is the in-memory filesystem behind the sys_open family:
// a flat tree of directories and byte-backed files with the open-flag
// semantics the syscall table defines (O_WRITE, O_APPEND, O_CREATE,
// O_TRUNC).
//
// Built in the same shape as the rest of the kernel's tables: one map of
// nodes behind one IRQ-safe lock, no pointer graph.
package ramfs

import (
	"path"
	"strings"

	"anyos/internal/cputime"
	"anyos/internal/klock"
)

// Open flags.
const (
	OWrite  = 1
	OAppend = 2
	OCreate = 4
	OTrunc  = 8
)

// Stat is the metadata sys_stat reports.
type Stat struct {
	Size  uint64
	IsDir bool
	MTime uint64 // uptime ticks at last modification
}

type node struct {
	isDir bool
	data  []byte
	mtime uint64
}

// FS is one mounted in-memory filesystem. The zero value is not usable;
// call New.
type FS struct {
	lock  klock.SpinLock
	nodes map[string]*node
}

// New returns an FS containing only the root directory.
func New() *FS {
	return &FS{nodes: map[string]*node{"/": {isDir: true}}}
}

// clean canonicalizes a path; everything is rooted.
func clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func (fs *FS) parentExists(p string) bool {
	dir := path.Dir(p)
	n, ok := fs.nodes[dir]
	return ok && n.isDir
}

// Open resolves a path under the open-flag semantics, creating or
// truncating as requested. Returns ok=false when the path is missing
// without O_CREATE, names a directory, or has no parent directory.
func (fs *FS) Open(p string, flags uint32) bool {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()

	n, exists := fs.nodes[p]
	switch {
	case exists && n.isDir:
		return false
	case !exists:
		if flags&OCreate == 0 || !fs.parentExists(p) {
			return false
		}
		fs.nodes[p] = &node{mtime: cputime.Uptime()}
		return true
	}
	if flags&OTrunc != 0 {
		n.data = nil
		n.mtime = cputime.Uptime()
	}
	return true
}

// ReadAt copies file bytes starting at off. Returns n=0 at or past EOF.
func (fs *FS) ReadAt(p string, off uint64, out []byte) (int, bool) {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[p]
	if !ok || n.isDir {
		return 0, false
	}
	if off >= uint64(len(n.data)) {
		return 0, true
	}
	return copy(out, n.data[off:]), true
}

// WriteAt writes at off, extending the file with zeroes if off is past
// EOF. With OAppend in flags the offset is ignored and the write lands at
// the current end.
func (fs *FS) WriteAt(p string, off uint64, data []byte, flags uint32) (int, bool) {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[p]
	if !ok || n.isDir {
		return 0, false
	}
	if flags&OAppend != 0 {
		off = uint64(len(n.data))
	}
	if end := off + uint64(len(data)); end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], data)
	n.mtime = cputime.Uptime()
	return len(data), true
}

// Stat reports a node's metadata.
func (fs *FS) Stat(p string) (Stat, bool) {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[p]
	if !ok {
		return Stat{}, false
	}
	return Stat{Size: uint64(len(n.data)), IsDir: n.isDir, MTime: n.mtime}, true
}

// Mkdir creates a directory. The parent must exist; creating an existing
// path fails.
func (fs *FS) Mkdir(p string) bool {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	if _, exists := fs.nodes[p]; exists || !fs.parentExists(p) {
		return false
	}
	fs.nodes[p] = &node{isDir: true, mtime: cputime.Uptime()}
	return true
}

// Unlink removes a file, or an empty directory.
func (fs *FS) Unlink(p string) bool {
	p = clean(p)
	if p == "/" {
		return false
	}
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[p]
	if !ok {
		return false
	}
	if n.isDir && fs.hasChildren(p) {
		return false
	}
	delete(fs.nodes, p)
	return true
}

func (fs *FS) hasChildren(dir string) bool {
	prefix := dir + "/"
	for p := range fs.nodes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Rename moves a file or directory subtree. The destination's parent
// must exist; an existing destination file is replaced, matching the
// usual rename contract.
func (fs *FS) Rename(from, to string) bool {
	from, to = clean(from), clean(to)
	if from == "/" || to == "/" || from == to {
		return false
	}
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[from]
	if !ok || !fs.parentExists(to) {
		return false
	}
	if dst, exists := fs.nodes[to]; exists && dst.isDir {
		return false
	}
	fs.nodes[to] = n
	delete(fs.nodes, from)
	if n.isDir {
		prefix := from + "/"
		for p, child := range fs.nodes {
			if strings.HasPrefix(p, prefix) {
				fs.nodes[to+"/"+strings.TrimPrefix(p, prefix)] = child
				delete(fs.nodes, p)
			}
		}
	}
	n.mtime = cputime.Uptime()
	return true
}

// Truncate resizes a file, zero-filling on growth.
func (fs *FS) Truncate(p string, size uint64) bool {
	p = clean(p)
	g := klock.Lock(&fs.lock, cputime.CurrentCPU())
	defer g.Unlock()
	n, ok := fs.nodes[p]
	if !ok || n.isDir {
		return false
	}
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	n.mtime = cputime.Uptime()
	return true
}

// Size returns a file's current length.
func (fs *FS) Size(p string) (uint64, bool) {
	st, ok := fs.Stat(p)
	if !ok || st.IsDir {
		return 0, false
	}
	return st.Size, true
}
