// Package compositor implements the display compositor: layered
// surfaces, damage tracking, z-order recomposition, and hardware vs.
// software cursor paths.
//
// The compositor owns every on-screen pixel. Clients draw into their own
// layers and mark them dirty; composition happens per damage rectangle,
// back to front, and only damaged regions reach the front buffer.
package compositor

import (
	"anyos/internal/cputime"
	"anyos/internal/klock"
	"anyos/internal/klog"
)

var log = klog.Tag("compositor")

// Rect is an axis-aligned pixel rectangle.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

func (r Rect) Right() int32  { return r.X + int32(r.Width) }
func (r Rect) Bottom() int32 { return r.Y + int32(r.Height) }

func (r Rect) Empty() bool { return r.Width == 0 || r.Height == 0 }

// Intersect returns the overlapping sub-rectangle of r and o, or an empty
// Rect if they don't overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max32(r.X, o.X)
	y0 := max32(r.Y, o.Y)
	x1 := min32(r.Right(), o.Right())
	y1 := min32(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: uint32(x1 - x0), Height: uint32(y1 - y0)}
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// Pixel is ARGB8888, matching the wire format VirtIO-GPU and SVGA both
// expect for 32bpp surfaces.
type Pixel = uint32

// LayerID identifies a compositor layer.
type LayerID uint32

// Layer is one client-owned surface.
type Layer struct {
	ID            LayerID
	Bounds        Rect
	Pixels        []Pixel // row-major, len == Width*Height
	AlwaysOnTop   bool
	Opaque        bool
	Visible       bool
	OwnerTID      uint32
	dirty         []Rect
}

func (l *Layer) pixelAt(x, y int32) Pixel {
	lx := x - l.Bounds.X
	ly := y - l.Bounds.Y
	return l.Pixels[ly*int32(l.Bounds.Width)+lx]
}

// Compositor owns every layer and the back/front buffers.
type Compositor struct {
	lock klock.SpinLock

	layers   map[LayerID]*Layer
	zOrder   []LayerID // front to back: index 0 composites in front
	nextID   LayerID

	screenW, screenH uint32
	back             []Pixel
	front            FrontBuffer

	damage []Rect

	cursor Cursor
}

// FrontBuffer is the presentation target: the GPU-owned scanout resource
// or a plain framebuffer. Each implementation picks its accelerated path
// or a plain copy itself; Compositor has no fallback path of its own.
type FrontBuffer interface {
	Width() uint32
	Height() uint32
	// Blit copies src (one row-major ARGB8888 rectangle of size r) into the
	// front buffer at r's position. Returns false if the copy did not reach
	// the front buffer; Compositor calls Blit once per presented rectangle
	// and neither checks the result nor retries.
	Blit(r Rect, src []Pixel) bool
}

func New(front FrontBuffer) *Compositor {
	w, h := front.Width(), front.Height()
	return &Compositor{
		layers:  make(map[LayerID]*Layer),
		nextID:  1,
		screenW: w,
		screenH: h,
		back:    make([]Pixel, w*h),
		front:   front,
	}
}

// AddLayer creates a new layer and returns its id.
func (c *Compositor) AddLayer(x, y int32, w, h uint32, alwaysOnTop bool) LayerID {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	id := c.nextID
	c.nextID++
	l := &Layer{
		ID:          id,
		Bounds:      Rect{X: x, Y: y, Width: w, Height: h},
		Pixels:      make([]Pixel, w*h),
		AlwaysOnTop: alwaysOnTop,
		Opaque:      true,
		Visible:     true,
	}
	c.layers[id] = l
	// New layers composite in front of everything existing; zOrder is
	// front to back, so the front slot is index 0.
	c.zOrder = append([]LayerID{id}, c.zOrder...)
	c.addDamageLocked(l.Bounds)
	return id
}

// RaiseLayer moves a layer to the front of the z-order (index 0).
func (c *Compositor) RaiseLayer(id LayerID) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	for i, z := range c.zOrder {
		if z == id {
			c.zOrder = append(c.zOrder[:i], c.zOrder[i+1:]...)
			break
		}
	}
	c.zOrder = append([]LayerID{id}, c.zOrder...)
}

// MoveLayer repositions a layer and marks both its old and new bounds
// damaged.
func (c *Compositor) MoveLayer(id LayerID, x, y int32) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return
	}
	old := l.Bounds
	l.Bounds.X, l.Bounds.Y = x, y
	c.addDamageLocked(old)
	c.addDamageLocked(l.Bounds)
}

// ResizeLayer changes a layer's dimensions, reallocating its pixel
// buffer. Old contents are not preserved; the client redraws after
// resize.
func (c *Compositor) ResizeLayer(id LayerID, w, h uint32) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return
	}
	old := l.Bounds
	l.Bounds.Width, l.Bounds.Height = w, h
	l.Pixels = make([]Pixel, w*h)
	c.addDamageLocked(old)
	c.addDamageLocked(l.Bounds)
}

// DestroyLayer removes a layer and damages the area it occupied.
//
// TODO: a client that destroys and immediately recreates a layer to resize
// it (e.g. a screenshot tool re-framing its capture window) has no way to
// learn the new LayerID before the old one is gone. A real fix needs
// either an in-place resize-with-move op or a destroy-then-create reply
// that round-trips a client-chosen handle.
func (c *Compositor) DestroyLayer(id LayerID) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return
	}
	delete(c.layers, id)
	for i, z := range c.zOrder {
		if z == id {
			c.zOrder = append(c.zOrder[:i], c.zOrder[i+1:]...)
			break
		}
	}
	c.addDamageLocked(l.Bounds)
}

// LayerPixels exposes a layer's backing buffer for direct client writes;
// the caller must call MarkLayerDirty afterward.
func (c *Compositor) LayerPixels(id LayerID) ([]Pixel, bool) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return nil, false
	}
	return l.Pixels, true
}

// MarkLayerDirty records that a layer's pixels changed, damaging its
// current bounds.
func (c *Compositor) MarkLayerDirty(id LayerID) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return
	}
	c.addDamageLocked(l.Bounds)
}

// AddDamage appends a caller-specified damage rectangle.
func (c *Compositor) AddDamage(r Rect) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	defer g.Unlock()
	c.addDamageLocked(r)
}

func (c *Compositor) addDamageLocked(r Rect) {
	if r.Empty() {
		return
	}
	c.damage = append(c.damage, r)
}

// Flush recomposites every damaged rectangle back-to-front across
// visible layers, then presents the damaged region. Returns the set of
// rectangles actually repainted, for test assertions about damage
// minimality.
func (c *Compositor) Flush() []Rect {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	damage := c.damage
	c.damage = nil
	zorder := append([]LayerID(nil), c.zOrder...)
	screen := Rect{Width: c.screenW, Height: c.screenH}
	g.Unlock()

	painted := make([]Rect, 0, len(damage))
	for _, d := range damage {
		d = d.Intersect(screen)
		if d.Empty() {
			continue
		}
		c.compositeRegion(d, zorder)
		painted = append(painted, d)
	}

	if c.cursor.active {
		painted = c.compositeCursor(painted)
	}

	for _, d := range painted {
		c.present(d)
	}
	return painted
}

// compositeRegion blits every visible layer intersecting d into the back
// buffer, painting back to front (high index first) so the front-most
// layer's pixels land last. The occlusion cull walks from the front: the
// first opaque layer fully covering d hides everything behind it, so
// painting starts there.
func (c *Compositor) compositeRegion(d Rect, zorder []LayerID) {
	start := len(zorder) - 1
	for i, id := range zorder {
		l, ok := c.layers[id]
		if !ok || !l.Visible {
			continue
		}
		if l.Opaque && d.Intersect(l.Bounds) == d {
			start = i
			break
		}
	}
	for i := start; i >= 0; i-- {
		l, ok := c.layers[zorder[i]]
		if !ok || !l.Visible {
			continue
		}
		sub := d.Intersect(l.Bounds)
		if sub.Empty() {
			continue
		}
		for y := sub.Y; y < sub.Bottom(); y++ {
			for x := sub.X; x < sub.Right(); x++ {
				c.back[y*int32(c.screenW)+x] = l.pixelAt(x, y)
			}
		}
	}
}

// present copies the damaged region to the front buffer. FrontBuffer.Blit
// is expected to use hardware rect-copy acceleration when available and
// fall back to a plain memcpy otherwise; either way, the region to copy
// is identical, so there is only one call site here.
func (c *Compositor) present(d Rect) {
	c.front.Blit(d, c.backRegion(d))
}

func (c *Compositor) backRegion(d Rect) []Pixel {
	out := make([]Pixel, 0, int(d.Width)*int(d.Height))
	for y := d.Y; y < d.Bottom(); y++ {
		row := c.back[y*int32(c.screenW)+d.X : y*int32(c.screenW)+d.Right()]
		out = append(out, row...)
	}
	return out
}

// ScreenSize returns the compositor's display dimensions.
func (c *Compositor) ScreenSize() (uint32, uint32) { return c.screenW, c.screenH }
