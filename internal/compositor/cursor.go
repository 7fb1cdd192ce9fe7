package compositor

import (
	"anyos/internal/cputime"
	"anyos/internal/klock"
)

// Cursor shapes and hotspot metadata: a fixed-size software-cursor
// bitmap plus hardware-cursor ARGB8888 shapes sharing the same
// outline/fill/transparent palette.

const (
	cursorW = 12
	cursorH = 18
)

// cursorBitmap uses 0=transparent, 1=white fill, 2=black outline,
// converted to ARGB8888 on demand.
var cursorBitmap = [cursorW * cursorH]byte{
	2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	2, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	2, 1, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	2, 1, 1, 2, 0, 0, 0, 0, 0, 0, 0, 0,
	2, 1, 1, 1, 2, 0, 0, 0, 0, 0, 0, 0,
	2, 1, 1, 1, 1, 2, 0, 0, 0, 0, 0, 0,
	2, 1, 1, 1, 1, 1, 2, 0, 0, 0, 0, 0,
	2, 1, 1, 1, 1, 1, 1, 2, 0, 0, 0, 0,
	2, 1, 1, 1, 1, 1, 1, 1, 2, 0, 0, 0,
	2, 1, 1, 1, 1, 1, 1, 1, 1, 2, 0, 0,
	2, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 0,
	2, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 0,
	2, 1, 1, 1, 1, 2, 0, 0, 0, 0, 0, 0,
	2, 1, 1, 2, 1, 1, 2, 0, 0, 0, 0, 0,
	2, 1, 2, 0, 2, 1, 1, 2, 0, 0, 0, 0,
	2, 2, 0, 0, 2, 1, 1, 2, 0, 0, 0, 0,
	2, 0, 0, 0, 0, 2, 1, 2, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 2, 2, 2, 0, 0, 0, 0,
}

const (
	pixWhite       Pixel = 0xFFFFFFFF
	pixBlack       Pixel = 0xFF000000
	pixTransparent Pixel = 0x00000000
)

// ArrowCursor converts the shared bitmap into ARGB8888 pixels.
func ArrowCursor() (pixels []Pixel, w, h, hotX, hotY uint32) {
	pixels = make([]Pixel, cursorW*cursorH)
	for i, v := range cursorBitmap {
		switch v {
		case 1:
			pixels[i] = pixWhite
		case 2:
			pixels[i] = pixBlack
		default:
			pixels[i] = pixTransparent
		}
	}
	return pixels, cursorW, cursorH, 0, 0
}

// Cursor holds the compositor's cursor state: either a hardware cursor
// (cheap register writes per move) or a software-composited overlay that
// must save/restore background pixels each frame.
type Cursor struct {
	active bool
	hw     bool
	x, y   int32
	hotX   int32
	hotY   int32
	w, h   uint32
	pixels []Pixel

	savedBG   []Pixel
	savedAt   Rect
	haveSaved bool

	hwSink HWCursorSink
}

// HWCursorSink is the device-side interface a hardware cursor path
// writes through (e.g. VMware SVGA's DefineCursor/cursor registers).
type HWCursorSink interface {
	DefineCursor(w, h, hotX, hotY uint32, pixels []Pixel)
	SetCursorPosition(x, y int32)
	SetCursorVisible(visible bool)
}

// DefineHWCursor uploads a cursor bitmap to the hardware path.
// Re-asserts position afterward, since some backends briefly hide the
// cursor on redefine; a shape change must look atomic to the observer.
func (c *Compositor) DefineHWCursor(sink HWCursorSink, w, h, hotX, hotY uint32, pixels []Pixel) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	c.cursor.hwSink = sink
	c.cursor.w, c.cursor.h = w, h
	c.cursor.hotX, c.cursor.hotY = int32(hotX), int32(hotY)
	c.cursor.pixels = pixels
	x, y := c.cursor.x, c.cursor.y
	g.Unlock()

	sink.DefineCursor(w, h, hotX, hotY, pixels)
	sink.SetCursorPosition(x-int32(hotX), y-int32(hotY))
}

// EnableHWCursor switches the compositor onto the hardware cursor path,
// damaging the area the software cursor previously occupied so it's
// cleanly erased.
func (c *Compositor) EnableHWCursor() {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	c.cursor.active = true
	c.cursor.hw = true
	if c.cursor.haveSaved {
		c.addDamageLocked(c.cursor.savedAt)
		c.cursor.haveSaved = false
	}
	sink := c.cursor.hwSink
	g.Unlock()
	if sink != nil {
		sink.SetCursorVisible(true)
	}
}

// EnableSoftwareCursor switches to the deferred-overlay compositing path.
func (c *Compositor) EnableSoftwareCursor() {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	c.cursor.active = true
	c.cursor.hw = false
	if c.cursor.pixels == nil {
		pixels, w, h, hx, hy := ArrowCursor()
		c.cursor.pixels, c.cursor.w, c.cursor.h = pixels, w, h
		c.cursor.hotX, c.cursor.hotY = int32(hx), int32(hy)
	}
	sink := c.cursor.hwSink
	g.Unlock()
	if sink != nil {
		sink.SetCursorVisible(false)
	}
}

// MoveCursor repositions the cursor: a cheap register write on the
// hardware path. On the software path this just
// updates the tracked position; actual repaint happens on the next
// Flush.
func (c *Compositor) MoveCursor(x, y int32) {
	g := klock.Lock(&c.lock, cputime.CurrentCPU())
	c.cursor.x, c.cursor.y = x, y
	hw := c.cursor.hw
	sink := c.cursor.hwSink
	hotX, hotY := c.cursor.hotX, c.cursor.hotY
	g.Unlock()
	if hw && sink != nil {
		sink.SetCursorPosition(x-hotX, y-hotY)
	}
}

// compositeCursor implements the software-cursor overlay step: restore
// the previously saved background, save the new
// region under the cursor, draw the cursor bitmap into the back buffer,
// and damage both the old and new cursor rectangles so present() picks
// them up.
func (c *Compositor) compositeCursor(painted []Rect) []Rect {
	if c.cursor.hw {
		return painted
	}

	screen := Rect{Width: c.screenW, Height: c.screenH}
	newRect := Rect{
		X: c.cursor.x - c.cursor.hotX, Y: c.cursor.y - c.cursor.hotY,
		Width: c.cursor.w, Height: c.cursor.h,
	}.Intersect(screen)

	if c.cursor.haveSaved {
		c.restoreRegion(c.cursor.savedAt)
		painted = append(painted, c.cursor.savedAt)
	}

	if !newRect.Empty() {
		c.cursor.savedBG = c.backRegion(newRect)
		c.cursor.savedAt = newRect
		c.cursor.haveSaved = true

		for row := int32(0); row < int32(newRect.Height); row++ {
			for col := int32(0); col < int32(newRect.Width); col++ {
				px := c.cursor.pixels[row*int32(c.cursor.w)+col]
				if px>>24 == 0 { // fully transparent
					continue
				}
				c.back[(newRect.Y+row)*int32(c.screenW)+newRect.X+col] = px
			}
		}
		painted = append(painted, newRect)
	}
	return painted
}

func (c *Compositor) restoreRegion(r Rect) {
	i := 0
	for y := r.Y; y < r.Bottom(); y++ {
		for x := r.X; x < r.Right(); x++ {
			c.back[y*int32(c.screenW)+x] = c.cursor.savedBG[i]
			i++
		}
	}
}
