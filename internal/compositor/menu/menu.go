// Package menu implements the compositor's menubar and dropdown
// sub-module: a single menubar layer, per-window menu registration,
// dropdown layout/hit-testing, hover tracking, a status-icon tray, and
// the built-in system menu.
//
// Dropdowns measure every label, take the max width against a floor, and
// lay items out vertically with per-item hit rectangles. Label-width
// measurement goes through a font.Face, since no TTF asset travels with
// this module; chrome (rounded background, border, hover highlight) is
// drawn with gg.
package menu

import (
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"anyos/internal/compositor"
)

const (
	MenuBarHeight   = 24
	systemMenuWidth = 40
	itemHeight      = 22
	separatorHeight = 9
	dropdownPadding = 6
)

// Menu item flags.
const (
	FlagSeparator uint32 = 1 << iota
	FlagDisabled
)

// Item is one dropdown entry.
type Item struct {
	ItemID uint32
	Flags  uint32
	Label  string
}

func (i Item) isSeparator() bool { return i.Flags&FlagSeparator != 0 }
func (i Item) isDisabled() bool  { return i.Flags&FlagDisabled != 0 }

// Menu is one top-level title + its dropdown contents.
type Menu struct {
	Title string
	Items []Item
}

// Def is a window's full menu registration.
type Def struct {
	WindowID uint32
	Menus    []Menu
}

// System menu item ids, fixed for the built-in dropdown.
const (
	SysMenuAbout = iota + 1
	SysMenuSettings
	SysMenuLogout
	SysMenuSleep
	SysMenuRestart
	SysMenuShutdown
)

// systemMenuIdx is the sentinel menu index marking "this dropdown is the
// system menu, not a registered window menu".
const systemMenuIdx = ^uint32(0)

func systemMenuItems() []Item {
	return []Item{
		{ItemID: SysMenuAbout, Label: "About anyOS"},
		{Flags: FlagSeparator},
		{ItemID: SysMenuSettings, Label: "System Settings..."},
		{Flags: FlagSeparator},
		{ItemID: SysMenuLogout, Label: "Log Out"},
		{Flags: FlagSeparator},
		{ItemID: SysMenuSleep, Label: "Sleep"},
		{ItemID: SysMenuRestart, Label: "Restart"},
		{ItemID: SysMenuShutdown, Label: "Shut Down"},
	}
}

type titleLayout struct {
	menuIdx int
	x       int32
	width   uint32
}

type openDropdown struct {
	menuIdx       uint32 // systemMenuIdx for the system menu
	ownerWindowID uint32
	layerID       compositor.LayerID
	x, y          int32
	width, height uint32
	hoverIdx      int // -1 == none
	itemsY        []int32
	items         []Item
}

// Bar owns the menubar layer, per-window registrations, and the (at most
// one) open dropdown.
type Bar struct {
	comp *compositor.Compositor
	face font.Face

	defs          map[uint32]Def // by window id
	titleLayouts  []titleLayout
	activeWindow  uint32

	open *openDropdown

	statusIcons []statusIcon
}

type statusIcon struct {
	ownerTID uint32
	iconID   uint32
	x        int32
	pixels   []compositor.Pixel
}

// New creates a Bar bound to a compositor. face is the glyph metrics
// source for label widths; basicfont.Face7x13 is used when nil, giving a
// real, always-available font.Face without needing a bundled TTF.
func New(comp *compositor.Compositor, face font.Face) *Bar {
	if face == nil {
		face = basicfont.Face7x13
	}
	return &Bar{comp: comp, defs: make(map[uint32]Def), face: face}
}

// RegisterMenus installs (or replaces) a window's menu definition.
func (b *Bar) RegisterMenus(def Def) {
	b.defs[def.WindowID] = def
}

// SetActiveWindow switches which window's menu titles the menubar shows;
// only the focused window's menus are laid out across the bar at any
// time.
func (b *Bar) SetActiveWindow(windowID uint32) {
	b.activeWindow = windowID
	b.layoutTitles()
}

func (b *Bar) activeDef() (Def, bool) {
	d, ok := b.defs[b.activeWindow]
	return d, ok
}

func (b *Bar) measure(s string) uint32 {
	w := font.MeasureString(b.face, s)
	return uint32(w >> 6) // fixed.Int26_6 -> pixels
}

func (b *Bar) layoutTitles() {
	def, ok := b.activeDef()
	b.titleLayouts = b.titleLayouts[:0]
	if !ok {
		return
	}
	x := int32(systemMenuWidth)
	for i, m := range def.Menus {
		w := b.measure(m.Title) + 24
		b.titleLayouts = append(b.titleLayouts, titleLayout{menuIdx: i, x: x, width: w})
		x += int32(w)
	}
}

// HitTarget is the result of HitTestMenuBar.
type HitTarget int

const (
	HitNone HitTarget = iota
	HitSystemMenu
	HitMenuTitle
	HitStatusIcon
)

// HitTestMenuBar maps a menubar click to a target: status icons first,
// then the system-menu logo area, then menu titles.
func (b *Bar) HitTestMenuBar(mx, my int32) (target HitTarget, menuIdx int, ownerTID, iconID uint32) {
	if my < 0 || my >= MenuBarHeight {
		return HitNone, 0, 0, 0
	}
	for _, icon := range b.statusIcons {
		iy := int32((MenuBarHeight - 16) / 2)
		if mx >= icon.x && mx < icon.x+16 && my >= iy && my < iy+16 {
			return HitStatusIcon, 0, icon.ownerTID, icon.iconID
		}
	}
	if mx < systemMenuWidth {
		return HitSystemMenu, 0, 0, 0
	}
	for _, l := range b.titleLayouts {
		if mx >= l.x && mx < l.x+int32(l.width) {
			return HitMenuTitle, l.menuIdx, 0, 0
		}
	}
	return HitNone, 0, 0, 0
}

// OpenMenu opens the dropdown for a registered window menu title:
// measures every non-separator label, computes the max width with a
// 120px floor, lays items out vertically, and creates a compositor layer
// for the dropdown.
func (b *Bar) OpenMenu(menuIdx int) (compositor.LayerID, bool) {
	b.CloseDropdown()
	def, ok := b.activeDef()
	if !ok || menuIdx < 0 || menuIdx >= len(def.Menus) {
		return 0, false
	}
	m := def.Menus[menuIdx]
	var layout titleLayout
	found := false
	for _, l := range b.titleLayouts {
		if l.menuIdx == menuIdx {
			layout, found = l, true
			break
		}
	}
	if !found {
		return 0, false
	}
	return b.openDropdownAt(uint32(menuIdx), def.WindowID, layout.x, m.Items, 120), true
}

// OpenSystemMenu opens the built-in logo dropdown at the leftmost edge
// of the bar.
func (b *Bar) OpenSystemMenu() compositor.LayerID {
	b.CloseDropdown()
	return b.openDropdownAt(systemMenuIdx, 0, 0, systemMenuItems(), 180)
}

func (b *Bar) openDropdownAt(menuIdx uint32, ownerWindowID uint32, x int32, items []Item, minWidth uint32) compositor.LayerID {
	maxW := uint32(0)
	totalH := int32(dropdownPadding)
	itemsY := make([]int32, len(items))
	for i, it := range items {
		itemsY[i] = totalH
		if it.isSeparator() {
			totalH += separatorHeight
			continue
		}
		w := b.measure(it.Label) + 40 // label + padding + checkmark space
		if w > maxW {
			maxW = w
		}
		totalH += itemHeight
	}
	totalH += dropdownPadding
	width := maxW
	if width < minWidth {
		width = minWidth
	}
	width += dropdownPadding * 2
	height := uint32(totalH)

	y := int32(MenuBarHeight + 1)
	layerID := b.comp.AddLayer(x, y, width, height, false)
	b.comp.RaiseLayer(layerID)

	b.open = &openDropdown{
		menuIdx: menuIdx, ownerWindowID: ownerWindowID, layerID: layerID,
		x: x, y: y, width: width, height: height,
		hoverIdx: -1, itemsY: itemsY, items: items,
	}
	b.render()
	return layerID
}

// CloseDropdown removes the open dropdown's layer, if any.
func (b *Bar) CloseDropdown() {
	if b.open == nil {
		return
	}
	b.comp.DestroyLayer(b.open.layerID)
	b.open = nil
}

func (b *Bar) IsDropdownOpen() bool { return b.open != nil }

// UpdateHover tracks the row under the cursor, returning true if a
// redraw is needed.
func (b *Bar) UpdateHover(mx, my int32) bool {
	if b.open == nil {
		return false
	}
	if mx < b.open.x || mx >= b.open.x+int32(b.open.width) || my < b.open.y || my >= b.open.y+int32(b.open.height) {
		if b.open.hoverIdx != -1 {
			b.open.hoverIdx = -1
			b.render()
			return true
		}
		return false
	}
	localY := my - b.open.y
	newHover := -1
	for i, iy := range b.open.itemsY {
		h := int32(itemHeight)
		if b.open.items[i].isSeparator() {
			h = separatorHeight
		}
		if localY >= iy && localY < iy+h {
			newHover = i
			break
		}
	}
	if newHover != b.open.hoverIdx {
		b.open.hoverIdx = newHover
		b.render()
		return true
	}
	return false
}

// HitTestDropdown maps a click inside the open dropdown to an item id;
// returns ok=false for separators, disabled items, or clicks outside the
// dropdown.
func (b *Bar) HitTestDropdown(mx, my int32) (itemID uint32, ok bool) {
	if b.open == nil {
		return 0, false
	}
	if mx < b.open.x || mx >= b.open.x+int32(b.open.width) || my < b.open.y || my >= b.open.y+int32(b.open.height) {
		return 0, false
	}
	localY := my - b.open.y
	for i, iy := range b.open.itemsY {
		item := b.open.items[i]
		h := int32(itemHeight)
		if item.isSeparator() {
			h = separatorHeight
		}
		if localY >= iy && localY < iy+h {
			if item.isSeparator() || item.isDisabled() {
				return 0, false
			}
			return item.ItemID, true
		}
	}
	return 0, false
}

// neutral desktop-chrome palette.
var (
	colorDropdownBG     = color.RGBA{0xEC, 0xEC, 0xEC, 0xF2}
	colorDropdownBorder = color.RGBA{0x80, 0x80, 0x80, 0xFF}
	colorHoverBG        = color.RGBA{0x30, 0x60, 0xC0, 0xFF}
	colorText           = color.RGBA{0x20, 0x20, 0x20, 0xFF}
	colorTextHover      = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	colorDisabledText   = color.RGBA{0xA0, 0xA0, 0xA0, 0xFF}
	colorSeparator      = color.RGBA{0xC8, 0xC8, 0xC8, 0xFF}
)

// render draws the open dropdown's chrome and items into its layer
// pixels: rounded background + border via gg, per-row hover highlight,
// separator lines.
func (b *Bar) render() {
	dd := b.open
	if dd == nil {
		return
	}
	pixels, ok := b.comp.LayerPixels(dd.layerID)
	if !ok {
		return
	}

	ctx := gg.NewContext(int(dd.width), int(dd.height))
	ctx.SetFontFace(b.face)
	ctx.SetColor(colorDropdownBG)
	ctx.DrawRoundedRectangle(0.5, 0.5, float64(dd.width)-1, float64(dd.height)-1, 6)
	ctx.Fill()
	ctx.SetColor(colorDropdownBorder)
	ctx.SetLineWidth(1)
	ctx.DrawRoundedRectangle(0.5, 0.5, float64(dd.width)-1, float64(dd.height)-1, 6)
	ctx.Stroke()

	for i, item := range dd.items {
		iy := float64(dd.itemsY[i])
		if item.isSeparator() {
			lineY := iy + separatorHeight/2
			ctx.SetColor(colorSeparator)
			ctx.DrawLine(8, lineY, float64(dd.width)-8, lineY)
			ctx.Stroke()
			continue
		}
		if i == dd.hoverIdx && !item.isDisabled() {
			ctx.SetColor(colorHoverBG)
			ctx.DrawRectangle(4, iy, float64(dd.width)-8, itemHeight)
			ctx.Fill()
		}
		textColor := colorText
		switch {
		case item.isDisabled():
			textColor = colorDisabledText
		case i == dd.hoverIdx:
			textColor = colorTextHover
		}
		ctx.SetColor(textColor)
		_, th := ctx.MeasureString(item.Label)
		ctx.DrawString(item.Label, 16, iy+(itemHeight+th)/2-2)
	}

	rgba := ctx.Image()
	for y := 0; y < int(dd.height); y++ {
		for x := 0; x < int(dd.width); x++ {
			r, g, bb, a := rgba.At(x, y).RGBA()
			pixels[y*int(dd.width)+x] = compositor.Pixel(a>>8)<<24 | compositor.Pixel(r>>8)<<16 | compositor.Pixel(g>>8)<<8 | compositor.Pixel(bb>>8)
		}
	}
	b.comp.MarkLayerDirty(dd.layerID)
}

// RegisterStatusIcon adds a tray icon (16x16 ARGB) to the rightmost
// menubar region. Each client may register at most one icon.
func (b *Bar) RegisterStatusIcon(ownerTID, iconID uint32, pixels []compositor.Pixel) {
	for _, ic := range b.statusIcons {
		if ic.ownerTID == ownerTID {
			return // one icon per client
		}
	}
	screenW, _ := b.comp.ScreenSize()
	x := int32(screenW) - 24 - 20*int32(len(b.statusIcons))
	b.statusIcons = append(b.statusIcons, statusIcon{ownerTID: ownerTID, iconID: iconID, x: x, pixels: pixels})
}
