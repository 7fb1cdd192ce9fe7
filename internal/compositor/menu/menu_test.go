package menu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anyos/internal/compositor"
)

type fakeFront struct{ w, h uint32 }

func (f *fakeFront) Width() uint32  { return f.w }
func (f *fakeFront) Height() uint32 { return f.h }
func (f *fakeFront) Blit(compositor.Rect, []compositor.Pixel) bool { return true }

func newTestBar(t *testing.T) *Bar {
	t.Helper()
	comp := compositor.New(&fakeFront{w: 1024, h: 768})
	return New(comp, nil)
}

func TestOpenMenuLaysOutItemsWithMinimumWidth(t *testing.T) {
	b := newTestBar(t)
	b.RegisterMenus(Def{WindowID: 1, Menus: []Menu{
		{Title: "File", Items: []Item{{ItemID: 1, Label: "New"}, {ItemID: 2, Label: "Open"}}},
	}})
	b.SetActiveWindow(1)

	layerID, ok := b.OpenMenu(0)
	require.True(t, ok)
	require.NotZero(t, layerID)
	require.True(t, b.IsDropdownOpen())
	// "Open" is 28px wide in the 7px basicfont face, plus 40px of item
	// padding: below the 120px floor, so the floor plus side padding wins.
	require.EqualValues(t, 120+2*dropdownPadding, b.open.width)
	require.Equal(t, []int32{dropdownPadding, dropdownPadding + itemHeight}, b.open.itemsY)
}

func TestHitTestDropdownSkipsSeparatorsAndDisabled(t *testing.T) {
	b := newTestBar(t)
	b.RegisterMenus(Def{WindowID: 1, Menus: []Menu{
		{Title: "Edit", Items: []Item{
			{ItemID: 10, Label: "Cut"},
			{Flags: FlagSeparator},
			{ItemID: 11, Label: "Paste", Flags: FlagDisabled},
		}},
	}})
	b.SetActiveWindow(1)
	b.OpenMenu(0)

	ddY := b.open.y
	id, ok := b.HitTestDropdown(b.open.x+20, ddY+dropdownPadding+5)
	require.True(t, ok)
	require.Equal(t, uint32(10), id)

	_, ok = b.HitTestDropdown(b.open.x+20, ddY+dropdownPadding+itemHeight+3)
	require.False(t, ok, "separator must not be hit-testable")

	_, ok = b.HitTestDropdown(b.open.x+20, ddY+dropdownPadding+itemHeight+separatorHeight+5)
	require.False(t, ok, "disabled item must not be hit-testable")
}

func TestOpenSystemMenuUsesFixedItemSet(t *testing.T) {
	b := newTestBar(t)
	layerID := b.OpenSystemMenu()
	require.NotZero(t, layerID)
	require.True(t, b.IsDropdownOpen())
	require.Equal(t, systemMenuIdx, b.open.menuIdx)
	require.Len(t, b.open.items, len(systemMenuItems()))
}

func TestUpdateHoverReportsChangeOnly(t *testing.T) {
	b := newTestBar(t)
	b.RegisterMenus(Def{WindowID: 1, Menus: []Menu{
		{Title: "File", Items: []Item{{ItemID: 1, Label: "New"}, {ItemID: 2, Label: "Open"}}},
	}})
	b.SetActiveWindow(1)
	b.OpenMenu(0)

	ddY := b.open.y
	changed := b.UpdateHover(b.open.x+20, ddY+dropdownPadding+5)
	require.True(t, changed)
	changed = b.UpdateHover(b.open.x+20, ddY+dropdownPadding+5)
	require.False(t, changed, "hovering the same row again should not report a change")
}

func TestStatusIconRegistrationAndHitTest(t *testing.T) {
	b := newTestBar(t)
	b.RegisterStatusIcon(42, 7, make([]compositor.Pixel, 16*16))
	b.RegisterStatusIcon(42, 8, nil) // one icon per client: second registration ignored

	// 1024-wide screen: first icon sits at x=1000
	target, _, ownerTID, iconID := b.HitTestMenuBar(1002, 8)
	require.Equal(t, HitStatusIcon, target)
	require.EqualValues(t, 42, ownerTID)
	require.EqualValues(t, 7, iconID)
}

func TestHitTestMenuBarFindsSystemMenuAndTitles(t *testing.T) {
	b := newTestBar(t)
	b.RegisterMenus(Def{WindowID: 1, Menus: []Menu{{Title: "File", Items: []Item{{ItemID: 1, Label: "New"}}}}})
	b.SetActiveWindow(1)

	target, _, _, _ := b.HitTestMenuBar(5, 5)
	require.Equal(t, HitSystemMenu, target)

	target, menuIdx, _, _ := b.HitTestMenuBar(systemMenuWidth+5, 5)
	require.Equal(t, HitMenuTitle, target)
	require.Equal(t, 0, menuIdx)
}
