// Package bootcfg loads the boot-time configuration the bootloader hands
// the kernel: an E820-style (x86) or RAM base/size (AArch64) memory map,
// the kernel's own loaded physical range, and an optional framebuffer
// descriptor.
//
// On real hardware this arrives pre-parsed out of DTB/ATAG decoding or a
// platform layout baked in as constants. A hosted kernel simulator needs
// an actual substitute for "whatever the bootloader handed us" at process
// start, so bootcfg reads it from a YAML document instead, the way a
// hosted system normally externalizes what used to be link-time/ROM
// constants.
package bootcfg

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"anyos/internal/pmm"
)

// Region is one usable-or-reserved memory range, an E820-style entry.
type Region struct {
	Start uint64 `yaml:"start"`
	Len   uint64 `yaml:"len"`
	Usable bool  `yaml:"usable"`
}

// Framebuffer is the optional display aperture descriptor:
// (phys_addr, pitch, width, height, bpp).
type Framebuffer struct {
	PhysAddr uint64 `yaml:"phys_addr"`
	Pitch    uint32 `yaml:"pitch"`
	Width    uint32 `yaml:"width"`
	Height   uint32 `yaml:"height"`
	BPP      uint32 `yaml:"bpp"`
}

// KernelImage is the kernel's own loaded physical range, reserved
// unconditionally alongside the architecture's low-memory span.
type KernelImage struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// BootInfo is the parsed boot-time handoff structure.
type BootInfo struct {
	Arch        string       `yaml:"arch"` // "x86_32" | "x86_64" | "aarch64"
	TotalRAM    uint64       `yaml:"total_ram"`
	MemoryMap   []Region     `yaml:"memory_map"`
	Kernel      KernelImage  `yaml:"kernel"`
	Framebuffer *Framebuffer `yaml:"framebuffer,omitempty"`
}

// Load parses a BootInfo document. Unknown fields are rejected (strict
// decoding) since a malformed boot handoff is a fatal condition on real
// hardware too; there is no sensible partial-boot fallback.
func Load(r io.Reader) (*BootInfo, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var info BootInfo
	if err := dec.Decode(&info); err != nil {
		return nil, fmt.Errorf("bootcfg: decode boot info: %w", err)
	}
	if len(info.MemoryMap) == 0 {
		return nil, fmt.Errorf("bootcfg: memory_map must be non-empty")
	}
	return &info, nil
}

// PMMRegions converts the parsed memory map into internal/pmm's Region
// shape, keeping only usable entries.
func (b *BootInfo) PMMRegions() []pmm.Region {
	out := make([]pmm.Region, 0, len(b.MemoryMap))
	for _, r := range b.MemoryMap {
		if !r.Usable {
			continue
		}
		out = append(out, pmm.Region{Start: pmm.PhysAddr(r.Start), Len: r.Len})
	}
	return out
}

// PMMKernelImage converts the kernel range into pmm's KernelImage shape.
func (b *BootInfo) PMMKernelImage() pmm.KernelImage {
	return pmm.KernelImage{Start: pmm.PhysAddr(b.Kernel.Start), End: pmm.PhysAddr(b.Kernel.End)}
}

// LowReserve returns the unconditional low-memory reservation for this
// boot's architecture: the first 2 MiB on x86 variants, nothing on
// AArch64.
func (b *BootInfo) LowReserve() uint64 {
	if strings.HasPrefix(b.Arch, "x86") {
		return pmm.LowReserveX86
	}
	return 0
}
