package bootcfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
arch: x86_32
total_ram: 134217728
memory_map:
  - start: 0
    len: 134217728
    usable: true
kernel:
  start: 1048576
  end: 2097152
framebuffer:
  phys_addr: 4278190080
  pitch: 4096
  width: 1024
  height: 768
  bpp: 32
`

func TestLoadParsesBootInfo(t *testing.T) {
	info, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "x86_32", info.Arch)
	require.Len(t, info.MemoryMap, 1)
	require.NotNil(t, info.Framebuffer)
	require.Equal(t, uint32(1024), info.Framebuffer.Width)

	regions := info.PMMRegions()
	require.Len(t, regions, 1)
	require.Equal(t, uint64(134217728), regions[0].Len)

	ki := info.PMMKernelImage()
	require.Equal(t, uint64(1048576), uint64(ki.Start))
}

func TestLowReserveDependsOnArch(t *testing.T) {
	x86, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.EqualValues(t, 2*1024*1024, x86.LowReserve())

	arm := &BootInfo{Arch: "aarch64"}
	require.Zero(t, arm.LowReserve())
}

func TestLoadRejectsEmptyMemoryMap(t *testing.T) {
	_, err := Load(strings.NewReader("arch: x86_32\nmemory_map: []\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("arch: x86_32\nmemory_map: [{start: 0, len: 1, usable: true}]\nbogus_field: 1\n"))
	require.Error(t, err)
}
