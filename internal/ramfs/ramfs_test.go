package ramfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenRequiresCreateForMissingFiles(t *testing.T) {
	fs := New()
	require.False(t, fs.Open("/a.txt", 0))
	require.True(t, fs.Open("/a.txt", OCreate))
	require.True(t, fs.Open("/a.txt", 0)) // exists now
}

func TestOpenRefusesDirectoriesAndOrphanPaths(t *testing.T) {
	fs := New()
	require.False(t, fs.Open("/", OCreate))
	require.False(t, fs.Open("/missing/file", OCreate)) // parent doesn't exist
	require.True(t, fs.Mkdir("/d"))
	require.False(t, fs.Open("/d", 0))
	require.True(t, fs.Open("/d/file", OCreate))
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := New()
	require.True(t, fs.Open("/f", OCreate|OWrite))
	n, ok := fs.WriteAt("/f", 0, []byte("HELLO"), OWrite)
	require.True(t, ok)
	require.Equal(t, 5, n)

	buf := make([]byte, 10)
	n, ok = fs.ReadAt("/f", 0, buf)
	require.True(t, ok)
	require.Equal(t, "HELLO", string(buf[:n]))

	n, ok = fs.ReadAt("/f", 5, buf)
	require.True(t, ok)
	require.Equal(t, 0, n) // EOF
}

func TestAppendIgnoresOffset(t *testing.T) {
	fs := New()
	fs.Open("/log", OCreate|OWrite)
	fs.WriteAt("/log", 0, []byte("one"), OWrite)
	fs.WriteAt("/log", 0, []byte("two"), OWrite|OAppend)

	buf := make([]byte, 16)
	n, _ := fs.ReadAt("/log", 0, buf)
	require.Equal(t, "onetwo", string(buf[:n]))
}

func TestTruncFlagEmptiesExistingFile(t *testing.T) {
	fs := New()
	fs.Open("/f", OCreate|OWrite)
	fs.WriteAt("/f", 0, []byte("content"), OWrite)
	require.True(t, fs.Open("/f", OWrite|OTrunc))
	size, ok := fs.Size("/f")
	require.True(t, ok)
	require.EqualValues(t, 0, size)
}

func TestWritePastEOFZeroFills(t *testing.T) {
	fs := New()
	fs.Open("/f", OCreate|OWrite)
	fs.WriteAt("/f", 4, []byte("X"), OWrite)
	buf := make([]byte, 5)
	n, _ := fs.ReadAt("/f", 0, buf)
	require.Equal(t, []byte{0, 0, 0, 0, 'X'}, buf[:n])
}

func TestStatMkdirUnlink(t *testing.T) {
	fs := New()
	require.True(t, fs.Mkdir("/d"))
	require.False(t, fs.Mkdir("/d")) // exists
	st, ok := fs.Stat("/d")
	require.True(t, ok)
	require.True(t, st.IsDir)

	require.True(t, fs.Open("/d/f", OCreate))
	require.False(t, fs.Unlink("/d")) // non-empty
	require.True(t, fs.Unlink("/d/f"))
	require.True(t, fs.Unlink("/d"))
	_, ok = fs.Stat("/d")
	require.False(t, ok)
}

func TestRenameMovesSubtrees(t *testing.T) {
	fs := New()
	fs.Mkdir("/a")
	fs.Open("/a/f", OCreate|OWrite)
	fs.WriteAt("/a/f", 0, []byte("data"), OWrite)
	fs.Mkdir("/b")

	require.True(t, fs.Rename("/a", "/b/a"))
	_, ok := fs.Stat("/a/f")
	require.False(t, ok)
	buf := make([]byte, 8)
	n, ok := fs.ReadAt("/b/a/f", 0, buf)
	require.True(t, ok)
	require.Equal(t, "data", string(buf[:n]))
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	fs := New()
	fs.Open("/f", OCreate|OWrite)
	fs.WriteAt("/f", 0, []byte("abcdef"), OWrite)
	require.True(t, fs.Truncate("/f", 3))
	size, _ := fs.Size("/f")
	require.EqualValues(t, 3, size)

	require.True(t, fs.Truncate("/f", 6))
	buf := make([]byte, 6)
	fs.ReadAt("/f", 0, buf)
	require.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0}, buf)
}
