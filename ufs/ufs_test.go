package ufs

import "path/filepath"
import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "tern/defs"
import "tern/fs"
import "tern/ustr"

func mkimage(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, MkDisk(path, 2048, 256, "testvol"))
	return path
}

func TestMkDiskAndBoot(t *testing.T) {
	path := mkimage(t)
	u, err := BootFS(path)
	require.NoError(t, err)
	require.Equal(t, defs.Err_t(0), u.ShutdownFS())
}

func TestMkDiskRejectsBadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	assert.Error(t, MkDisk(path, 64, 64, "x"))
	assert.Error(t, MkDisk(path, 64, 1, "x"))
}

func TestFileOpsAndPersistence(t *testing.T) {
	path := mkimage(t)
	u, err := BootFS(path)
	require.NoError(t, err)

	name := ustr.Ustr("hello")
	data := []uint8("persistent data")
	require.Equal(t, defs.Err_t(0), u.MkFile(name, data))

	got, ferr := u.Read(name)
	require.Equal(t, defs.Err_t(0), ferr)
	assert.Equal(t, data, got)

	require.Equal(t, defs.Err_t(0), u.Append(name, []uint8(" and more")))
	require.Equal(t, defs.Err_t(0), u.ShutdownFS())

	u2, err := BootFS(path)
	require.NoError(t, err)
	got, ferr = u2.Read(name)
	require.Equal(t, defs.Err_t(0), ferr)
	assert.Equal(t, []uint8("persistent data and more"), got)

	size, it, links, serr := u2.Stat(name)
	require.Equal(t, defs.Err_t(0), serr)
	assert.Equal(t, len(got), size)
	assert.Equal(t, fs.I_FILE, it)
	assert.Equal(t, 1, links)
	require.Equal(t, defs.Err_t(0), u2.ShutdownFS())
}

func TestLinkAndResize(t *testing.T) {
	path := mkimage(t)
	u, err := BootFS(path)
	require.NoError(t, err)

	name := ustr.Ustr("orig")
	require.Equal(t, defs.Err_t(0), u.MkFile(name, make([]uint8, 3*fs.BSIZE)))
	require.Equal(t, defs.Err_t(0), u.Link(name, ustr.Ustr("alias")))
	require.Equal(t, defs.Err_t(0), u.Resize(name, fs.BSIZE))

	size, _, links, serr := u.Stat(ustr.Ustr("alias"))
	require.Equal(t, defs.Err_t(0), serr)
	assert.Equal(t, fs.BSIZE, size)
	assert.Equal(t, 2, links)

	require.Equal(t, defs.Err_t(0), u.Unlink(name))
	_, _, _, serr = u.Stat(name)
	assert.Equal(t, -defs.ENOENT, serr)
	_, _, links, serr = u.Stat(ustr.Ustr("alias"))
	require.Equal(t, defs.Err_t(0), serr)
	assert.Equal(t, 1, links)
	require.Equal(t, defs.Err_t(0), u.ShutdownFS())
}

// Crash with a durable journal: the remount recovers the metadata and
// zeroes the data blocks that never reached the disk.
func TestCrashThenRecover(t *testing.T) {
	path := mkimage(t)
	u, err := BootFS(path)
	require.NoError(t, err)

	name := ustr.Ustr("crashy")
	data := make([]uint8, fs.BSIZE)
	for i := range data {
		data[i] = 0x44
	}
	require.Equal(t, defs.Err_t(0), u.MkFile(name, data))
	require.Equal(t, defs.Err_t(0), u.Fs().Jphys().Flushall())
	u.Crash()

	u2, err := BootFS(path)
	require.NoError(t, err)
	size, _, _, serr := u2.Stat(name)
	require.Equal(t, defs.Err_t(0), serr)
	assert.Equal(t, fs.BSIZE, size)

	got, ferr := u2.Read(name)
	require.Equal(t, defs.Err_t(0), ferr)
	require.Len(t, got, fs.BSIZE)
	for _, b := range got {
		require.Equal(t, uint8(0), b)
	}
	require.Equal(t, defs.Err_t(0), u2.ShutdownFS())
}

// A clean unmount leaves an empty journal window: head meets tail
// after the final trim.
func TestCleanUnmountEmptiesJournal(t *testing.T) {
	path := mkimage(t)
	u, err := BootFS(path)
	require.NoError(t, err)
	require.Equal(t, defs.Err_t(0), u.MkFile(ustr.Ustr("f"), []uint8("x")))
	require.Equal(t, defs.Err_t(0), u.ShutdownFS())

	u2, err := BootFS(path)
	require.NoError(t, err)
	jp := u2.Fs().Jphys()
	assert.Equal(t, jp.Peeknextlsn(), jp.Tail()+1)
	require.Equal(t, defs.Err_t(0), u2.ShutdownFS())
}
