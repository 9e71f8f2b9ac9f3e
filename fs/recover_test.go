package fs

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "tern/defs"
import "tern/util"

// writeinode plants an inode image directly on the disk, as if its
// buffer had been written back before the crash.
func writeinode(d *memdisk_t, blkno, size, it, links int) {
	b := d.blks[blkno]
	for i := range b {
		b[i] = 0
	}
	util.Writen(b, 4, isize, size)
	util.Writen(b, 2, itype, it)
	util.Writen(b, 2, ilink, links)
}

func readlink(d *memdisk_t, blkno int) int {
	return util.Readn(d.blks[blkno], 2, ilink)
}

// crashmount remounts the device, running recovery.
func crashmount(t *testing.T, d *memdisk_t) *Fs_t {
	return mountfs(t, d)
}

// Scenario: a transaction that never commits is undone. Inode 30's
// linkcount was bumped 2 -> 3 and the buffer written back; after
// recovery the on-disk image is back at 2.
func TestAbortedTransactionUndone(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	writeinode(d, 30, 0, I_FILE, 3)

	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jinodelink_t{Tx: 7, Disk: 30, Oldcnt: 2, Newcnt: 3}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())
	// crash: no commit

	crashmount(t, d)
	assert.Equal(t, 2, readlink(d, 30))
}

// A committed transaction's records are redone: the linkcount update
// that never reached the disk is applied.
func TestCommittedTransactionRedone(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	writeinode(d, 30, 0, I_FILE, 2)

	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jinodelink_t{Tx: 7, Disk: 30, Oldcnt: 2, Newcnt: 3}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 7, Ttype: TT_LINK}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	assert.Equal(t, 3, readlink(d, 30))
}

// Compare-then-set: replay leaves an inode field alone when its
// current value matches neither side of the record.
func TestRecoverySkipsMismatchedState(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	writeinode(d, 30, 0, I_FILE, 5)

	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jinodelink_t{Tx: 7, Disk: 30, Oldcnt: 2, Newcnt: 3}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 7, Ttype: TT_LINK}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	assert.Equal(t, 5, readlink(d, 30))
}

// Scenario: a torn write to a newly allocated block. The on-disk
// block holds garbage whose checksum mismatches the committed
// BlockWrite; recovery zeroes exactly that block.
func TestTornWriteToNewBlockZeroed(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	intended := make([]uint8, BSIZE)
	for i := range intended {
		intended[i] = 0x5a
	}
	csum := Blockchecksum(intended)

	// the block actually holds garbage
	for i := range d.blks[77] {
		d.blks[77][i] = 0xde
	}
	for i := range d.blks[78] {
		d.blks[78][i] = 0xad
	}

	fs.jwrite(&Jtransbegin_t{Tx: 9, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 9, Disk: 77, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 9, Disk: 77, Checksum: csum, Newalloc: true}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 9, Ttype: TT_WRITE}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	for i := range d.blks[77] {
		require.Equal(t, uint8(0), d.blks[77][i])
	}
	// no other block is touched
	for i := range d.blks[78] {
		require.Equal(t, uint8(0xad), d.blks[78][i])
	}
}

// A matching checksum leaves the block alone even for a new
// allocation.
func TestIntactWriteNotZeroed(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	for i := range d.blks[77] {
		d.blks[77][i] = 0x5a
	}
	csum := Blockchecksum(d.blks[77])

	fs.jwrite(&Jtransbegin_t{Tx: 9, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 9, Disk: 77, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 9, Disk: 77, Checksum: csum, Newalloc: true}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 9, Ttype: TT_WRITE}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	for i := range d.blks[77] {
		require.Equal(t, uint8(0x5a), d.blks[77][i])
	}
}

// Only the last write to a block is authoritative: an earlier
// BlockWrite with a stale checksum must not zero a block whose final
// write completed.
func TestOnlyLastWriteChecked(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	final := make([]uint8, BSIZE)
	for i := range final {
		final[i] = 0x22
	}
	copy(d.blks[77], final)

	stale := make([]uint8, BSIZE)
	for i := range stale {
		stale[i] = 0x11
	}

	fs.jwrite(&Jtransbegin_t{Tx: 9, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 9, Disk: 77, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 9, Disk: 77, Checksum: Blockchecksum(stale), Newalloc: true}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 9, Disk: 77, Checksum: Blockchecksum(final)}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 9, Ttype: TT_WRITE}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	for i := range d.blks[77] {
		require.Equal(t, uint8(0x22), d.blks[77][i])
	}
}

// Scenario: user data protection. Block 100 was written by a
// committed user write; a later uncommitted MetaUpdate to the same
// block must not be undone over the user's data.
func TestUserdataProtected(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	for i := range d.blks[100] {
		d.blks[100][i] = 0x77
	}
	csum := Blockchecksum(d.blks[100])

	fs.jwrite(&Jtransbegin_t{Tx: 3, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 3, Disk: 100, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 3, Disk: 100, Checksum: csum, Newalloc: true}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 3, Ttype: TT_WRITE}, false)

	oldb := []uint8{0x77, 0x77, 0x77, 0x77}
	newb := []uint8{0x01, 0x02, 0x03, 0x04}
	fs.jwrite(&Jtransbegin_t{Tx: 4, Ttype: TT_RESIZE}, true)
	fs.jwrite(&Jmetaupdate_t{Tx: 4, Disk: 100, Off: 0, Old: oldb, New: newb}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())
	// crash: transaction 4 never commits

	crashmount(t, d)
	for i := range d.blks[100] {
		require.Equal(t, uint8(0x77), d.blks[100][i])
	}
}

// Commit atomicity over the freemap: committed alloc is redone,
// aborted alloc is undone.
func TestFreemapRedoUndo(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	fs.jwrite(&Jtransbegin_t{Tx: 5, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 5, Disk: 60, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 5, Ttype: TT_WRITE}, false)
	fs.jwrite(&Jtransbegin_t{Tx: 6, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 6, Disk: 61, Ref: 10, Off: 0}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	f2 := crashmount(t, d)
	assert.True(t, f2.freemap.Isset(60))
	assert.False(t, f2.freemap.Isset(61))
}

// A duplicate TransBegin with a live transaction id aborts the prior
// incarnation.
func TestDuplicateBeginAbortsPrior(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	writeinode(d, 30, 0, I_FILE, 3)

	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jinodelink_t{Tx: 7, Disk: 30, Oldcnt: 2, Newcnt: 3}, false)
	// same id begins again without a commit in between
	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jtranscommit_t{Tx: 7, Ttype: TT_LINK}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	crashmount(t, d)
	// the first incarnation's link bump is undone
	assert.Equal(t, 2, readlink(d, 30))
}

// Recovery idempotence: running the passes twice over the same
// journal window leaves the disk unchanged.
func TestRecoveryIdempotent(t *testing.T) {
	d := mkmemfs(t, 512, 64)
	fs := mountfs(t, d)

	writeinode(d, 30, 0, I_FILE, 3)
	intended := make([]uint8, BSIZE)
	for i := range intended {
		intended[i] = 0x5a
	}

	fs.jwrite(&Jtransbegin_t{Tx: 7, Ttype: TT_LINK}, true)
	fs.jwrite(&Jinodelink_t{Tx: 7, Disk: 30, Oldcnt: 2, Newcnt: 3}, false)
	fs.jwrite(&Jtransbegin_t{Tx: 9, Ttype: TT_WRITE}, true)
	fs.jwrite(&Jblockalloc_t{Tx: 9, Disk: 77, Ref: 10, Off: 0}, false)
	fs.jwrite(&Jblockwrite_t{Tx: 9, Disk: 77,
		Checksum: Blockchecksum(intended), Newalloc: true}, false)
	fs.jwrite(&Jtranscommit_t{Tx: 9, Ttype: TT_WRITE}, false)
	require.Equal(t, defs.Err_t(0), fs.jphys.Flushall())

	// first recovery, against a mounted-but-unrecovered view
	f1 := &Fs_t{dev: d}
	f1.super.Data = make([]uint8, BSIZE)
	require.Equal(t, defs.Err_t(0), d.Read_block(SUPER_BLOCK, f1.super.Data))
	f1.freemap = mkFreemap(f1.super.Nblocks())
	require.Equal(t, defs.Err_t(0), f1.freemap.load(d))
	f1.bcache = mkBcache(d)
	f1.jphys = mkJphys(d, f1.super.Journalstart(), f1.super.Journalblocks())
	require.Equal(t, defs.Err_t(0), f1.jphys.Loadup())
	require.Equal(t, defs.Err_t(0), f1.recover())

	snap := d.clone()
	require.Equal(t, defs.Err_t(0), f1.recover())
	assert.True(t, d.equalblocks(snap))
}
