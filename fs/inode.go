package fs

import "tern/defs"
import "tern/ustr"
import "tern/util"

/// Inode types.
const (
	I_INVALID = 0
	I_FILE    = 1
	I_DIR     = 2
)

/// NDIRECT is the number of direct block pointers per inode.
const NDIRECT = 15

/// NIPB is the number of block pointers per indirect block.
const NIPB = BSIZE / 4

// inode field offsets; one inode occupies a whole block, so an inode
// number is its disk block number.
const (
	isize    = 0  // u32
	itype    = 4  // u16
	ilink    = 6  // u16
	idirect  = 8  // u32 * NDIRECT
	iindir   = idirect + 4*NDIRECT
	idindir  = iindir + 4
	itindir  = idindir + 4
	// the rest of the block is unused, set to 0
)

/// Inode_t wraps the buffer holding an on-disk inode.
type Inode_t struct {
	Buf *Buf_t
}

/// Size returns the file size in bytes.
func (ind *Inode_t) Size() int {
	return util.Readn(ind.Buf.Data[:], 4, isize)
}

/// Itype returns the inode type.
func (ind *Inode_t) Itype() int {
	return util.Readn(ind.Buf.Data[:], 2, itype)
}

/// Linkcount returns the hard link count.
func (ind *Inode_t) Linkcount() int {
	return util.Readn(ind.Buf.Data[:], 2, ilink)
}

/// Direct returns the i'th direct block pointer.
func (ind *Inode_t) Direct(i int) int {
	if i < 0 || i >= NDIRECT {
		panic("bad direct index")
	}
	return util.Readn(ind.Buf.Data[:], 4, idirect+4*i)
}

/// Indirect returns the single indirect block pointer.
func (ind *Inode_t) Indirect() int {
	return util.Readn(ind.Buf.Data[:], 4, iindir)
}

/// Dindirect returns the double indirect block pointer.
func (ind *Inode_t) Dindirect() int {
	return util.Readn(ind.Buf.Data[:], 4, idindir)
}

/// Tindirect returns the triple indirect block pointer.
func (ind *Inode_t) Tindirect() int {
	return util.Readn(ind.Buf.Data[:], 4, itindir)
}

/// SetSize stores the file size. Size changes are journalled by
/// Resize records, so this applies the change without a MetaUpdate.
func (ind *Inode_t) SetSize(n int) {
	util.Writen(ind.Buf.Data[:], 4, isize, n)
}

/// SetItype stores the inode type (journalled by InodeUpdateType).
func (ind *Inode_t) SetItype(t int) {
	util.Writen(ind.Buf.Data[:], 2, itype, t)
}

/// SetLinkcount stores the link count (journalled by InodeLink).
func (ind *Inode_t) SetLinkcount(n int) {
	util.Writen(ind.Buf.Data[:], 2, ilink, n)
}

//
// Directories
//

/// NAMELEN is the size of a directory slot's NUL-terminated name
/// field; names are at most NAMELEN-1 bytes.
const NAMELEN = 60

/// direntsz is the size of one directory slot on disk.
const direntsz = 4 + NAMELEN

/// NDIRENTS is the number of directory slots per block.
const NDIRENTS = BSIZE / direntsz

/// Dirdata_t views one block of directory entries.
type Dirdata_t struct {
	Data []uint8
}

/// Inodenext returns the inode number in slot i; 0 marks a free slot.
func (dd *Dirdata_t) Inodenext(i int) int {
	return util.Readn(dd.Data, 4, i*direntsz)
}

/// Filename returns the name in slot i.
func (dd *Dirdata_t) Filename(i int) ustr.Ustr {
	off := i*direntsz + 4
	return ustr.MkUstrSlice(dd.Data[off : off+NAMELEN])
}

// mkdirent builds the on-disk image of one directory slot.
func mkdirent(ino int, name ustr.Ustr) []uint8 {
	if len(name) >= NAMELEN {
		panic("name too long")
	}
	e := make([]uint8, direntsz)
	util.Writen(e, 4, 0, ino)
	copy(e[4:], name)
	return e
}

//
// Journalled mutation helpers
//

// maximum bytes one MetaUpdate record can carry per image
const metachunk = 128

// jmeta records and applies an in-place metadata change to buffer b:
// the old image is captured from the buffer, a MetaUpdate is emitted,
// and the new bytes are applied with the buffer marked dirty.
func (fs *Fs_t) jmeta(tx defs.Pid_t, b *Buf_t, off int, newb []uint8) {
	for len(newb) > 0 {
		n := util.Min(len(newb), metachunk)
		old := append([]uint8{}, b.Data[off:off+n]...)
		fs.jwrite(&Jmetaupdate_t{Tx: tx, Disk: b.Block, Off: off,
			Old: old, New: append([]uint8{}, newb[:n]...)}, false)
		copy(b.Data[off:], newb[:n])
		off += n
		newb = newb[n:]
	}
	fs.bcache.Bdirty(b)
}

// jmeta32 journals a 4-byte field update.
func (fs *Fs_t) jmeta32(tx defs.Pid_t, b *Buf_t, off int, val int) {
	newb := make([]uint8, 4)
	util.Writen(newb, 4, 0, val)
	fs.jmeta(tx, b, off, newb)
}

// jzero journals zeroing a freshly allocated metadata block so replay
// reconstructs a clean image even if the block held garbage.
func (fs *Fs_t) jzero(tx defs.Pid_t, b *Buf_t) {
	zeros := make([]uint8, BSIZE)
	fs.jmeta(tx, b, 0, zeros)
}

// balloc allocates a disk block within tx. ref and off locate the
// pointer that will reference the new block.
func (fs *Fs_t) balloc(tx defs.Pid_t, ref, off int) (int, defs.Err_t) {
	blk, err := fs.freemap.alloc()
	if err != 0 {
		return 0, err
	}
	fs.jwrite(&Jblockalloc_t{Tx: tx, Disk: blk, Ref: ref, Off: off}, false)
	return blk, 0
}

// bfree releases a disk block within tx.
func (fs *Fs_t) bfree(tx defs.Pid_t, blk int) {
	fs.jwrite(&Jblockdealloc_t{Tx: tx, Disk: blk}, false)
	fs.freemap.free(blk)
}

//
// Block mapping
//

// bmap translates a file block index to a disk block. With alloc set,
// missing blocks (and the indirect block) are allocated and their
// pointers journalled; newalloc reports that the data block is fresh.
// Growth past the single-indirect range fails with -EFBIG.
func (fs *Fs_t) bmap(tx defs.Pid_t, ind *Inode_t, fblk int, alloc bool) (int, bool, defs.Err_t) {
	if fblk < 0 {
		return 0, false, -defs.EINVAL
	}
	if fblk < NDIRECT {
		blk := ind.Direct(fblk)
		if blk == 0 && alloc {
			nb, err := fs.balloc(tx, ind.Buf.Block, idirect+4*fblk)
			if err != 0 {
				return 0, false, err
			}
			fs.jmeta32(tx, ind.Buf, idirect+4*fblk, nb)
			return nb, true, 0
		}
		return blk, false, 0
	}
	fblk -= NDIRECT
	if fblk >= NIPB {
		return 0, false, -defs.EFBIG
	}
	iblk := ind.Indirect()
	if iblk == 0 {
		if !alloc {
			return 0, false, 0
		}
		nb, err := fs.balloc(tx, ind.Buf.Block, iindir)
		if err != 0 {
			return 0, false, err
		}
		ib, berr := fs.bcache.Bread(nb)
		if berr != 0 {
			return 0, false, berr
		}
		fs.jzero(tx, ib)
		fs.bcache.Brelse(ib)
		fs.jmeta32(tx, ind.Buf, iindir, nb)
		iblk = nb
	}
	ib, berr := fs.bcache.Bread(iblk)
	if berr != 0 {
		return 0, false, berr
	}
	defer fs.bcache.Brelse(ib)
	blk := util.Readn(ib.Data[:], 4, 4*fblk)
	if blk == 0 && alloc {
		nb, err := fs.balloc(tx, iblk, 4*fblk)
		if err != 0 {
			return 0, false, err
		}
		fs.jmeta32(tx, ib, 4*fblk, nb)
		return nb, true, 0
	}
	return blk, false, 0
}
