package fs

import "fmt"
import "sync"

import "tern/defs"
import "tern/ustr"
import "tern/util"

const fs_debug = false

/// Fs_t is a mounted filesystem: superblock, freemap, buffer cache,
/// the jphys log, and the active transaction list.
type Fs_t struct {
	dev    defs.Blockdev_i
	super  Superblock_t
	superdirty bool

	bcache  *Bcache_t
	freemap *Freemap_t
	jphys   *Jphys_t

	translock sync.Mutex
	trans     []*trans_t

	// open-file table: inode -> open count. Unmounting with open
	// files fails with EBUSY; an unlinked open file parks in the
	// graveyard until its last close.
	vnlock sync.Mutex
	vnodes map[int]int
}

/// StartFS mounts the filesystem on dev: it validates the superblock,
/// loads the freemap, loads up the journal container, runs crash
/// recovery, enables logging, and reclaims the graveyard.
func StartFS(dev defs.Blockdev_i) (*Fs_t, defs.Err_t) {
	if dev.Blocksize() != BSIZE {
		return nil, -defs.ENXIO
	}

	fs := &Fs_t{}
	fs.dev = dev
	fs.vnodes = make(map[int]int)
	fs.super.Data = make([]uint8, BSIZE)
	if err := dev.Read_block(SUPER_BLOCK, fs.super.Data); err != 0 {
		return nil, err
	}
	if fs.super.Magic() != SFS_MAGIC {
		return nil, -defs.EINVAL
	}
	if fs.super.Nblocks() > dev.Nblocks() {
		return nil, -defs.EINVAL
	}

	fs.freemap = mkFreemap(fs.super.Nblocks())
	if err := fs.freemap.load(dev); err != 0 {
		return nil, err
	}

	fs.bcache = mkBcache(dev)
	fs.bcache.attach = func(b *Buf_t) {
		b.Oldest_lsn = 0
		b.Newest_lsn = 0
	}
	fs.bcache.detach = func(b *Buf_t) {
		b.Oldest_lsn = 0
		b.Newest_lsn = 0
	}

	fs.jphys = mkJphys(dev, fs.super.Journalstart(), fs.super.Journalblocks())
	if err := fs.jphys.Loadup(); err != 0 {
		return nil, err
	}
	fs.bcache.flushfn = fs.jphys.Flush

	// high-level recovery, then spin up the journal
	fs.jphys.Startreading()
	if err := fs.recover(); err != 0 {
		return nil, err
	}
	fs.jphys.Stopreading()

	fs.jphys.Startwriting()
	if err := fs.jphys.Trim(fs.jphys.Peeknextlsn()); err != 0 {
		return nil, err
	}

	if err := fs.reapgraveyard(); err != 0 {
		return nil, err
	}
	if err := fs.jphys.Trim(fs.jphys.Peeknextlsn()); err != 0 {
		return nil, err
	}
	if fs_debug {
		fmt.Printf("fs: mounted %s (%v blocks)\n", fs.super.Volname(), fs.super.Nblocks())
	}
	return fs, 0
}

/// Fs_sync flushes dirty buffers (under WAL), the freemap, the
/// superblock, and finally the whole log.
func (fs *Fs_t) Fs_sync() defs.Err_t {
	if err := fs.bcache.Sync(); err != 0 {
		return err
	}
	if err := fs.syncfreemap(); err != 0 {
		return err
	}
	if fs.superdirty {
		if err := fs.dev.Write_block(SUPER_BLOCK, fs.super.Data); err != 0 {
			return err
		}
		fs.superdirty = false
	}
	return fs.jphys.Flushall()
}

// syncfreemap writes the freemap back, flushing the log to the newest
// freemap LSN first (WAL for the freemap image).
func (fs *Fs_t) syncfreemap() defs.Err_t {
	fs.freemap.Lock()
	dirty := fs.freemap.dirty
	newest := fs.freemap.newest_lsn
	fs.freemap.Unlock()
	if !dirty {
		return 0
	}
	if err := fs.jphys.Flush(newest); err != 0 {
		return err
	}
	fs.freemap.Lock()
	defer fs.freemap.Unlock()
	for j := 0; j < len(fs.freemap.data)/BSIZE; j++ {
		b := fs.freemap.data[j*BSIZE : (j+1)*BSIZE]
		if err := fs.dev.Write_block(FREEMAP_START+j, b); err != 0 {
			return err
		}
	}
	fs.freemap.dirty = false
	fs.freemap.oldest_lsn = 0
	fs.freemap.newest_lsn = 0
	return 0
}

/// StopFS unmounts: it fails with -EBUSY while files are open,
/// otherwise syncs everything, takes a final checkpoint so the journal
/// window is empty, and stops the log.
func (fs *Fs_t) StopFS() defs.Err_t {
	fs.vnlock.Lock()
	open := len(fs.vnodes)
	fs.vnlock.Unlock()
	if open > 0 {
		return -defs.EBUSY
	}
	if err := fs.Fs_sync(); err != 0 {
		return err
	}
	fs.checkpoint()
	if err := fs.jphys.Stopwriting(); err != 0 {
		return err
	}
	fs.bcache.Drop()
	return 0
}

//
// Inode helpers
//

func (fs *Fs_t) iget(ino int) (*Inode_t, defs.Err_t) {
	b, err := fs.bcache.Bread(ino)
	if err != 0 {
		return nil, err
	}
	return &Inode_t{Buf: b}, 0
}

func (fs *Fs_t) iput(ind *Inode_t) {
	fs.bcache.Brelse(ind.Buf)
}

// jsetlink journals and applies a linkcount change.
func (fs *Fs_t) jsetlink(tx defs.Pid_t, ind *Inode_t, newcnt int) {
	fs.jwrite(&Jinodelink_t{Tx: tx, Disk: ind.Buf.Block,
		Oldcnt: ind.Linkcount(), Newcnt: newcnt}, false)
	ind.SetLinkcount(newcnt)
	fs.bcache.Bdirty(ind.Buf)
}

// jsettype journals and applies an inode type change.
func (fs *Fs_t) jsettype(tx defs.Pid_t, ind *Inode_t, newtype int) {
	fs.jwrite(&Jinodeupdatetype_t{Tx: tx, Inode: ind.Buf.Block,
		Oldtype: ind.Itype(), Newtype: newtype}, false)
	ind.SetItype(newtype)
	fs.bcache.Bdirty(ind.Buf)
}

// jsetsize journals and applies a size change.
func (fs *Fs_t) jsetsize(tx defs.Pid_t, ind *Inode_t, newsize int) {
	fs.jwrite(&Jresize_t{Tx: tx, Inode: ind.Buf.Block,
		Oldsize: ind.Size(), Newsize: newsize}, false)
	ind.SetSize(newsize)
	fs.bcache.Bdirty(ind.Buf)
}

//
// Directory operations (all names live in the root directory; the
// graveyard directory holds unlinked-but-open inodes)
//

// dirlookup finds name in directory dirino. It returns the entry's
// inode and the block/slot holding it.
func (fs *Fs_t) dirlookup(dirino int, name ustr.Ustr) (int, int, int, defs.Err_t) {
	dir, err := fs.iget(dirino)
	if err != 0 {
		return 0, 0, 0, err
	}
	defer fs.iput(dir)
	nblk := util.Roundup(dir.Size(), BSIZE) / BSIZE
	for fb := 0; fb < nblk; fb++ {
		blk, _, err := fs.bmap(0, dir, fb, false)
		if err != 0 {
			return 0, 0, 0, err
		}
		if blk == 0 {
			continue
		}
		db, err := fs.bcache.Bread(blk)
		if err != 0 {
			return 0, 0, 0, err
		}
		dd := Dirdata_t{Data: db.Data[:]}
		for s := 0; s < NDIRENTS; s++ {
			if dd.Inodenext(s) != 0 && name.Eq(dd.Filename(s)) {
				ino := dd.Inodenext(s)
				fs.bcache.Brelse(db)
				return ino, blk, s, 0
			}
		}
		fs.bcache.Brelse(db)
	}
	return 0, 0, 0, -defs.ENOENT
}

// dirinsert adds (ino, name) to directory dirino, growing it by one
// block when every slot is taken.
func (fs *Fs_t) dirinsert(tx defs.Pid_t, dirino int, name ustr.Ustr, ino int) defs.Err_t {
	if len(name) == 0 || len(name) >= NAMELEN {
		return -defs.ENAMETOOLONG
	}
	dir, err := fs.iget(dirino)
	if err != 0 {
		return err
	}
	defer fs.iput(dir)

	nblk := util.Roundup(dir.Size(), BSIZE) / BSIZE
	for fb := 0; fb < nblk; fb++ {
		blk, _, err := fs.bmap(tx, dir, fb, false)
		if err != 0 {
			return err
		}
		if blk == 0 {
			continue
		}
		db, err := fs.bcache.Bread(blk)
		if err != 0 {
			return err
		}
		dd := Dirdata_t{Data: db.Data[:]}
		for s := 0; s < NDIRENTS; s++ {
			if dd.Inodenext(s) == 0 {
				fs.jmeta(tx, db, s*direntsz, mkdirent(ino, name))
				fs.bcache.Brelse(db)
				return 0
			}
		}
		fs.bcache.Brelse(db)
	}

	// grow the directory by one block
	blk, _, aerr := fs.bmap(tx, dir, nblk, true)
	if aerr != 0 {
		return aerr
	}
	db, err := fs.bcache.Bread(blk)
	if err != 0 {
		return err
	}
	fs.jzero(tx, db)
	fs.jmeta(tx, db, 0, mkdirent(ino, name))
	fs.bcache.Brelse(db)
	fs.jsetsize(tx, dir, (nblk+1)*BSIZE)
	return 0
}

// dirremove clears name's slot in directory dirino and returns the
// inode it referenced.
func (fs *Fs_t) dirremove(tx defs.Pid_t, dirino int, name ustr.Ustr) (int, defs.Err_t) {
	ino, blk, slot, err := fs.dirlookup(dirino, name)
	if err != 0 {
		return 0, err
	}
	db, berr := fs.bcache.Bread(blk)
	if berr != 0 {
		return 0, berr
	}
	fs.jmeta(tx, db, slot*direntsz, make([]uint8, direntsz))
	fs.bcache.Brelse(db)
	return ino, 0
}

//
// Public operations
//

/// Fs_create makes a new file or directory named name in the root
/// directory and returns its inode.
func (fs *Fs_t) Fs_create(name ustr.Ustr, mktype int) (int, defs.Err_t) {
	if mktype != I_FILE && mktype != I_DIR {
		return 0, -defs.EINVAL
	}
	if _, _, _, err := fs.dirlookup(ROOTDIR_INO, name); err == 0 {
		return 0, -defs.EEXIST
	}

	tx := fs.Trans_begin(TT_CREATE)
	ino, err := fs.balloc(tx, ROOTDIR_INO, 0)
	if err != 0 {
		fs.Trans_commit(TT_CREATE)
		return 0, err
	}
	ind, gerr := fs.iget(ino)
	if gerr != 0 {
		fs.Trans_commit(TT_CREATE)
		return 0, gerr
	}
	fs.jzero(tx, ind.Buf)
	fs.jsettype(tx, ind, mktype)
	fs.jsetlink(tx, ind, 1)
	fs.iput(ind)

	if err := fs.dirinsert(tx, ROOTDIR_INO, name, ino); err != 0 {
		fs.Trans_commit(TT_CREATE)
		return 0, err
	}
	fs.Trans_commit(TT_CREATE)
	return ino, 0
}

/// Fs_open looks up name and pins it open.
func (fs *Fs_t) Fs_open(name ustr.Ustr) (int, defs.Err_t) {
	ino, _, _, err := fs.dirlookup(ROOTDIR_INO, name)
	if err != 0 {
		return 0, err
	}
	fs.vnlock.Lock()
	fs.vnodes[ino]++
	fs.vnlock.Unlock()
	return ino, 0
}

/// Fs_close drops an open reference. The last close of an inode that
/// was unlinked into the graveyard reclaims it.
func (fs *Fs_t) Fs_close(ino int) defs.Err_t {
	fs.vnlock.Lock()
	fs.vnodes[ino]--
	last := fs.vnodes[ino] == 0
	if last {
		delete(fs.vnodes, ino)
	}
	fs.vnlock.Unlock()
	if !last {
		return 0
	}
	ind, err := fs.iget(ino)
	if err != 0 {
		return err
	}
	dead := ind.Linkcount() == 0
	fs.iput(ind)
	if !dead {
		return 0
	}
	// parked in the graveyard by Fs_unlink; reclaim now
	gy := fs.super.Graveyard()
	gname := gravename(ino)
	tx := fs.Trans_begin(TT_RECLAIM)
	if _, err := fs.dirremove(tx, gy, gname); err != 0 {
		fs.Trans_commit(TT_RECLAIM)
		return err
	}
	err = fs.ifree(tx, ino)
	fs.Trans_commit(TT_RECLAIM)
	return err
}

/// Fs_link adds newname as a hard link to oldname's inode.
func (fs *Fs_t) Fs_link(oldname, newname ustr.Ustr) defs.Err_t {
	ino, _, _, err := fs.dirlookup(ROOTDIR_INO, oldname)
	if err != 0 {
		return err
	}
	if _, _, _, err := fs.dirlookup(ROOTDIR_INO, newname); err == 0 {
		return -defs.EEXIST
	}
	tx := fs.Trans_begin(TT_LINK)
	ind, gerr := fs.iget(ino)
	if gerr != 0 {
		fs.Trans_commit(TT_LINK)
		return gerr
	}
	fs.jsetlink(tx, ind, ind.Linkcount()+1)
	fs.iput(ind)
	rerr := fs.dirinsert(tx, ROOTDIR_INO, newname, ino)
	fs.Trans_commit(TT_LINK)
	return rerr
}

/// Fs_unlink removes name from the root directory. When the last link
/// goes away the inode is freed, unless the file is open, in which
/// case it parks in the graveyard until the last close.
func (fs *Fs_t) Fs_unlink(name ustr.Ustr) defs.Err_t {
	tx := fs.Trans_begin(TT_UNLINK)
	ino, err := fs.dirremove(tx, ROOTDIR_INO, name)
	if err != 0 {
		fs.Trans_commit(TT_UNLINK)
		return err
	}
	ind, gerr := fs.iget(ino)
	if gerr != 0 {
		fs.Trans_commit(TT_UNLINK)
		return gerr
	}
	newcnt := ind.Linkcount() - 1
	fs.jsetlink(tx, ind, newcnt)
	fs.iput(ind)

	if newcnt == 0 {
		fs.vnlock.Lock()
		open := fs.vnodes[ino] > 0
		fs.vnlock.Unlock()
		if open {
			err = fs.dirinsert(tx, fs.super.Graveyard(), gravename(ino), ino)
		} else {
			err = fs.ifree(tx, ino)
		}
	}
	fs.Trans_commit(TT_UNLINK)
	return err
}

// gravename is the name an inode gets in the graveyard directory.
func gravename(ino int) ustr.Ustr {
	return ustr.Ustr(fmt.Sprintf("ino%d", ino))
}

// ifree releases every block of ino and the inode itself.
func (fs *Fs_t) ifree(tx defs.Pid_t, ino int) defs.Err_t {
	ind, err := fs.iget(ino)
	if err != 0 {
		return err
	}
	nblk := util.Roundup(ind.Size(), BSIZE) / BSIZE
	if nblk > 0 {
		fs.jwrite(&Jtruncate_t{Tx: tx, Inode: ino, Startblk: 0, Endblk: nblk}, false)
	}
	for fb := 0; fb < nblk; fb++ {
		blk, _, berr := fs.bmap(tx, ind, fb, false)
		if berr != 0 {
			fs.iput(ind)
			return berr
		}
		if blk != 0 {
			fs.bfree(tx, blk)
		}
	}
	if iblk := ind.Indirect(); iblk != 0 {
		fs.bfree(tx, iblk)
		fs.jmeta32(tx, ind.Buf, iindir, 0)
	}
	for i := 0; i < NDIRECT; i++ {
		if ind.Direct(i) != 0 {
			fs.jmeta32(tx, ind.Buf, idirect+4*i, 0)
		}
	}
	fs.jsetsize(tx, ind, 0)
	fs.jsettype(tx, ind, I_INVALID)
	fs.iput(ind)
	fs.bfree(tx, ino)
	return 0
}

/// Fs_write stores src into ino at offset off, allocating blocks as
/// needed. Data blocks are journalled as BlockWrite records carrying
/// the checksum of the new image.
func (fs *Fs_t) Fs_write(ino int, off int, src []uint8) (int, defs.Err_t) {
	if off < 0 {
		return 0, -defs.EINVAL
	}
	tx := fs.Trans_begin(TT_WRITE)
	defer fs.Trans_commit(TT_WRITE)

	ind, err := fs.iget(ino)
	if err != 0 {
		return 0, err
	}
	defer fs.iput(ind)

	done := 0
	for done < len(src) {
		pos := off + done
		fb := pos / BSIZE
		boff := pos % BSIZE
		blk, fresh, berr := fs.bmap(tx, ind, fb, true)
		if berr != 0 {
			return done, berr
		}
		db, berr2 := fs.bcache.Bread(blk)
		if berr2 != 0 {
			return done, berr2
		}
		n := util.Min(BSIZE-boff, len(src)-done)
		if fresh {
			for i := range db.Data {
				db.Data[i] = 0
			}
		}
		copy(db.Data[boff:], src[done:done+n])
		fs.jwrite(&Jblockwrite_t{Tx: tx, Disk: blk,
			Checksum: Blockchecksum(db.Data[:]), Newalloc: fresh}, false)
		fs.bcache.Bdirty(db)
		fs.bcache.Brelse(db)
		done += n
	}
	if off+done > ind.Size() {
		fs.jsetsize(tx, ind, off+done)
	}
	return done, 0
}

/// Fs_read copies up to len(dst) bytes from ino at offset off. Holes
/// read as zeros.
func (fs *Fs_t) Fs_read(ino int, off int, dst []uint8) (int, defs.Err_t) {
	ind, err := fs.iget(ino)
	if err != 0 {
		return 0, err
	}
	defer fs.iput(ind)
	size := ind.Size()
	if off >= size {
		return 0, 0
	}
	if off+len(dst) > size {
		dst = dst[:size-off]
	}
	done := 0
	for done < len(dst) {
		pos := off + done
		fb := pos / BSIZE
		boff := pos % BSIZE
		blk, _, berr := fs.bmap(0, ind, fb, false)
		if berr != 0 {
			return done, berr
		}
		n := util.Min(BSIZE-boff, len(dst)-done)
		if blk == 0 {
			for i := 0; i < n; i++ {
				dst[done+i] = 0
			}
		} else {
			db, berr2 := fs.bcache.Bread(blk)
			if berr2 != 0 {
				return done, berr2
			}
			copy(dst[done:done+n], db.Data[boff:])
			fs.bcache.Brelse(db)
		}
		done += n
	}
	return done, 0
}

/// Fs_resize sets ino's size. Shrinking frees whole blocks past the
/// new end and journals the range as a Truncate.
func (fs *Fs_t) Fs_resize(ino int, newsize int) defs.Err_t {
	if newsize < 0 {
		return -defs.EINVAL
	}
	tx := fs.Trans_begin(TT_RESIZE)
	defer fs.Trans_commit(TT_RESIZE)

	ind, err := fs.iget(ino)
	if err != 0 {
		return err
	}
	defer fs.iput(ind)

	oldsize := ind.Size()
	if newsize < oldsize {
		first := util.Roundup(newsize, BSIZE) / BSIZE
		last := util.Roundup(oldsize, BSIZE) / BSIZE
		if first < last {
			fs.jwrite(&Jtruncate_t{Tx: tx, Inode: ino,
				Startblk: first, Endblk: last}, false)
		}
		for fb := first; fb < last; fb++ {
			blk, _, berr := fs.bmap(tx, ind, fb, false)
			if berr != 0 {
				return berr
			}
			if blk == 0 {
				continue
			}
			fs.bfree(tx, blk)
			if fb < NDIRECT {
				fs.jmeta32(tx, ind.Buf, idirect+4*fb, 0)
			} else if iblk := ind.Indirect(); iblk != 0 {
				ib, berr2 := fs.bcache.Bread(iblk)
				if berr2 != 0 {
					return berr2
				}
				fs.jmeta32(tx, ib, 4*(fb-NDIRECT), 0)
				fs.bcache.Brelse(ib)
			}
		}
	}
	fs.jsetsize(tx, ind, newsize)
	return 0
}

/// Fs_stat returns (size, type, linkcount) for name.
func (fs *Fs_t) Fs_stat(name ustr.Ustr) (int, int, int, defs.Err_t) {
	ino, _, _, err := fs.dirlookup(ROOTDIR_INO, name)
	if err != 0 {
		return 0, 0, 0, err
	}
	ind, gerr := fs.iget(ino)
	if gerr != 0 {
		return 0, 0, 0, gerr
	}
	defer fs.iput(ind)
	return ind.Size(), ind.Itype(), ind.Linkcount(), 0
}

/// Sizes returns the allocated and total block counts.
func (fs *Fs_t) Sizes() (int, int) {
	fs.freemap.Lock()
	defer fs.freemap.Unlock()
	used := 0
	for i := 0; i < fs.freemap.nblocks; i++ {
		if fs.freemap.isset(i) {
			used++
		}
	}
	return used, fs.freemap.nblocks
}

// reapgraveyard walks the graveyard directory and reclaims each
// listed inode. Runs at mount after recovery, once writing is
// enabled.
func (fs *Fs_t) reapgraveyard() defs.Err_t {
	gy := fs.super.Graveyard()
	if gy == 0 {
		return 0
	}
	dir, err := fs.iget(gy)
	if err != 0 {
		return err
	}
	nblk := util.Roundup(dir.Size(), BSIZE) / BSIZE
	type grave struct {
		name ustr.Ustr
		ino  int
	}
	var graves []grave
	for fb := 0; fb < nblk; fb++ {
		blk, _, berr := fs.bmap(0, dir, fb, false)
		if berr != 0 {
			fs.iput(dir)
			return berr
		}
		if blk == 0 {
			continue
		}
		db, berr2 := fs.bcache.Bread(blk)
		if berr2 != 0 {
			fs.iput(dir)
			return berr2
		}
		dd := Dirdata_t{Data: db.Data[:]}
		for s := 0; s < NDIRENTS; s++ {
			if dd.Inodenext(s) != 0 {
				nm := append(ustr.Ustr{}, dd.Filename(s)...)
				graves = append(graves, grave{name: nm, ino: dd.Inodenext(s)})
			}
		}
		fs.bcache.Brelse(db)
	}
	fs.iput(dir)

	for _, g := range graves {
		tx := fs.Trans_begin(TT_RECLAIM)
		if _, err := fs.dirremove(tx, gy, g.name); err != 0 {
			fs.Trans_commit(TT_RECLAIM)
			return err
		}
		if err := fs.ifree(tx, g.ino); err != 0 {
			fs.Trans_commit(TT_RECLAIM)
			return err
		}
		fs.Trans_commit(TT_RECLAIM)
	}
	return 0
}

/// Jphys exposes the log container, for the harness and tests.
func (fs *Fs_t) Jphys() *Jphys_t {
	return fs.jphys
}

/// Fs_statistics reports the journal's head (next LSN) and tail LSN.
func (fs *Fs_t) Fs_statistics() string {
	return fmt.Sprintf("jphys: head %v tail %v", fs.jphys.Peeknextlsn(), fs.jphys.Tail())
}
