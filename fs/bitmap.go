package fs

import "sync"

import "tern/defs"
import "tern/util"

/// FREEMAPBITS rounds a block count up to the freemap's bit
/// granularity (one freemap block holds 4096 bits).
func FREEMAPBITS(nblocks int) int {
	return util.Roundup(nblocks, BSIZE*8)
}

/// FREEMAPBLOCKS returns the number of disk blocks the freemap
/// occupies for an nblocks filesystem.
func FREEMAPBLOCKS(nblocks int) int {
	return FREEMAPBITS(nblocks) / (BSIZE * 8)
}

/// Freemap_t is the in-memory copy of the on-disk free block bitmap:
/// one bit per filesystem block, loaded whole at mount and written
/// back whole on sync. The bits beyond the end of the device are
/// marked in use by mkfs and never freed.
type Freemap_t struct {
	sync.Mutex
	data    []uint8
	nblocks int
	dirty   bool

	// WAL bookkeeping: the freemap image may only be written back
	// after the log is durable to newest_lsn; oldest_lsn bounds the
	// checkpoint trim.
	oldest_lsn uint64
	newest_lsn uint64
}

func mkFreemap(nblocks int) *Freemap_t {
	fm := &Freemap_t{}
	fm.nblocks = nblocks
	fm.data = make([]uint8, FREEMAPBLOCKS(nblocks)*BSIZE)
	return fm
}

// load and writeback run against the device directly; the freemap is
// not cached in the buffer cache.
func (fm *Freemap_t) load(dev defs.Blockdev_i) defs.Err_t {
	fm.Lock()
	defer fm.Unlock()
	for j := 0; j < len(fm.data)/BSIZE; j++ {
		b := fm.data[j*BSIZE : (j+1)*BSIZE]
		if err := dev.Read_block(FREEMAP_START+j, b); err != 0 {
			return err
		}
	}
	return 0
}

func (fm *Freemap_t) isset(blkno int) bool {
	return fm.data[blkno/8]&(1<<uint(blkno%8)) != 0
}

func (fm *Freemap_t) mark(blkno int) {
	fm.data[blkno/8] |= 1 << uint(blkno%8)
	fm.dirty = true
}

func (fm *Freemap_t) unmark(blkno int) {
	fm.data[blkno/8] &^= 1 << uint(blkno%8)
	fm.dirty = true
}

/// Isset reports whether blkno is allocated.
func (fm *Freemap_t) Isset(blkno int) bool {
	fm.Lock()
	defer fm.Unlock()
	return fm.isset(blkno)
}

/// Mark allocates blkno if it is free.
func (fm *Freemap_t) Mark(blkno int) {
	fm.Lock()
	defer fm.Unlock()
	if !fm.isset(blkno) {
		fm.mark(blkno)
	}
}

/// Unmark frees blkno if it is allocated.
func (fm *Freemap_t) Unmark(blkno int) {
	fm.Lock()
	defer fm.Unlock()
	if fm.isset(blkno) {
		fm.unmark(blkno)
	}
}

// alloc finds, marks, and returns a free block.
func (fm *Freemap_t) alloc() (int, defs.Err_t) {
	fm.Lock()
	defer fm.Unlock()
	for i := 0; i < fm.nblocks; i++ {
		if !fm.isset(i) {
			fm.mark(i)
			return i, 0
		}
	}
	return 0, -defs.ENOSPC
}

// free releases an allocated block.
func (fm *Freemap_t) free(blkno int) {
	fm.Lock()
	defer fm.Unlock()
	if blkno <= 0 || blkno >= fm.nblocks {
		panic("bad block number")
	}
	if !fm.isset(blkno) {
		panic("freeing free block")
	}
	fm.unmark(blkno)
}

// updlsn records that a journal record at lsn mutated the freemap.
func (fm *Freemap_t) updlsn(lsn uint64) {
	fm.Lock()
	defer fm.Unlock()
	if fm.oldest_lsn == 0 {
		fm.oldest_lsn = lsn
	}
	if fm.newest_lsn < lsn {
		fm.newest_lsn = lsn
	}
}

func (fm *Freemap_t) lsns() (uint64, uint64) {
	fm.Lock()
	defer fm.Unlock()
	return fm.oldest_lsn, fm.newest_lsn
}
