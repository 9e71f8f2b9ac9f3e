package mem

import "sync"

import "tern/defs"
import "tern/util"

// blocks per page on the swap device
const spb = PGSIZE / defs.BLOCKSIZE

// swap_t is the backing store: a page-aligned disk region with a
// bitmap of free slots. Each used slot is referenced by exactly one
// pagetable entry; a slot survives eviction/retrieval cycles and is
// freed only on pagetable destruction or explicit deallocation.
type swap_t struct {
	sync.Mutex
	bdev   defs.Blockdev_i
	bmap   []uint64
	nslots int
	nfree  int
}

/// Swap_init attaches the swap device and sizes the slot bitmap from
/// its length. Slot 0 is reserved so a zero store index never names a
/// valid slot. Fails with -ENXIO on a block size mismatch.
func (phys *Physmem_t) Swap_init(bdev defs.Blockdev_i) defs.Err_t {
	if bdev.Blocksize() != defs.BLOCKSIZE {
		return -defs.ENXIO
	}
	sw := &swap_t{}
	sw.bdev = bdev
	sw.nslots = bdev.Nblocks() / spb
	if sw.nslots == 0 {
		return -defs.ENXIO
	}
	sw.bmap = make([]uint64, util.Roundup(sw.nslots, 64)/64)
	sw.nfree = sw.nslots
	// mark the tail bits that have no disk behind them
	for i := sw.nslots; i < len(sw.bmap)*64; i++ {
		sw.bmap[i/64] |= 1 << uint(i%64)
	}
	phys.swap = sw
	phys.Mem_change(sw.nslots * PGSIZE)

	// reserve slot 0
	s, err := phys.Swapalloc()
	if err != 0 {
		return err
	}
	if s != 0 {
		panic("slot 0 taken")
	}
	phys.Mem_change(-PGSIZE)
	return 0
}

/// Swapalloc reserves a free swap slot. Fails with -ENOSPC when the
/// bitmap is full.
func (phys *Physmem_t) Swapalloc() (int, defs.Err_t) {
	sw := phys.swap
	sw.Lock()
	defer sw.Unlock()
	if sw.nfree == 0 {
		return 0, -defs.ENOSPC
	}
	for i := range sw.bmap {
		if sw.bmap[i] == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			if sw.bmap[i]&(1<<uint(b)) == 0 {
				sw.bmap[i] |= 1 << uint(b)
				sw.nfree--
				return i*64 + b, 0
			}
		}
	}
	panic("swap bitmap count wrong")
}

/// Swapfree releases a swap slot.
func (phys *Physmem_t) Swapfree(slot int) {
	sw := phys.swap
	sw.Lock()
	defer sw.Unlock()
	if slot <= 0 || slot >= sw.nslots {
		panic("bad swap slot")
	}
	if sw.bmap[slot/64]&(1<<uint(slot%64)) == 0 {
		panic("swap slot already free")
	}
	sw.bmap[slot/64] &^= 1 << uint(slot%64)
	sw.nfree++
}

/// Swapinuse reports whether a slot is allocated.
func (phys *Physmem_t) Swapinuse(slot int) bool {
	sw := phys.swap
	sw.Lock()
	defer sw.Unlock()
	if slot <= 0 || slot >= sw.nslots {
		return false
	}
	return sw.bmap[slot/64]&(1<<uint(slot%64)) != 0
}

/// Swapwrite copies the frame at pa into slot.
func (phys *Physmem_t) Swapwrite(slot int, pa Pa_t) defs.Err_t {
	return phys.Swapwritebuf(slot, phys.Pg(pa)[:])
}

/// Swapread fills the frame at pa from slot.
func (phys *Physmem_t) Swapread(slot int, pa Pa_t) defs.Err_t {
	return phys.Swapreadbuf(slot, phys.Pg(pa)[:])
}

/// Swapwritebuf writes one page worth of bytes to slot.
func (phys *Physmem_t) Swapwritebuf(slot int, buf []uint8) defs.Err_t {
	if len(buf) != PGSIZE {
		panic("partial page write")
	}
	sw := phys.swap
	for i := 0; i < spb; i++ {
		b := buf[i*defs.BLOCKSIZE : (i+1)*defs.BLOCKSIZE]
		if err := sw.bdev.Write_block(slot*spb+i, b); err != 0 {
			return err
		}
	}
	return 0
}

/// Swapreadbuf reads one page worth of bytes from slot.
func (phys *Physmem_t) Swapreadbuf(slot int, buf []uint8) defs.Err_t {
	if len(buf) != PGSIZE {
		panic("partial page read")
	}
	sw := phys.swap
	for i := 0; i < spb; i++ {
		b := buf[i*defs.BLOCKSIZE : (i+1)*defs.BLOCKSIZE]
		if err := sw.bdev.Read_block(slot*spb+i, b); err != 0 {
			return err
		}
	}
	return 0
}

/// Swapfreeslots returns the number of free swap slots.
func (phys *Physmem_t) Swapfreeslots() int {
	sw := phys.swap
	sw.Lock()
	defer sw.Unlock()
	return sw.nfree
}
