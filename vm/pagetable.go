package vm

import "tern/mem"

/// PTSZ is the number of slots in each pagetable level: the virtual
/// address splits into a 10-bit L1 index, a 10-bit L2 index, and a
/// 12-bit page offset.
const PTSZ = 1024

const l1shift = 22
const l2shift = 12

func l1idx(va uintptr) int {
	return int(va>>l1shift) & (PTSZ - 1)
}

func l2idx(va uintptr) int {
	return int(va>>l2shift) & (PTSZ - 1)
}

// pte_t is a per-virtual-page record. A pte with allocated set is
// either resident (inmem, paddr valid) or swapped out (store names its
// slot); the slot is kept across eviction/retrieval cycles. busy
// covers the window where a fault is servicing this page and the L2
// lock may be dropped for ordered eviction locking.
type pte_t struct {
	paddr     mem.Pa_t
	store     int32
	allocated bool
	inmem     bool
	busy      bool
}

// ptl2_t is a lazily created second-level table with its own lock.
type ptl2_t struct {
	lk  *mem.Pglock_t
	etr [PTSZ]pte_t
}

// ensurel2 creates the L2 table and its lock for va's L1 slot if
// absent. Creation is serialised by the address-space mutex.
func (as *As_t) ensurel2(va uintptr) *ptl2_t {
	hi := l1idx(va)
	as.Lock()
	l2 := as.l1[hi]
	if l2 == nil {
		l2 = &ptl2_t{lk: mem.MkPglock()}
		as.l1[hi] = l2
	}
	as.Unlock()
	return l2
}

// ptegetl2 returns the L2 table for va without creating it.
func (as *As_t) ptegetl2(va uintptr) *ptl2_t {
	as.Lock()
	l2 := as.l1[l1idx(va)]
	as.Unlock()
	return l2
}

//
// mem.Pager_i: the coremap's view of this address space.
//

/// Handle returns the address space's global ordering token.
func (as *As_t) Handle() uint64 {
	return as.id
}

/// Pglock returns the L2 lock covering va, or nil if the table was
/// never created.
func (as *As_t) Pglock(va uintptr) *mem.Pglock_t {
	l2 := as.ptegetl2(va)
	if l2 == nil {
		return nil
	}
	return l2.lk
}

/// Evictprep runs with va's L2 lock held. If the entry still maps pa
/// and no fault is mid-service on it, the stale translation is shot
/// down on every CPU and the entry's swap slot returned. The shootdown
/// happens before the frame touches the swap device so no CPU caches a
/// translation to a frame in flight to disk.
func (as *As_t) Evictprep(va uintptr, pa mem.Pa_t) (int, mem.Evictres_t) {
	l2 := as.ptegetl2(va)
	if l2 == nil {
		return 0, mem.EVICT_GONE
	}
	pte := &l2.etr[l2idx(va)]
	if pte.busy {
		return 0, mem.EVICT_RETRY
	}
	if !pte.allocated || !pte.inmem || pte.paddr != pa {
		return 0, mem.EVICT_GONE
	}
	as.mach.Shootdown(va &^ uintptr(mem.PGOFFSET))
	return int(pte.store), mem.EVICT_OK
}

/// Evictdone flips the entry to not-resident; the swap slot keeps the
/// page.
func (as *As_t) Evictdone(va uintptr) {
	l2 := as.ptegetl2(va)
	pte := &l2.etr[l2idx(va)]
	pte.inmem = false
	pte.paddr = 0
}

/// Storeslot returns the swap slot held by va's entry.
func (as *As_t) Storeslot(va uintptr) (int, bool) {
	l2 := as.ptegetl2(va)
	if l2 == nil {
		return 0, false
	}
	pte := &l2.etr[l2idx(va)]
	if !pte.allocated || pte.store == 0 {
		return 0, false
	}
	return int(pte.store), true
}

// ptfree tears down every pagetable entry, releasing frames and swap
// slots. Only address-space destruction calls this.
func (as *As_t) ptfree() {
	for hi := 0; hi < PTSZ; hi++ {
		as.Lock()
		l2 := as.l1[hi]
		as.Unlock()
		if l2 == nil {
			continue
		}
		l2.lk.Lock()
		for lo := 0; lo < PTSZ; lo++ {
			pte := &l2.etr[lo]
			if !pte.allocated {
				continue
			}
			if pte.inmem {
				// Dealloc frees the frame and, through Storeslot,
				// the swap slot
				as.phys.Dealloc(as, pte.paddr)
			} else if pte.store != 0 {
				as.phys.Swapfree(int(pte.store))
			}
			*pte = pte_t{}
		}
		l2.lk.Unlock()
		as.Lock()
		as.l1[hi] = nil
		as.Unlock()
	}
}
