// Package vm implements user address spaces: two-level page tables
// with lazily created second levels, demand paging through the
// coremap, the TLB fault handler, and the heap contract behind sbrk.
package vm

import "sync"
import "sync/atomic"

import "tern/defs"
import "tern/mem"
import "tern/util"

/// USERSTACK is the top of the user stack.
const USERSTACK uintptr = 0x80000000

/// STACKPAGES is the fixed stack reservation below USERSTACK.
const STACKPAGES = 16

/// Region permission bits.
const (
	PERM_X uint = 1 << 0
	PERM_W uint = 1 << 1
	PERM_R uint = 1 << 2
)

/// Region_t is one mapped segment of an address space, created at
/// program load.
type Region_t struct {
	Base  uintptr
	Size  uintptr
	Perms uint
}

var asid uint64

/// As_t is a user address space: an ordered region list, an implicit
/// heap between the top region and the stack reservation, and a
/// two-level page table. The embedded mutex guards the region list,
/// the heap bounds, and L1 slot creation; per-page state is serialised
/// by the L2 locks.
type As_t struct {
	sync.Mutex
	id   uint64
	phys *mem.Physmem_t
	mach *Machine_t

	regions   []Region_t
	heapstart uintptr
	heapend   uintptr

	l1 [PTSZ]*ptl2_t
}

/// As_create allocates an empty address space on the given machine.
func As_create(phys *mem.Physmem_t, mach *Machine_t) *As_t {
	as := &As_t{}
	as.id = atomic.AddUint64(&asid, 1)
	as.phys = phys
	as.mach = mach
	return as
}

/// As_define_region maps [va, va+sz) with the given permissions. The
/// base is aligned down and the size up to whole pages; the heap is
/// moved to sit immediately above the highest region.
func (as *As_t) As_define_region(va, sz uintptr, perms uint) defs.Err_t {
	if sz == 0 {
		return -defs.EINVAL
	}
	sz += va & uintptr(mem.PGOFFSET)
	va = va &^ uintptr(mem.PGOFFSET)
	sz = util.Roundup(sz, uintptr(mem.PGSIZE))

	as.Lock()
	defer as.Unlock()
	if as.heapstart < va+sz {
		as.heapstart = va + sz
		as.heapend = as.heapstart
	}
	as.regions = append(as.regions, Region_t{Base: va, Size: sz, Perms: perms})
	as.phys.Mem_change(-int(sz))
	return 0
}

// checkregion returns the permissions of the region containing va.
func (as *As_t) checkregion(va uintptr) (uint, bool) {
	for i := range as.regions {
		r := &as.regions[i]
		if va >= r.Base && va < r.Base+r.Size {
			return r.Perms, true
		}
	}
	return 0, false
}

/// Heapbounds returns the current [heap_start, heap_end).
func (as *As_t) Heapbounds() (uintptr, uintptr) {
	as.Lock()
	defer as.Unlock()
	return as.heapstart, as.heapend
}

/// Sbrk adjusts the heap break by amount bytes and returns the old
/// break. The heap grows within [heap_start, USERSTACK -
/// STACKPAGES*PGSIZE) and shrinks no lower than heap_start.
func (as *As_t) Sbrk(amount int) (uintptr, defs.Err_t) {
	as.Lock()
	old := as.heapend
	if amount > 0 && amount > as.phys.Mem_free() {
		as.Unlock()
		return old, -defs.ENOMEM
	}
	newend := uintptr(int(as.heapend) + amount)
	if newend < as.heapstart {
		as.Unlock()
		return old, -defs.EINVAL
	}
	if newend >= USERSTACK-uintptr(STACKPAGES*mem.PGSIZE) {
		as.Unlock()
		return old, -defs.ENOMEM
	}
	as.phys.Mem_change(-amount)
	as.heapend = newend
	as.Unlock()

	if amount < 0 {
		as.heaptrim(newend, old)
	}
	return old, 0
}

// heaptrim releases pages in [from, to) after the break moved down.
func (as *As_t) heaptrim(from, to uintptr) {
	first := util.Roundup(from, uintptr(mem.PGSIZE))
	for va := first; va < to; va += uintptr(mem.PGSIZE) {
		l2 := as.ptegetl2(va)
		if l2 == nil {
			continue
		}
		l2.lk.Lock()
		pte := &l2.etr[l2idx(va)]
		if pte.allocated {
			as.mach.Shootdown(va)
			if pte.inmem {
				as.phys.Dealloc(as, pte.paddr)
			} else if pte.store != 0 {
				as.phys.Swapfree(int(pte.store))
			}
			*pte = pte_t{}
		}
		l2.lk.Unlock()
	}
}

/// As_copy deep-copies the address space: regions and heap bounds are
/// duplicated, and every allocated page gets a fresh swap slot holding
/// a snapshot of its current contents. New entries are born allocated
/// and not resident. Each source L2 is locked for the duration of its
/// copy, and the TLB entry of every copied page is invalidated so no
/// CPU keeps writing through a stale translation during the snapshot.
func (as *As_t) As_copy() (*As_t, defs.Err_t) {
	nas := As_create(as.phys, as.mach)

	as.Lock()
	nas.regions = append([]Region_t{}, as.regions...)
	nas.heapstart = as.heapstart
	nas.heapend = as.heapend
	as.Unlock()

	buf := make([]uint8, mem.PGSIZE)
	for hi := 0; hi < PTSZ; hi++ {
		as.Lock()
		l2 := as.l1[hi]
		as.Unlock()
		if l2 == nil {
			continue
		}
		nl2 := &ptl2_t{lk: mem.MkPglock()}
		nas.l1[hi] = nl2

		l2.lk.Lock()
		for lo := 0; lo < PTSZ; lo++ {
			pte := &l2.etr[lo]
			if !pte.allocated {
				continue
			}
			va := uintptr(hi)<<l1shift | uintptr(lo)<<l2shift
			as.mach.Shootdown(va)

			slot, err := as.phys.Swapalloc()
			if err != 0 {
				l2.lk.Unlock()
				nas.As_destroy()
				return nil, err
			}
			if pte.inmem {
				err = as.phys.Swapwrite(slot, pte.paddr)
			} else {
				if err = as.phys.Swapreadbuf(int(pte.store), buf); err == 0 {
					err = as.phys.Swapwritebuf(slot, buf)
				}
			}
			if err != 0 {
				as.phys.Swapfree(slot)
				l2.lk.Unlock()
				nas.As_destroy()
				return nil, err
			}
			npte := &nl2.etr[lo]
			npte.allocated = true
			npte.inmem = false
			npte.store = int32(slot)
			npte.paddr = 0
		}
		l2.lk.Unlock()
	}
	return nas, 0
}

/// As_destroy frees every resident frame the address space owns, every
/// swap slot it holds, and its pagetables, then returns the region and
/// heap reservations to the free memory account.
func (as *As_t) As_destroy() {
	as.ptfree()
	as.mach.Flushall()

	as.Lock()
	total := 0
	for i := range as.regions {
		total += int(as.regions[i].Size)
	}
	total += int(as.heapend - as.heapstart)
	as.regions = nil
	as.heapstart = 0
	as.heapend = 0
	as.Unlock()
	as.phys.Mem_change(total)
}
