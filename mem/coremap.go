package mem

import "fmt"
import "runtime"

import "tern/defs"

const cm_debug = false

// claimfree marks index i busy under the coremap spin lock if the
// entry is currently free (neither busy nor allocated).
func (phys *Physmem_t) claimfree(i int) bool {
	phys.Lock()
	defer phys.Unlock()
	e := &phys.cm[i]
	if e.busy || e.allocated {
		return false
	}
	e.busy = true
	return true
}

// findfree linear probes for an unallocated frame and claims it.
func (phys *Physmem_t) findfree() int {
	phys.usedlock.Lock()
	full := phys.used == len(phys.cm)
	phys.usedlock.Unlock()
	if full {
		return -1
	}
	for i := range phys.cm {
		if phys.claimfree(i) {
			return i
		}
	}
	return -1
}

/// Alloc_user returns an unbusied, zeroed, resident frame bound to
/// (as, va). It may evict another user page; hold names the L2 lock
/// the caller already holds. Fails with -ENOMEM when no frame is free
/// and none can be evicted; a failed swap write of the victim is
/// returned as is.
func (phys *Physmem_t) Alloc_user(as Pager_i, va uintptr, hold *Lockctx_t) (Pa_t, defs.Err_t) {
	if as == nil || va == 0 {
		panic("user frame needs an owner")
	}
	ci, err := phys.getframe(hold)
	if err != 0 {
		return 0, err
	}
	pg := &phys.pgs[ci]
	for i := range pg {
		pg[i] = 0
	}
	phys.bind(ci, as, va)
	phys.Clear_busy(phys.cmpaddr(ci))
	phys.Stats.Allocs.Inc()
	return phys.cmpaddr(ci), 0
}

/// Load_user allocates a frame bound to (as, va) and fills it from
/// swap slot store. The frame is returned still busy; the caller
/// clears it with Clear_busy after installing the TLB entry.
func (phys *Physmem_t) Load_user(as Pager_i, va uintptr, store int, hold *Lockctx_t) (Pa_t, defs.Err_t) {
	if as == nil || va == 0 {
		panic("user frame needs an owner")
	}
	ci, err := phys.getframe(hold)
	if err != 0 {
		return 0, err
	}
	pa := phys.cmpaddr(ci)
	if err := phys.Swapread(store, pa); err != 0 {
		phys.Clear_busy(pa)
		return 0, err
	}
	phys.Stats.Swapins.Inc()
	phys.bind(ci, as, va)
	phys.Stats.Allocs.Inc()
	return pa, 0
}

// bind installs the reverse mapping for a user frame.
func (phys *Physmem_t) bind(ci int, as Pager_i, va uintptr) {
	phys.Lock()
	e := &phys.cm[ci]
	e.as = as
	e.va = va
	e.iskernel = false
	e.allocated = true
	e.dirty = false
	e.usedrecently = true
	phys.Unlock()
	phys.useradd(1)
}

/// Clear_busy releases the busy hand-off bit on pa's frame.
func (phys *Physmem_t) Clear_busy(pa Pa_t) {
	phys.Lock()
	e := &phys.cm[phys.cmidx(pa)]
	if !e.busy {
		panic("frame not busy")
	}
	e.busy = false
	phys.Unlock()
}

// getframe finds a free frame or evicts one. The returned index is
// busy.
func (phys *Physmem_t) getframe(hold *Lockctx_t) (int, defs.Err_t) {
	for {
		if ci := phys.findfree(); ci >= 0 {
			return ci, 0
		}
		ci, ok := phys.chooseevict()
		if !ok {
			phys.oom()
			return 0, -defs.ENOMEM
		}
		retry, err := phys.doevict(ci, hold)
		if err != 0 {
			phys.Clear_busy(phys.cmpaddr(ci))
			return 0, err
		}
		if retry {
			phys.Clear_busy(phys.cmpaddr(ci))
			runtime.Gosched()
			continue
		}
		return ci, 0
	}
}

/// Alloc_kernel allocates a contiguous, never-evictable run of npages
/// frames. Every entry but the last has hasnext set. Linear probe:
/// candidates are reserved via their busy bit; a busy or kernel frame
/// releases the reserved prefix and restarts past the obstacle; a
/// reserved user frame is evicted in place before commit.
func (phys *Physmem_t) Alloc_kernel(npages int) (Pa_t, defs.Err_t) {
	if npages <= 0 {
		panic("bad kernel alloc size")
	}
	start := 0
	for end := 0; end < len(phys.cm); end++ {
		phys.Lock()
		e := &phys.cm[end]
		if e.busy || (e.allocated && e.iskernel) {
			for ; start < end; start++ {
				phys.cm[start].busy = false
			}
			phys.Unlock()
			start = end + 1
			continue
		}
		e.busy = true
		phys.Unlock()

		if end-start != npages-1 {
			continue
		}

		// commit: evict any reserved user frames, then take ownership
		for i := start; i <= end; i++ {
			phys.Lock()
			wasuser := phys.cm[i].allocated && !phys.cm[i].iskernel
			phys.Unlock()
			if wasuser {
				for {
					retry, err := phys.doevict(i, nil)
					if err != 0 {
						phys.kabort(start, end)
						return 0, err
					}
					if !retry {
						break
					}
					runtime.Gosched()
				}
			}
			phys.Lock()
			e := &phys.cm[i]
			e.as = nil
			e.va = 0
			e.iskernel = true
			e.allocated = true
			e.hasnext = i < end
			e.busy = false
			phys.Unlock()
		}
		phys.useradd(npages)
		phys.Stats.Kallocs.Inc()
		return phys.cmpaddr(start), 0
	}
	phys.kabort(start, len(phys.cm)-1)
	phys.oom()
	return 0, -defs.ENOMEM
}

func (phys *Physmem_t) kabort(start, end int) {
	phys.Lock()
	for i := start; i <= end && i < len(phys.cm); i++ {
		phys.cm[i].busy = false
	}
	phys.Unlock()
}

/// Dealloc frees the frame at pa and, for kernel allocations, every
/// frame linked by hasnext. For a user frame the owning entry's swap
/// slot is freed too. A frame whose busy bit another holder owns is
/// left alone; pagetable destruction is the sole deallocator for a
/// given user page, so such races do not arise by construction.
func (phys *Physmem_t) Dealloc(as Pager_i, pa Pa_t) {
	ci := phys.cmidx(pa & PGMASK)
	hasnext := true
	for hasnext {
		phys.Lock()
		e := &phys.cm[ci]
		if e.busy {
			phys.Unlock()
			return
		}
		e.busy = true
		hasnext = e.hasnext
		va := e.va
		phys.Unlock()

		if as != nil {
			if store, ok := as.Storeslot(va); ok {
				phys.Swapfree(store)
			}
		}

		phys.Lock()
		e = &phys.cm[ci]
		if !e.allocated {
			panic("dealloc of free frame")
		}
		e.as = nil
		e.va = 0
		e.allocated = false
		e.iskernel = false
		e.hasnext = false
		e.dirty = false
		e.usedrecently = false
		e.busy = false
		phys.Unlock()
		phys.useradd(-1)
		ci++
	}
}

/// Set_dirty marks pa's frame dirty. Idempotent.
func (phys *Physmem_t) Set_dirty(pa Pa_t) {
	phys.Lock()
	e := &phys.cm[phys.cmidx(pa&PGMASK)]
	e.dirty = true
	e.usedrecently = true
	phys.Unlock()
}

// doevict is the common eviction path. cm[ci] is busy and names a user
// page. It acquires the victim's L2 lock in the global order relative
// to hold, re-validates the pagetable entry, shoots down the stale
// translation before the frame touches the swap device, and on success
// leaves the frame busy, unbound, and clean for the caller. retry=true
// means a fault owns the page right now and another victim is needed.
func (phys *Physmem_t) doevict(ci int, hold *Lockctx_t) (bool, defs.Err_t) {
	phys.Lock()
	e := &phys.cm[ci]
	if !e.busy || e.iskernel || !e.allocated {
		panic("bad eviction victim: " + phys.dumplocked())
	}
	as, va := e.as, e.va
	dirty := e.dirty
	phys.Unlock()

	vl := as.Pglock(va)
	if vl == nil {
		// pagetable already torn down
		phys.evictclear(ci)
		return false, 0
	}
	locked := phys.evictlock(as, vl, hold)
	defer func() {
		if locked {
			vl.Unlock()
		}
	}()

	store, res := as.Evictprep(va, phys.cmpaddr(ci))
	switch res {
	case EVICT_RETRY:
		return true, 0
	case EVICT_GONE:
		phys.evictclear(ci)
		return false, 0
	}
	if dirty {
		if err := phys.Swapwrite(store, phys.cmpaddr(ci)); err != 0 {
			return false, err
		}
		phys.Stats.Swapouts.Inc()
	}
	as.Evictdone(va)
	phys.evictclear(ci)
	phys.Stats.Evictions.Inc()
	if cm_debug {
		fmt.Printf("cm: evicted frame %v va %#x\n", ci, va)
	}
	return false, 0
}

// evictclear unbinds an evicted entry, leaving it busy for reuse.
func (phys *Physmem_t) evictclear(ci int) {
	phys.Lock()
	e := &phys.cm[ci]
	e.as = nil
	e.va = 0
	e.allocated = false
	e.dirty = false
	e.usedrecently = false
	phys.Unlock()
	phys.useradd(-1)
}

// evictlock acquires the victim's L2 lock respecting the global order:
// address-space handle first, lock id as the tie break within one
// address space. If the victim orders below the held lock, the held
// lock is released, the victim's taken, and the held lock reacquired.
// Returns false when the needed lock is the held one.
func (phys *Physmem_t) evictlock(victim Pager_i, vl *Pglock_t, hold *Lockctx_t) bool {
	if hold == nil {
		vl.Lock()
		return true
	}
	if vl == hold.Lk {
		return false
	}
	vh, hh := victim.Handle(), hold.As.Handle()
	if vh < hh || (vh == hh && vl.Id < hold.Lk.Id) {
		hold.Lk.Unlock()
		vl.Lock()
		hold.Lk.Lock()
	} else {
		vl.Lock()
	}
	return true
}

func (phys *Physmem_t) dumplocked() string {
	var na int
	for i := range phys.cm {
		if phys.cm[i].allocated {
			na++
		}
	}
	return fmt.Sprintf("coremap %v/%v allocated", na, len(phys.cm))
}
