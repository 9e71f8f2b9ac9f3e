package vm

import "fmt"
import "runtime"

import "tern/defs"
import "tern/mem"

const vm_debug = false

/// Fault types passed to Vm_fault. READONLY means the processor
/// trapped on a store through a translation without the writable bit;
/// it is never demand allocation.
const (
	VM_FAULT_READ = iota
	VM_FAULT_WRITE
	VM_FAULT_READONLY
)

/// Vm_fault services a TLB fault on cpu for va. It returns 0 when a
/// translation was installed and -EFAULT when va lies outside every
/// region, the stack window, and the heap, or when the access violates
/// the region permissions. A full physical memory is resolved by
/// eviction. It returns -ENOMEM when no swap slot is left to back a
/// first touch, and passes on the coremap's error when no frame can be
/// freed or a swap transfer fails.
func (as *As_t) Vm_fault(cpu int, faulttype int, va uintptr) defs.Err_t {
	if va == 0 {
		return -defs.EFAULT
	}
	pgva := va &^ uintptr(mem.PGOFFSET)
	iswrite := faulttype == VM_FAULT_WRITE || faulttype == VM_FAULT_READONLY

	as.Lock()
	perms, inregion := as.checkregion(va)
	instack := va >= USERSTACK-uintptr(STACKPAGES*mem.PGSIZE) && va < USERSTACK
	inheap := va >= as.heapstart && va < as.heapend
	as.Unlock()

	if !inregion && !instack && !inheap {
		if vm_debug {
			fmt.Printf("vm: fault outside regions va %#x\n", va)
		}
		return -defs.EFAULT
	}
	if inregion && iswrite && perms&PERM_W == 0 {
		return -defs.EFAULT
	}

	l2 := as.ensurel2(pgva)
	hold := &mem.Lockctx_t{As: as, Lk: l2.lk}

	l2.lk.Lock()
	pte := &l2.etr[l2idx(pgva)]
	for pte.busy {
		// another fault is mid-service on this page; let it finish
		l2.lk.Unlock()
		runtime.Gosched()
		l2.lk.Lock()
	}

	var loadbusy bool
	if !pte.allocated {
		// first touch: reserve the backing slot, then a zeroed frame
		slot, err := as.phys.Swapalloc()
		if err != 0 {
			l2.lk.Unlock()
			return -defs.ENOMEM
		}
		pte.busy = true
		pa, err := as.phys.Alloc_user(as, pgva, hold)
		if err != 0 {
			as.phys.Swapfree(slot)
			pte.busy = false
			l2.lk.Unlock()
			return err
		}
		pte.store = int32(slot)
		pte.paddr = pa
		pte.allocated = true
		pte.inmem = true
		pte.busy = false
	} else if !pte.inmem {
		pte.busy = true
		pa, err := as.phys.Load_user(as, pgva, int(pte.store), hold)
		if err != 0 {
			pte.busy = false
			l2.lk.Unlock()
			return err
		}
		pte.paddr = pa
		pte.inmem = true
		pte.busy = false
		loadbusy = true
	}

	ppn := pte.paddr
	l2.lk.Unlock()

	c := as.mach.Cpu(cpu)
	switch faulttype {
	case VM_FAULT_READ, VM_FAULT_WRITE:
		c.Write_random(pgva, ppn, TLB_VALID)
	case VM_FAULT_READONLY:
		as.phys.Set_dirty(ppn)
		if i, _, ok := c.Probe(pgva); ok {
			c.Write(i, pgva, ppn, TLB_VALID|TLB_WRITABLE)
		} else {
			c.Write_random(pgva, ppn, TLB_VALID|TLB_WRITABLE)
		}
	default:
		panic("bad fault type")
	}
	if loadbusy {
		// the frame was handed to us busy; release it now that the
		// translation is live
		as.phys.Clear_busy(ppn)
	}
	return 0
}

/// Userwrite stores src at user address va on cpu, faulting pages in
/// as the hardware would: a TLB miss raises a WRITE fault and a store
/// through a clean translation raises a READONLY fault.
func (as *As_t) Userwrite(cpu int, va uintptr, src []uint8) defs.Err_t {
	c := as.mach.Cpu(cpu)
	for len(src) > 0 {
		pgva := va &^ uintptr(mem.PGOFFSET)
		_, e, ok := c.Probe(pgva)
		if !ok {
			if err := as.Vm_fault(cpu, VM_FAULT_WRITE, va); err != 0 {
				return err
			}
			_, e, ok = c.Probe(pgva)
			if !ok {
				panic("fault did not install translation")
			}
		}
		if e.Flags&TLB_WRITABLE == 0 {
			if err := as.Vm_fault(cpu, VM_FAULT_READONLY, va); err != 0 {
				return err
			}
			_, e, ok = c.Probe(pgva)
			if !ok {
				panic("fault did not install translation")
			}
		}
		off := int(va - pgva)
		pg := as.phys.Pg(e.Ppn)
		n := copy(pg[off:], src)
		src = src[n:]
		va += uintptr(n)
	}
	return 0
}

/// Userread loads len(dst) bytes from user address va on cpu, faulting
/// pages in on TLB misses.
func (as *As_t) Userread(cpu int, va uintptr, dst []uint8) defs.Err_t {
	c := as.mach.Cpu(cpu)
	for len(dst) > 0 {
		pgva := va &^ uintptr(mem.PGOFFSET)
		_, e, ok := c.Probe(pgva)
		if !ok {
			if err := as.Vm_fault(cpu, VM_FAULT_READ, va); err != 0 {
				return err
			}
			_, e, ok = c.Probe(pgva)
			if !ok {
				panic("fault did not install translation")
			}
		}
		off := int(va - pgva)
		pg := as.phys.Pg(e.Ppn)
		n := copy(dst, pg[off:])
		dst = dst[n:]
		va += uintptr(n)
	}
	return 0
}
