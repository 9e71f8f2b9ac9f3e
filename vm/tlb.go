package vm

import "math/rand"
import "sync"

import "tern/mem"

/// TLBSZ is the number of entries in each software TLB.
const TLBSZ = 64

/// TLB_VALID marks a usable translation.
const TLB_VALID uint32 = 1 << 0

/// TLB_WRITABLE permits stores through the translation; a store
/// through an entry without it raises a READONLY fault.
const TLB_WRITABLE uint32 = 1 << 1

/// Tlbe_t is one TLB entry: a (vpn, ppn) pair plus flags.
type Tlbe_t struct {
	Vpn   uintptr
	Ppn   mem.Pa_t
	Flags uint32
}

/// Cpu_t models one processor's software-filled TLB.
type Cpu_t struct {
	sync.Mutex
	id  int
	tlb [TLBSZ]Tlbe_t
}

/// Probe searches the TLB for vpn and returns the matching index and
/// entry.
func (c *Cpu_t) Probe(vpn uintptr) (int, Tlbe_t, bool) {
	c.Lock()
	defer c.Unlock()
	for i := range c.tlb {
		e := &c.tlb[i]
		if e.Flags&TLB_VALID != 0 && e.Vpn == vpn {
			return i, *e, true
		}
	}
	return -1, Tlbe_t{}, false
}

/// Write installs a translation at index i.
func (c *Cpu_t) Write(i int, vpn uintptr, ppn mem.Pa_t, flags uint32) {
	c.Lock()
	c.tlb[i] = Tlbe_t{Vpn: vpn, Ppn: ppn, Flags: flags}
	c.Unlock()
}

/// Write_random installs a translation in the slot already holding
/// vpn, else in the first invalid slot, else at a random index,
/// evicting whatever was there.
func (c *Cpu_t) Write_random(vpn uintptr, ppn mem.Pa_t, flags uint32) {
	c.Lock()
	// reuse an existing slot for this vpn so a page never has two
	// live translations
	slot := -1
	for i := range c.tlb {
		if c.tlb[i].Flags&TLB_VALID != 0 && c.tlb[i].Vpn == vpn {
			slot = i
			break
		}
		if slot < 0 && c.tlb[i].Flags&TLB_VALID == 0 {
			slot = i
		}
	}
	if slot < 0 {
		slot = rand.Intn(TLBSZ)
	}
	c.tlb[slot] = Tlbe_t{Vpn: vpn, Ppn: ppn, Flags: flags}
	c.Unlock()
}

/// Flush invalidates the entry for vpn, if cached.
func (c *Cpu_t) Flush(vpn uintptr) {
	c.Lock()
	for i := range c.tlb {
		e := &c.tlb[i]
		if e.Flags&TLB_VALID != 0 && e.Vpn == vpn {
			*e = Tlbe_t{}
		}
	}
	c.Unlock()
}

/// Flush_all invalidates every entry.
func (c *Cpu_t) Flush_all() {
	c.Lock()
	for i := range c.tlb {
		c.tlb[i] = Tlbe_t{}
	}
	c.Unlock()
}

/// Machine_t owns the per-CPU TLBs; there are no ASIDs, so a context
/// switch flushes the whole TLB.
type Machine_t struct {
	cpus []*Cpu_t
}

/// MkMachine creates a machine with ncpu processors.
func MkMachine(ncpu int) *Machine_t {
	if ncpu <= 0 {
		panic("need a cpu")
	}
	m := &Machine_t{}
	m.cpus = make([]*Cpu_t, ncpu)
	for i := range m.cpus {
		m.cpus[i] = &Cpu_t{id: i}
	}
	return m
}

/// Ncpu returns the processor count.
func (m *Machine_t) Ncpu() int {
	return len(m.cpus)
}

/// Cpu returns processor i.
func (m *Machine_t) Cpu(i int) *Cpu_t {
	return m.cpus[i]
}

/// Activate is the context switch hook: the incoming address space
/// gets a clean TLB on that CPU.
func (m *Machine_t) Activate(cpu int) {
	m.cpus[cpu].Flush_all()
}

/// Shootdown broadcasts a single-address invalidation to every CPU and
/// returns only after all of them have acknowledged.
func (m *Machine_t) Shootdown(vpn uintptr) {
	var wg sync.WaitGroup
	wg.Add(len(m.cpus))
	for _, c := range m.cpus {
		go func(c *Cpu_t) {
			c.Flush(vpn)
			wg.Done()
		}(c)
	}
	wg.Wait()
}

/// Flushall invalidates every TLB on every CPU.
func (m *Machine_t) Flushall() {
	for _, c := range m.cpus {
		c.Flush_all()
	}
}
