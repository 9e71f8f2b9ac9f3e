package vm

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "tern/defs"
import "tern/mem"

type memdisk_t struct {
	blks [][]uint8
}

func mkmemdisk(nblocks int) *memdisk_t {
	d := &memdisk_t{}
	d.blks = make([][]uint8, nblocks)
	for i := range d.blks {
		d.blks[i] = make([]uint8, defs.BLOCKSIZE)
	}
	return d
}

func (d *memdisk_t) Read_block(blkno int, buf []uint8) defs.Err_t {
	copy(buf, d.blks[blkno])
	return 0
}

func (d *memdisk_t) Write_block(blkno int, buf []uint8) defs.Err_t {
	copy(d.blks[blkno], buf)
	return 0
}

func (d *memdisk_t) Nblocks() int   { return len(d.blks) }
func (d *memdisk_t) Blocksize() int { return defs.BLOCKSIZE }

// mkvm builds a machine with nframes of RAM and swappages of backing
// store.
func mkvm(t *testing.T, nframes, swappages, ncpu int) (*mem.Physmem_t, *Machine_t) {
	phys := mem.Phys_init(nframes)
	d := mkmemdisk(swappages * mem.PGSIZE / defs.BLOCKSIZE)
	require.Equal(t, defs.Err_t(0), phys.Swap_init(d))
	return phys, MkMachine(ncpu)
}

const codebase = uintptr(0x00400000)

// mkproc is an address space with one small RWX region, the way a
// loaded program looks.
func mkproc(t *testing.T, phys *mem.Physmem_t, mach *Machine_t) *As_t {
	as := As_create(phys, mach)
	err := as.As_define_region(codebase, 0x20000, PERM_R|PERM_W|PERM_X)
	require.Equal(t, defs.Err_t(0), err)
	return as
}

func TestFaultOutsideRegions(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	assert.Equal(t, -defs.EFAULT, as.Vm_fault(0, VM_FAULT_READ, 0x10000))
	assert.Equal(t, -defs.EFAULT, as.Vm_fault(0, VM_FAULT_READ, 0))
	// the stack window is always valid
	assert.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, USERSTACK-8))
}

func TestFaultPermissions(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := As_create(phys, mach)
	defer as.As_destroy()
	require.Equal(t, defs.Err_t(0), as.As_define_region(codebase, 0x1000, PERM_R|PERM_X))

	assert.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, codebase))
	assert.Equal(t, -defs.EFAULT, as.Vm_fault(0, VM_FAULT_WRITE, codebase+8))
}

func TestFaultIdempotence(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	va := codebase + 0x1000
	require.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, va))
	used := phys.Used()
	_, e1, ok := mach.Cpu(0).Probe(va)
	require.True(t, ok)

	require.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, va))
	assert.Equal(t, used, phys.Used())
	_, e2, ok := mach.Cpu(0).Probe(va)
	require.True(t, ok)
	assert.Equal(t, e1.Ppn, e2.Ppn)
}

func TestFirstTouchZeroFill(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	buf := make([]uint8, 64)
	for i := range buf {
		buf[i] = 0xff
	}
	require.Equal(t, defs.Err_t(0), as.Userread(0, codebase+0x2000, buf))
	for _, b := range buf {
		assert.Equal(t, uint8(0), b)
	}
}

// Scenario: two pages, physical memory capped at one user frame.
// Touch both, then re-read the first; it must come back from swap
// intact after an evict-then-load cycle.
func TestEvictAndFaultBack(t *testing.T) {
	phys, mach := mkvm(t, 1, 16, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	pga := uintptr(0x00401000)
	pgb := uintptr(0x00402000)
	wa := make([]uint8, 32)
	wb := make([]uint8, 32)
	for i := range wa {
		wa[i] = 0xaa
		wb[i] = 0xbb
	}

	require.Equal(t, defs.Err_t(0), as.Userwrite(0, pga, wa))
	require.Equal(t, defs.Err_t(0), as.Userwrite(0, pgb, wb))

	got := make([]uint8, 32)
	require.Equal(t, defs.Err_t(0), as.Userread(0, pga, got))
	assert.Equal(t, wa, got)

	// the single frame forced an evict-then-load cycle
	assert.GreaterOrEqual(t, phys.Stats.Evictions.Read(), int64(2))
	assert.GreaterOrEqual(t, phys.Stats.Swapins.Read(), int64(1))

	// and the second page survives too
	require.Equal(t, defs.Err_t(0), as.Userread(0, pgb, got))
	assert.Equal(t, wb, got)
}

// Scenario: sbrk grow and shrink with the exact boundary behaviour.
func TestHeapGrowShrink(t *testing.T) {
	phys, mach := mkvm(t, 4, 64, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	hs, he := as.Heapbounds()
	require.Equal(t, uintptr(0x00420000), hs)
	require.Equal(t, hs, he)

	old, err := as.Sbrk(8192)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, uintptr(0x00420000), old)
	_, he = as.Heapbounds()
	assert.Equal(t, uintptr(0x00422000), he)

	one := []uint8{0x42}
	require.Equal(t, defs.Err_t(0), as.Userwrite(0, 0x00421ffc, one))

	old, err = as.Sbrk(-4096)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, uintptr(0x00422000), old)
	_, he = as.Heapbounds()
	assert.Equal(t, uintptr(0x00421000), he)

	assert.Equal(t, -defs.EFAULT, as.Userwrite(0, 0x00421ffc, one))
}

func TestSbrkErrors(t *testing.T) {
	phys, mach := mkvm(t, 4, 64, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	// shrink below heap_start
	_, err := as.Sbrk(-4096)
	assert.Equal(t, -defs.EINVAL, err)

	// growth past the free backing store
	_, err = as.Sbrk(phys.Mem_free() + mem.PGSIZE)
	assert.Equal(t, -defs.ENOMEM, err)

	// growth into the stack reservation
	_, err = as.Sbrk(int(USERSTACK - uintptr(STACKPAGES*mem.PGSIZE) - 0x420000))
	assert.Equal(t, -defs.ENOMEM, err)
}

// Copy round-trip law: the child reads what the parent had; later
// parent writes are not observed in the child.
func TestAsCopyRoundTrip(t *testing.T) {
	phys, mach := mkvm(t, 8, 64, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	pga := uintptr(0x00401000)
	pgb := uintptr(0x00402000)
	wa := []uint8{1, 2, 3, 4}
	wb := []uint8{5, 6, 7, 8}
	require.Equal(t, defs.Err_t(0), as.Userwrite(0, pga, wa))
	require.Equal(t, defs.Err_t(0), as.Userwrite(0, pgb, wb))

	nas, err := as.As_copy()
	require.Equal(t, defs.Err_t(0), err)
	defer nas.As_destroy()

	got := make([]uint8, 4)
	require.Equal(t, defs.Err_t(0), nas.Userread(0, pga, got))
	assert.Equal(t, wa, got)
	require.Equal(t, defs.Err_t(0), nas.Userread(0, pgb, got))
	assert.Equal(t, wb, got)

	// writes in the parent stay invisible to the child; both address
	// spaces share cpu 0, so each switch between them flushes its TLB
	mach.Activate(0)
	require.Equal(t, defs.Err_t(0), as.Userwrite(0, pga, []uint8{9, 9, 9, 9}))
	mach.Activate(0)
	require.Equal(t, defs.Err_t(0), nas.Userread(0, pga, got))
	assert.Equal(t, wa, got)

	// and vice versa
	require.Equal(t, defs.Err_t(0), nas.Userwrite(0, pgb, []uint8{7, 7, 7, 7}))
	mach.Activate(0)
	require.Equal(t, defs.Err_t(0), as.Userread(0, pgb, got))
	assert.Equal(t, wb, got)
}

// Reverse-mapping invariant: every allocated non-kernel coremap entry
// resolves to a resident pagetable entry naming that frame.
func TestCoremapReverseMapping(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	for _, va := range []uintptr{codebase, codebase + 0x1000, codebase + 0x2000} {
		require.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, va))
	}
	for i := 0; i < phys.Nframes(); i++ {
		pa := mem.Pa_t(i) << mem.PGSHIFT
		e := phys.Entry(pa)
		if !e.Allocated() || e.Iskernel() {
			continue
		}
		owner, va := e.Owner()
		require.Equal(t, mem.Pager_i(as), owner)
		l2 := as.ptegetl2(va)
		require.NotNil(t, l2)
		pte := &l2.etr[l2idx(va)]
		assert.True(t, pte.allocated)
		assert.True(t, pte.inmem)
		assert.Equal(t, pa, pte.paddr)
		// the swap half holds a valid reserved slot
		assert.NotEqual(t, int32(0), pte.store)
		assert.True(t, phys.Swapinuse(int(pte.store)))
	}
}

func TestShootdownOnContextSwitch(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 2)
	as := mkproc(t, phys, mach)
	defer as.As_destroy()

	va := codebase
	require.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, va))
	require.Equal(t, defs.Err_t(0), as.Vm_fault(1, VM_FAULT_READ, va))

	// a broadcast shootdown clears the translation everywhere
	mach.Shootdown(va)
	_, _, ok := mach.Cpu(0).Probe(va)
	assert.False(t, ok)
	_, _, ok = mach.Cpu(1).Probe(va)
	assert.False(t, ok)

	// context switch flushes the whole TLB
	require.Equal(t, defs.Err_t(0), as.Vm_fault(0, VM_FAULT_READ, va))
	mach.Activate(0)
	_, _, ok = mach.Cpu(0).Probe(va)
	assert.False(t, ok)
}

func TestAsDestroyReleasesEverything(t *testing.T) {
	phys, mach := mkvm(t, 4, 16, 1)
	as := mkproc(t, phys, mach)

	for _, va := range []uintptr{codebase, codebase + 0x1000} {
		require.Equal(t, defs.Err_t(0), as.Userwrite(0, va, []uint8{1}))
	}
	require.Equal(t, 2, phys.Used())
	before := phys.Swapfreeslots()

	as.As_destroy()
	assert.Equal(t, 0, phys.Used())
	assert.Equal(t, before+2, phys.Swapfreeslots())
}
