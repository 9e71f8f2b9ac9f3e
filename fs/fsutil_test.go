package fs

import "sync"
import "testing"

import "github.com/stretchr/testify/require"

import "tern/defs"
import "tern/ustr"
import "tern/util"

// memdisk_t is an in-memory block device that records the order of
// block writes, for checking WAL ordering, and can inject write
// failures.
type memdisk_t struct {
	sync.Mutex
	blks       [][]uint8
	writes     []int
	failwrites bool
}

func mkmemdisk(nblocks int) *memdisk_t {
	d := &memdisk_t{}
	d.blks = make([][]uint8, nblocks)
	for i := range d.blks {
		d.blks[i] = make([]uint8, BSIZE)
	}
	return d
}

func (d *memdisk_t) Read_block(blkno int, buf []uint8) defs.Err_t {
	d.Lock()
	defer d.Unlock()
	if blkno < 0 || blkno >= len(d.blks) {
		return -defs.EINVAL
	}
	copy(buf, d.blks[blkno])
	return 0
}

func (d *memdisk_t) Write_block(blkno int, buf []uint8) defs.Err_t {
	d.Lock()
	defer d.Unlock()
	if blkno < 0 || blkno >= len(d.blks) {
		return -defs.EINVAL
	}
	if d.failwrites {
		return -defs.EIO
	}
	copy(d.blks[blkno], buf)
	d.writes = append(d.writes, blkno)
	return 0
}

func (d *memdisk_t) Nblocks() int   { return len(d.blks) }
func (d *memdisk_t) Blocksize() int { return BSIZE }

func (d *memdisk_t) clone() *memdisk_t {
	d.Lock()
	defer d.Unlock()
	n := mkmemdisk(len(d.blks))
	for i := range d.blks {
		copy(n.blks[i], d.blks[i])
	}
	return n
}

func (d *memdisk_t) equalblocks(o *memdisk_t) bool {
	for i := range d.blks {
		for j := range d.blks[i] {
			if d.blks[i][j] != o.blks[i][j] {
				return false
			}
		}
	}
	return true
}

// mkmemfs formats a fresh filesystem image in memory: superblock,
// freemap with the metadata blocks marked, empty root and graveyard
// directories, and a zeroed journal region.
func mkmemfs(t *testing.T, nblocks, jblocks int) *memdisk_t {
	d := mkmemdisk(nblocks)
	fmblocks := FREEMAPBLOCKS(nblocks)
	gy := FREEMAP_START + fmblocks
	jstart := nblocks - jblocks
	require.Less(t, gy+1, jstart)

	sb := Superblock_t{Data: d.blks[SUPER_BLOCK]}
	sb.SetMagic(SFS_MAGIC)
	sb.SetNblocks(nblocks)
	sb.SetVolname(ustr.Ustr("test"))
	sb.SetJournalstart(jstart)
	sb.SetJournalblocks(jblocks)
	sb.SetGraveyard(gy)

	fm := make([]uint8, fmblocks*BSIZE)
	mark := func(b int) { fm[b/8] |= 1 << uint(b%8) }
	mark(SUPER_BLOCK)
	mark(ROOTDIR_INO)
	for i := 0; i < fmblocks; i++ {
		mark(FREEMAP_START + i)
	}
	mark(gy)
	for i := jstart; i < nblocks; i++ {
		mark(i)
	}
	for i := nblocks; i < FREEMAPBITS(nblocks); i++ {
		mark(i)
	}
	for i := 0; i < fmblocks; i++ {
		copy(d.blks[FREEMAP_START+i], fm[i*BSIZE:(i+1)*BSIZE])
	}

	mkdir := func(blkno int) {
		util.Writen(d.blks[blkno], 2, itype, I_DIR)
		util.Writen(d.blks[blkno], 2, ilink, 1)
	}
	mkdir(ROOTDIR_INO)
	mkdir(gy)
	return d
}

func mountfs(t *testing.T, d *memdisk_t) *Fs_t {
	fs, err := StartFS(d)
	require.Equal(t, defs.Err_t(0), err)
	return fs
}
