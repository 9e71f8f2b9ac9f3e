package ufs

import "os"

import "github.com/pkg/errors"

import "tern/defs"
import "tern/fs"
import "tern/ustr"
import "tern/util"

// graveyard directory inode block, fixed by mkdisk right after the
// freemap
func graveino(nblocks int) int {
	return fs.FREEMAP_START + fs.FREEMAPBLOCKS(nblocks)
}

/// MkDisk creates a fresh filesystem image at path: superblock, a
/// freemap with the metadata blocks marked, empty root and graveyard
/// directories, a zeroed journal region at the end of the volume, and
/// the data area between them.
func MkDisk(path string, nblocks, jblocks int, volname string) error {
	if jblocks < 2 || jblocks >= nblocks {
		return errors.Errorf("bad journal size %v for %v blocks", jblocks, nblocks)
	}
	gy := graveino(nblocks)
	jstart := nblocks - jblocks
	if gy+1 >= jstart {
		return errors.Errorf("volume of %v blocks too small", nblocks)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create disk image")
	}
	defer f.Close()
	if err := f.Truncate(int64(nblocks) * int64(defs.BLOCKSIZE)); err != nil {
		return errors.Wrap(err, "size disk image")
	}

	wblk := func(blkno int, b []uint8) error {
		_, werr := f.WriteAt(b, int64(blkno)*int64(defs.BLOCKSIZE))
		return errors.Wrapf(werr, "write block %v", blkno)
	}

	// superblock
	sb := fs.Superblock_t{Data: make([]uint8, defs.BLOCKSIZE)}
	sb.SetMagic(fs.SFS_MAGIC)
	sb.SetNblocks(nblocks)
	sb.SetVolname(ustr.Ustr(volname))
	sb.SetJournalstart(jstart)
	sb.SetJournalblocks(jblocks)
	sb.SetGraveyard(gy)
	if err := wblk(fs.SUPER_BLOCK, sb.Data); err != nil {
		return err
	}

	// freemap: superblock, root inode, the freemap itself, the
	// graveyard inode, and the journal region are in use; so are the
	// bits beyond the end of the device
	fmblocks := fs.FREEMAPBLOCKS(nblocks)
	fm := make([]uint8, fmblocks*defs.BLOCKSIZE)
	mark := func(blkno int) {
		fm[blkno/8] |= 1 << uint(blkno%8)
	}
	mark(fs.SUPER_BLOCK)
	mark(fs.ROOTDIR_INO)
	for i := 0; i < fmblocks; i++ {
		mark(fs.FREEMAP_START + i)
	}
	mark(gy)
	for i := jstart; i < nblocks; i++ {
		mark(i)
	}
	for i := nblocks; i < fs.FREEMAPBITS(nblocks); i++ {
		mark(i)
	}
	for i := 0; i < fmblocks; i++ {
		if err := wblk(fs.FREEMAP_START+i, fm[i*defs.BLOCKSIZE:(i+1)*defs.BLOCKSIZE]); err != nil {
			return err
		}
	}

	// root and graveyard: empty directories with one link
	mkdir := func(blkno int) error {
		ind := make([]uint8, defs.BLOCKSIZE)
		util.Writen(ind, 2, 4, fs.I_DIR)
		util.Writen(ind, 2, 6, 1)
		return wblk(blkno, ind)
	}
	if err := mkdir(fs.ROOTDIR_INO); err != nil {
		return err
	}
	if err := mkdir(gy); err != nil {
		return err
	}

	// the journal region starts zeroed; Truncate already guarantees
	// that for a fresh file, but rewriting it makes image reuse safe
	zero := make([]uint8, defs.BLOCKSIZE)
	for i := jstart; i < nblocks; i++ {
		if err := wblk(i, zero); err != nil {
			return err
		}
	}
	return f.Sync()
}
