// Package fs implements the journalled filesystem core: a fixed
// 512-byte-block layout (superblock, freemap, inodes, data, journal),
// a buffer cache enforcing write-ahead logging, the jphys log
// container, transaction tracking with checkpointing, and the
// three-pass crash recovery run at mount.
package fs

import "tern/defs"
import "tern/util"
import "tern/ustr"

/// BSIZE is the filesystem block size in bytes.
const BSIZE = defs.BLOCKSIZE

/// SFS_MAGIC identifies a valid superblock.
const SFS_MAGIC = 0xABADF001

/// Fixed disk addresses.
const (
	SUPER_BLOCK   = 0 /// the superblock
	ROOTDIR_INO   = 1 /// root directory inode block
	FREEMAP_START = 2 /// first block of the freemap
)

/// VOLNAME_SIZE is the maximum volume name length including NUL.
const VOLNAME_SIZE = 32

// superblock field offsets
const (
	sbmagic    = 0
	sbnblocks  = 4
	sbvolname  = 8
	sbjstart   = sbvolname + VOLNAME_SIZE
	sbjblocks  = sbjstart + 4
	sbgrave    = sbjblocks + 4
	// the rest of the block is reserved, set to 0
)

/// Superblock_t wraps the raw superblock image.
type Superblock_t struct {
	Data []uint8
}

/// Magic returns the magic number field.
func (sb *Superblock_t) Magic() uint32 {
	return uint32(util.Readn(sb.Data, 4, sbmagic))
}

/// Nblocks returns the filesystem size in blocks.
func (sb *Superblock_t) Nblocks() int {
	return util.Readn(sb.Data, 4, sbnblocks)
}

/// Volname returns the NUL terminated volume name.
func (sb *Superblock_t) Volname() ustr.Ustr {
	return ustr.MkUstrSlice(sb.Data[sbvolname : sbvolname+VOLNAME_SIZE])
}

/// Journalstart returns the first block of the journal region.
func (sb *Superblock_t) Journalstart() int {
	return util.Readn(sb.Data, 4, sbjstart)
}

/// Journalblocks returns the size of the journal region in blocks.
func (sb *Superblock_t) Journalblocks() int {
	return util.Readn(sb.Data, 4, sbjblocks)
}

/// Graveyard returns the inode of the graveyard directory.
func (sb *Superblock_t) Graveyard() int {
	return util.Readn(sb.Data, 4, sbgrave)
}

// writing

/// SetMagic stores the magic number.
func (sb *Superblock_t) SetMagic(v uint32) {
	util.Writen(sb.Data, 4, sbmagic, int(v))
}

/// SetNblocks stores the filesystem size.
func (sb *Superblock_t) SetNblocks(n int) {
	util.Writen(sb.Data, 4, sbnblocks, n)
}

/// SetVolname stores the volume name, truncated and NUL padded.
func (sb *Superblock_t) SetVolname(name ustr.Ustr) {
	for i := 0; i < VOLNAME_SIZE; i++ {
		sb.Data[sbvolname+i] = 0
	}
	n := util.Min(len(name), VOLNAME_SIZE-1)
	copy(sb.Data[sbvolname:], name[:n])
}

/// SetJournalstart stores the first journal block.
func (sb *Superblock_t) SetJournalstart(n int) {
	util.Writen(sb.Data, 4, sbjstart, n)
}

/// SetJournalblocks stores the journal size.
func (sb *Superblock_t) SetJournalblocks(n int) {
	util.Writen(sb.Data, 4, sbjblocks, n)
}

/// SetGraveyard stores the graveyard directory inode.
func (sb *Superblock_t) SetGraveyard(n int) {
	util.Writen(sb.Data, 4, sbgrave, n)
}
