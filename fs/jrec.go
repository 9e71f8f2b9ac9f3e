package fs

import "fmt"
import "hash/adler32"

import "tern/defs"
import "tern/util"

/// Client record type codes. These are a wire format; the numbers are
/// stable.
const (
	BLOCK_ALLOC       = 3
	INODE_LINK        = 4
	META_UPDATE       = 5
	BLOCK_DEALLOC     = 6
	TRUNCATE          = 7
	BLOCK_WRITE       = 8
	INODE_UPDATE_TYPE = 9
	TRANS_BEGIN       = 10
	TRANS_COMMIT      = 11
	RESIZE            = 12
)

/// Transaction types for TransBegin/TransCommit records.
const (
	TT_CREATE = iota + 1
	TT_WRITE
	TT_LINK
	TT_UNLINK
	TT_RESIZE
	TT_TRUNCATE
	TT_RECLAIM
)

/// Blockchecksum is the checksum BlockWrite records carry for a block
/// image (Adler-32).
func Blockchecksum(data []uint8) uint32 {
	if len(data) != BSIZE {
		panic("checksum of partial block")
	}
	return adler32.Checksum(data)
}

/// Jrec_i is a client journal record. Every record carries the owning
/// transaction id; Target returns the disk block the record mutates,
/// when it has one.
type Jrec_i interface {
	Rtype() int
	Txid() defs.Pid_t
	Target() (int, bool)
	encode() []uint8
}

// All fields are 8-byte little-endian on the wire; when a record has a
// target disk block it is the field right after the transaction id.

func encfields(vals ...int) []uint8 {
	b := make([]uint8, 8*len(vals))
	for i, v := range vals {
		util.Writen(b, 8, i*8, v)
	}
	return b
}

/// Jblockalloc_t logs a freemap allocation: disk is the new block,
/// ref/off locate the pointer that will reference it.
type Jblockalloc_t struct {
	Tx   defs.Pid_t
	Disk int
	Ref  int
	Off  int
}

func (r *Jblockalloc_t) Rtype() int         { return BLOCK_ALLOC }
func (r *Jblockalloc_t) Txid() defs.Pid_t   { return r.Tx }
func (r *Jblockalloc_t) Target() (int, bool) { return r.Disk, true }
func (r *Jblockalloc_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Disk, r.Ref, r.Off)
}

/// Jblockdealloc_t logs a freemap release.
type Jblockdealloc_t struct {
	Tx   defs.Pid_t
	Disk int
}

func (r *Jblockdealloc_t) Rtype() int          { return BLOCK_DEALLOC }
func (r *Jblockdealloc_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jblockdealloc_t) Target() (int, bool) { return 0, false }
func (r *Jblockdealloc_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Disk)
}

/// Jinodelink_t logs a linkcount change on the inode at disk.
type Jinodelink_t struct {
	Tx     defs.Pid_t
	Disk   int
	Oldcnt int
	Newcnt int
}

func (r *Jinodelink_t) Rtype() int          { return INODE_LINK }
func (r *Jinodelink_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jinodelink_t) Target() (int, bool) { return r.Disk, true }
func (r *Jinodelink_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Disk, r.Oldcnt, r.Newcnt)
}

/// Jinodeupdatetype_t logs a type change on the inode at inode.
type Jinodeupdatetype_t struct {
	Tx      defs.Pid_t
	Inode   int
	Oldtype int
	Newtype int
}

func (r *Jinodeupdatetype_t) Rtype() int          { return INODE_UPDATE_TYPE }
func (r *Jinodeupdatetype_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jinodeupdatetype_t) Target() (int, bool) { return r.Inode, true }
func (r *Jinodeupdatetype_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Inode, r.Oldtype, r.Newtype)
}

/// Jresize_t logs a size change on the inode at inode.
type Jresize_t struct {
	Tx      defs.Pid_t
	Inode   int
	Oldsize int
	Newsize int
}

func (r *Jresize_t) Rtype() int          { return RESIZE }
func (r *Jresize_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jresize_t) Target() (int, bool) { return r.Inode, true }
func (r *Jresize_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Inode, r.Oldsize, r.Newsize)
}

/// Jtruncate_t logs a block-range truncation of the inode at inode.
type Jtruncate_t struct {
	Tx       defs.Pid_t
	Inode    int
	Startblk int
	Endblk   int
}

func (r *Jtruncate_t) Rtype() int          { return TRUNCATE }
func (r *Jtruncate_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jtruncate_t) Target() (int, bool) { return r.Inode, true }
func (r *Jtruncate_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Inode, r.Startblk, r.Endblk)
}

/// Jmetaupdate_t logs an in-place metadata byte change: old and new
/// images, each of the length carried in the fourth fixed field,
/// follow the fixed fields.
type Jmetaupdate_t struct {
	Tx   defs.Pid_t
	Disk int
	Off  int
	Old  []uint8
	New  []uint8
}

func (r *Jmetaupdate_t) Rtype() int          { return META_UPDATE }
func (r *Jmetaupdate_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jmetaupdate_t) Target() (int, bool) { return r.Disk, true }
func (r *Jmetaupdate_t) encode() []uint8 {
	if len(r.Old) != len(r.New) {
		panic("old/new image length mismatch")
	}
	b := encfields(int(r.Tx), r.Disk, r.Off, len(r.Old))
	b = append(b, r.Old...)
	b = append(b, r.New...)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return b
}

/// Jblockwrite_t logs a user data write: the checksum of the new
/// block image, whether the block was newly allocated, and (set only
/// during recovery) whether this is the last write to the block in
/// the journal window.
type Jblockwrite_t struct {
	Tx        defs.Pid_t
	Disk      int
	Checksum  uint32
	Newalloc  bool
	Lastwrite bool
}

func (r *Jblockwrite_t) Rtype() int          { return BLOCK_WRITE }
func (r *Jblockwrite_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jblockwrite_t) Target() (int, bool) { return r.Disk, true }
func (r *Jblockwrite_t) encode() []uint8 {
	flags := 0
	if r.Newalloc {
		flags |= 1
	}
	if r.Lastwrite {
		flags |= 2
	}
	return encfields(int(r.Tx), r.Disk, int(r.Checksum), flags)
}

/// Jtransbegin_t opens a transaction.
type Jtransbegin_t struct {
	Tx    defs.Pid_t
	Ttype int
}

func (r *Jtransbegin_t) Rtype() int          { return TRANS_BEGIN }
func (r *Jtransbegin_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jtransbegin_t) Target() (int, bool) { return 0, false }
func (r *Jtransbegin_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Ttype)
}

/// Jtranscommit_t closes a transaction.
type Jtranscommit_t struct {
	Tx    defs.Pid_t
	Ttype int
}

func (r *Jtranscommit_t) Rtype() int          { return TRANS_COMMIT }
func (r *Jtranscommit_t) Txid() defs.Pid_t    { return r.Tx }
func (r *Jtranscommit_t) Target() (int, bool) { return 0, false }
func (r *Jtranscommit_t) encode() []uint8 {
	return encfields(int(r.Tx), r.Ttype)
}

func decfield(b []uint8, i int) int {
	return util.Readn(b, 8, i*8)
}

/// Decode parses a client record payload. The type code comes from
/// the record header.
func Decode(rtype int, b []uint8) (Jrec_i, bool) {
	f := func(n int) bool { return len(b) >= 8*n }
	switch rtype {
	case BLOCK_ALLOC:
		if !f(4) {
			return nil, false
		}
		return &Jblockalloc_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1),
			decfield(b, 2), decfield(b, 3)}, true
	case BLOCK_DEALLOC:
		if !f(2) {
			return nil, false
		}
		return &Jblockdealloc_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1)}, true
	case INODE_LINK:
		if !f(4) {
			return nil, false
		}
		return &Jinodelink_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1),
			decfield(b, 2), decfield(b, 3)}, true
	case INODE_UPDATE_TYPE:
		if !f(4) {
			return nil, false
		}
		return &Jinodeupdatetype_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1),
			decfield(b, 2), decfield(b, 3)}, true
	case RESIZE:
		if !f(4) {
			return nil, false
		}
		return &Jresize_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1),
			decfield(b, 2), decfield(b, 3)}, true
	case TRUNCATE:
		if !f(4) {
			return nil, false
		}
		return &Jtruncate_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1),
			decfield(b, 2), decfield(b, 3)}, true
	case META_UPDATE:
		if !f(4) {
			return nil, false
		}
		dlen := decfield(b, 3)
		if dlen < 0 || len(b) < 32+2*dlen {
			return nil, false
		}
		r := &Jmetaupdate_t{Tx: defs.Pid_t(decfield(b, 0)),
			Disk: decfield(b, 1), Off: decfield(b, 2)}
		r.Old = append([]uint8{}, b[32:32+dlen]...)
		r.New = append([]uint8{}, b[32+dlen:32+2*dlen]...)
		return r, true
	case BLOCK_WRITE:
		if !f(4) {
			return nil, false
		}
		flags := decfield(b, 3)
		return &Jblockwrite_t{Tx: defs.Pid_t(decfield(b, 0)),
			Disk: decfield(b, 1), Checksum: uint32(decfield(b, 2)),
			Newalloc: flags&1 != 0, Lastwrite: flags&2 != 0}, true
	case TRANS_BEGIN:
		if !f(2) {
			return nil, false
		}
		return &Jtransbegin_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1)}, true
	case TRANS_COMMIT:
		if !f(2) {
			return nil, false
		}
		return &Jtranscommit_t{defs.Pid_t(decfield(b, 0)), decfield(b, 1)}, true
	}
	return nil, false
}

// checkpoint cadence: trim once this many journal bytes accumulate.
const jcheckpointbytes = 16384

// jwrite is the single wrapper every client record emission goes
// through. When writing is not enabled the record is dropped
// silently. Otherwise it appends the record, updates the metadata of
// the buffer the record touches, maintains the freemap LSN window for
// freemap-mutating records, and checkpoints when the odometer crosses
// its threshold. attach requests the transaction-tracking callback.
func (fs *Fs_t) jwrite(rec Jrec_i, attach bool) uint64 {
	if !fs.jphys.Iswriting() {
		return 0
	}
	var cb func(uint64, interface{})
	var ctx interface{}
	if attach {
		cb = fs.transattach
		ctx = rec.Txid()
	}
	lsn, err := fs.jphys.Write(cb, ctx, JPHYS_CLIENT, rec.Rtype(), rec.encode())
	if err != 0 {
		panic(fmt.Sprintf("journal device failed: %v", err))
	}

	if blk, ok := rec.Target(); ok {
		fs.bcache.Setlsn(blk, lsn)
	}

	switch rec.(type) {
	case *Jblockalloc_t, *Jblockdealloc_t:
		fs.freemap.updlsn(lsn)
	}

	if fs.jphys.Odometer() > jcheckpointbytes {
		fs.checkpoint()
	}
	return lsn
}
