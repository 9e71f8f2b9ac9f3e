package fs

import "fmt"
import "sort"
import "sync"

import "tern/defs"
import "tern/stats"
import "tern/util"

const jphys_debug = false

// Record header: a 64-bit coninfo bitpacking
//	bit 63     class (0 container, 1 client)
//	bits 62-56 7-bit type code
//	bits 55-48 8-bit length in 2-octet units (includes the header)
//	bits 47-0  48-bit LSN
// A zero coninfo is invalid, which distinguishes freshly zeroed log
// blocks from real records.

/// JPHYS_CONTAINER and JPHYS_CLIENT are the record classes.
const (
	JPHYS_CONTAINER = 0
	JPHYS_CLIENT    = 1
)

/// Container-level record types.
const (
	JPHYS_INVALID = 0 /// no record here
	JPHYS_PAD     = 1 /// padding to the end of a block
	JPHYS_TRIM    = 2 /// log trim record; payload is the new tail LSN
)

const jhdrsize = 8
const lsnmask = uint64(1)<<48 - 1

func mkconinfo(class, rtype, length int, lsn uint64) uint64 {
	return uint64(class)<<63 | uint64(rtype)<<56 |
		uint64((length+1)/2)<<48 | (lsn & lsnmask)
}

func ciclass(ci uint64) int  { return int(ci >> 63) }
func citype(ci uint64) int   { return int(ci>>56) & 0x7f }
func cilen(ci uint64) int    { return int(ci>>48&0xff) * 2 }
func cilsn(ci uint64) uint64 { return ci & lsnmask }

/// Jstats_t counts journal activity.
type Jstats_t struct {
	Writes  stats.Counter_t
	Flushes stats.Counter_t
	Trims   stats.Counter_t
	Pads    stats.Counter_t
}

/// Jphys_t is the append-only circular log container occupying the
/// journal region of the filesystem. The embedded mutex is the
/// container write lock; assigned LSNs are monotonic under it.
type Jphys_t struct {
	sync.Mutex
	dev     defs.Blockdev_i
	jstart  int
	jblocks int

	nextlsn uint64 /// head: next LSN to assign
	taillsn uint64 /// oldest retained LSN

	// write position inside the journal region
	headblk int
	headoff int
	curblk  [BSIZE]uint8

	// first LSN written into each journal block; 0 if none known.
	// Advancing the head onto a block whose first LSN is still inside
	// the retained window means the log is full.
	blockstart []uint64

	durablelsn uint64 /// all records up to here are on disk

	writing bool
	reading bool

	odometer uint64

	Stats Jstats_t
}

func mkJphys(dev defs.Blockdev_i, jstart, jblocks int) *Jphys_t {
	if jblocks < 2 {
		panic("journal too small")
	}
	jp := &Jphys_t{}
	jp.dev = dev
	jp.jstart = jstart
	jp.jblocks = jblocks
	jp.blockstart = make([]uint64, jblocks)
	jp.nextlsn = 1
	jp.taillsn = 1
	return jp
}

/// Loadup scans the journal region to locate the head (the position
/// after the highest valid LSN) and the tail (from the last TRIM).
/// It runs once at mount, before recovery.
func (jp *Jphys_t) Loadup() defs.Err_t {
	jp.Lock()
	defer jp.Unlock()

	var maxlsn uint64
	maxblk, maxend := 0, 0
	var trimlsn, trimtail uint64

	buf := make([]uint8, BSIZE)
	for b := 0; b < jp.jblocks; b++ {
		if err := jp.dev.Read_block(jp.jstart+b, buf); err != 0 {
			return err
		}
		jp.blockstart[b] = 0
		off := 0
		for off+jhdrsize <= BSIZE {
			ci := uint64(util.Readn(buf, 8, off))
			if ci == 0 {
				break
			}
			rlen := cilen(ci)
			if rlen < jhdrsize || off+rlen > BSIZE {
				break
			}
			lsn := cilsn(ci)
			if jp.blockstart[b] == 0 {
				jp.blockstart[b] = lsn
			}
			if lsn > maxlsn {
				maxlsn = lsn
				maxblk = b
				maxend = off + rlen
			}
			if ciclass(ci) == JPHYS_CONTAINER && citype(ci) == JPHYS_TRIM {
				if lsn > trimlsn {
					trimlsn = lsn
					trimtail = uint64(util.Readn(buf, 8, off+jhdrsize))
				}
			}
			off += rlen
		}
	}

	if maxlsn == 0 {
		// freshly zeroed journal
		jp.nextlsn = 1
		jp.taillsn = 1
		jp.headblk = 0
		jp.headoff = 0
		jp.durablelsn = 0
		for i := range jp.curblk {
			jp.curblk[i] = 0
		}
		return 0
	}

	jp.nextlsn = maxlsn + 1
	jp.taillsn = 1
	if trimtail > 0 {
		jp.taillsn = trimtail
	}
	jp.headblk = maxblk
	jp.headoff = maxend
	jp.durablelsn = maxlsn
	if err := jp.dev.Read_block(jp.jstart+jp.headblk, jp.curblk[:]); err != 0 {
		return err
	}
	if jphys_debug {
		fmt.Printf("jphys: loadup head %v tail %v at (%v, %v)\n",
			jp.nextlsn, jp.taillsn, jp.headblk, jp.headoff)
	}
	return 0
}

/// Startreading enables container-level scanning during recovery.
func (jp *Jphys_t) Startreading() {
	jp.Lock()
	jp.reading = true
	jp.Unlock()
}

/// Stopreading ends the recovery scan.
func (jp *Jphys_t) Stopreading() {
	jp.Lock()
	jp.reading = false
	jp.Unlock()
}

/// Startwriting enables appending; until then Write panics. The
/// filesystem's jwrite wrapper drops client records while writing is
/// off.
func (jp *Jphys_t) Startwriting() {
	jp.Lock()
	jp.writing = true
	jp.Unlock()
}

/// Stopwriting flushes the log and disables appending.
func (jp *Jphys_t) Stopwriting() defs.Err_t {
	if err := jp.Flushall(); err != 0 {
		return err
	}
	jp.Lock()
	jp.writing = false
	jp.Unlock()
	return 0
}

/// Iswriting reports whether the log accepts client records.
func (jp *Jphys_t) Iswriting() bool {
	jp.Lock()
	defer jp.Unlock()
	return jp.writing
}

/// Peeknextlsn returns the LSN the next write would assign.
func (jp *Jphys_t) Peeknextlsn() uint64 {
	jp.Lock()
	defer jp.Unlock()
	return jp.nextlsn
}

/// Odometer returns the bytes appended since the last checkpoint.
func (jp *Jphys_t) Odometer() uint64 {
	jp.Lock()
	defer jp.Unlock()
	return jp.odometer
}

/// Clearodometer resets the checkpoint odometer.
func (jp *Jphys_t) Clearodometer() {
	jp.Lock()
	jp.odometer = 0
	jp.Unlock()
}

/// Write appends one record and returns its LSN. The record never
/// straddles a block; the tail of a block too small for it is filled
/// with a PAD record. If cb is non-nil it runs inline with the write
/// lock held, so "record emitted with LSN x" side effects are atomic
/// with the append. Fails with -EIO on device errors, never partially.
func (jp *Jphys_t) Write(cb func(uint64, interface{}), ctx interface{},
	class, rtype int, payload []uint8) (uint64, defs.Err_t) {
	reclen := jhdrsize + len(payload)
	if reclen > 510 || reclen%2 != 0 {
		panic("bad record length")
	}
	jp.Lock()
	defer jp.Unlock()
	if !jp.writing {
		panic("journal not writing")
	}

	if BSIZE-jp.headoff < reclen {
		if err := jp.pad(); err != 0 {
			return 0, err
		}
	}

	lsn := jp.nextlsn
	jp.nextlsn++
	if jp.headoff == 0 {
		jp.claimblock(lsn)
	}
	util.Writen(jp.curblk[:], 8, jp.headoff, int(mkconinfo(class, rtype, reclen, lsn)))
	copy(jp.curblk[jp.headoff+jhdrsize:], payload)
	jp.headoff += reclen
	jp.odometer += uint64(reclen)
	jp.Stats.Writes.Inc()
	if jphys_debug {
		fmt.Printf("jphys: write lsn %v type %v len %v\n", lsn, rtype, reclen)
	}

	if cb != nil {
		cb(lsn, ctx)
	}
	return lsn, 0
}

// pad fills the rest of the current block and advances the head to
// the next one. Called with the write lock held.
func (jp *Jphys_t) pad() defs.Err_t {
	space := BSIZE - jp.headoff
	if space >= jhdrsize {
		lsn := jp.nextlsn
		jp.nextlsn++
		if jp.headoff == 0 {
			jp.claimblock(lsn)
		}
		util.Writen(jp.curblk[:], 8, jp.headoff,
			int(mkconinfo(JPHYS_CONTAINER, JPHYS_PAD, space, lsn)))
		for i := jp.headoff + jhdrsize; i < BSIZE; i++ {
			jp.curblk[i] = 0
		}
		jp.Stats.Pads.Inc()
	} else {
		for i := jp.headoff; i < BSIZE; i++ {
			jp.curblk[i] = 0
		}
	}
	jp.headoff = BSIZE
	return jp.advance()
}

// claimblock records the first LSN of the current head block and
// checks that the head has not caught up with the retained window.
func (jp *Jphys_t) claimblock(lsn uint64) {
	old := jp.blockstart[jp.headblk]
	if old != 0 && old >= jp.taillsn && old < lsn {
		panic("journal full: " + fmt.Sprintf("head %v tail %v", lsn, jp.taillsn))
	}
	jp.blockstart[jp.headblk] = lsn
}

// advance writes the filled head block to the device and moves to the
// next journal block.
func (jp *Jphys_t) advance() defs.Err_t {
	if err := jp.dev.Write_block(jp.jstart+jp.headblk, jp.curblk[:]); err != 0 {
		return err
	}
	jp.durablelsn = jp.nextlsn - 1
	jp.headblk = (jp.headblk + 1) % jp.jblocks
	jp.headoff = 0
	for i := range jp.curblk {
		jp.curblk[i] = 0
	}
	return 0
}

/// Flush blocks until the log up to lsn is durably on disk. The
/// buffer-cache writeback path calls this with the buffer's newest
/// LSN before issuing the data write.
func (jp *Jphys_t) Flush(lsn uint64) defs.Err_t {
	jp.Lock()
	defer jp.Unlock()
	return jp.flush(lsn)
}

func (jp *Jphys_t) flush(lsn uint64) defs.Err_t {
	if lsn >= jp.nextlsn {
		lsn = jp.nextlsn - 1
	}
	if lsn <= jp.durablelsn {
		return 0
	}
	if err := jp.dev.Write_block(jp.jstart+jp.headblk, jp.curblk[:]); err != 0 {
		return err
	}
	jp.durablelsn = jp.nextlsn - 1
	jp.Stats.Flushes.Inc()
	return 0
}

/// Flushall makes the whole log durable.
func (jp *Jphys_t) Flushall() defs.Err_t {
	jp.Lock()
	defer jp.Unlock()
	return jp.flush(jp.nextlsn - 1)
}

/// Trim emits a container TRIM record advancing the tail to lsn;
/// records below it are no longer needed for recovery.
func (jp *Jphys_t) Trim(lsn uint64) defs.Err_t {
	payload := make([]uint8, 8)
	util.Writen(payload, 8, 0, int(lsn))
	_, err := jp.Write(nil, nil, JPHYS_CONTAINER, JPHYS_TRIM, payload)
	if err != 0 {
		return err
	}
	jp.Lock()
	if lsn > jp.taillsn {
		jp.taillsn = lsn
	}
	jp.Stats.Trims.Inc()
	jp.Unlock()
	return 0
}

/// Tail returns the oldest retained LSN.
func (jp *Jphys_t) Tail() uint64 {
	jp.Lock()
	defer jp.Unlock()
	return jp.taillsn
}

//
// Iteration
//

/// Jrecpos_t is one client record as seen by an iterator.
type Jrecpos_t struct {
	Lsn   uint64
	Rtype int
	Rec   []uint8
}

/// Jiter_t iterates over the client records of the retained window.
type Jiter_t struct {
	recs []Jrecpos_t
	i    int
}

// snapshot collects the client records in [tail, head), in LSN order.
func (jp *Jphys_t) snapshot() ([]Jrecpos_t, defs.Err_t) {
	jp.Lock()
	defer jp.Unlock()

	var recs []Jrecpos_t
	buf := make([]uint8, BSIZE)
	for b := 0; b < jp.jblocks; b++ {
		var blk []uint8
		if b == jp.headblk {
			blk = jp.curblk[:]
		} else {
			if err := jp.dev.Read_block(jp.jstart+b, buf); err != 0 {
				return nil, err
			}
			blk = buf
		}
		off := 0
		for off+jhdrsize <= BSIZE {
			ci := uint64(util.Readn(blk, 8, off))
			if ci == 0 {
				break
			}
			rlen := cilen(ci)
			if rlen < jhdrsize || off+rlen > BSIZE {
				break
			}
			lsn := cilsn(ci)
			if ciclass(ci) == JPHYS_CLIENT &&
				lsn >= jp.taillsn && lsn < jp.nextlsn {
				rec := make([]uint8, rlen-jhdrsize)
				copy(rec, blk[off+jhdrsize:off+rlen])
				recs = append(recs, Jrecpos_t{Lsn: lsn, Rtype: citype(ci), Rec: rec})
			}
			off += rlen
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Lsn < recs[j].Lsn })
	return recs, 0
}

/// Jiter_fwd returns a forward iterator over the client records in
/// [tail, head).
func (jp *Jphys_t) Jiter_fwd() (*Jiter_t, defs.Err_t) {
	recs, err := jp.snapshot()
	if err != 0 {
		return nil, err
	}
	return &Jiter_t{recs: recs}, 0
}

/// Jiter_rev returns a reverse iterator over the same window.
func (jp *Jphys_t) Jiter_rev() (*Jiter_t, defs.Err_t) {
	recs, err := jp.snapshot()
	if err != 0 {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return &Jiter_t{recs: recs}, 0
}

/// Done reports whether the iterator is exhausted.
func (ji *Jiter_t) Done() bool {
	return ji.i >= len(ji.recs)
}

/// Lsn returns the current record's LSN.
func (ji *Jiter_t) Lsn() uint64 {
	return ji.recs[ji.i].Lsn
}

/// Rtype returns the current record's client type code.
func (ji *Jiter_t) Rtype() int {
	return ji.recs[ji.i].Rtype
}

/// Rec returns the current record's payload bytes.
func (ji *Jiter_t) Rec() []uint8 {
	return ji.recs[ji.i].Rec
}

/// Next advances the iterator.
func (ji *Jiter_t) Next() {
	ji.i++
}
