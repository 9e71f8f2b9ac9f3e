package fs

import "fmt"

import "tern/defs"

const recover_debug = false

// jrecord pairs a decoded client record with its LSN.
type jrecord struct {
	lsn uint64
	rec Jrec_i
}

// rtx is a transaction reconstructed from the journal window.
type rtx struct {
	id  defs.Pid_t
	ops []uint64
}

// recover runs the three recovery passes over the journal window. It
// executes once at mount, after Loadup and before Startwriting. Device
// errors are fatal to the mount.
//
// Pass A (reverse): mark, for each block touched by BlockWrite
// records, the one record whose checksum is authoritative (the last
// write to that block in the window).
//
// Pass B (forward): rebuild in-flight transactions, the untouchable
// user data set, and the garbage set; transactions with no commit are
// aborted and the union of their operation LSNs forms the abort set.
//
// Pass C (forward): selective redo/undo with compare-then-set on
// inode fields, the user data guard on metadata replay, and zeroing
// of torn writes to newly allocated blocks.
func (fs *Fs_t) recover() defs.Err_t {
	recs, err := fs.loadrecords()
	if err != 0 {
		return err
	}
	if len(recs) == 0 {
		return 0
	}

	// Pass A: reverse scan for last-write marking
	writtenlater := make(map[int]bool)
	for i := len(recs) - 1; i >= 0; i-- {
		if bw, ok := recs[i].rec.(*Jblockwrite_t); ok {
			if !writtenlater[bw.Disk] {
				writtenlater[bw.Disk] = true
				bw.Lastwrite = true
			} else {
				bw.Lastwrite = false
			}
		}
	}

	// Pass B: forward scan for transactions, userdata, and garbage
	userdata := make(map[int]bool)
	garbage := make(map[int]bool)
	var active []*rtx
	abortset := make(map[uint64]bool)

	find := func(id defs.Pid_t) *rtx {
		for _, t := range active {
			if t.id == id {
				return t
			}
		}
		return nil
	}
	remove := func(t *rtx) {
		for i, o := range active {
			if o == t {
				active = append(active[:i], active[i+1:]...)
				return
			}
		}
	}

	for _, r := range recs {
		switch rec := r.rec.(type) {
		case *Jtransbegin_t:
			if prior := find(rec.Tx); prior != nil {
				// a duplicate begin means the prior incarnation
				// never committed
				for _, lsn := range prior.ops {
					abortset[lsn] = true
				}
				remove(prior)
			}
			active = append(active, &rtx{id: rec.Tx})
		case *Jtranscommit_t:
			if t := find(rec.Tx); t != nil {
				remove(t)
			}
		case *Jblockalloc_t:
			garbage[rec.Disk] = true
		case *Jblockwrite_t:
			if garbage[rec.Disk] {
				rec.Newalloc = true
				delete(garbage, rec.Disk)
			}
			userdata[rec.Disk] = true
		case *Jblockdealloc_t:
			delete(garbage, rec.Disk)
			delete(userdata, rec.Disk)
		}
		switch r.rec.(type) {
		case *Jtransbegin_t, *Jtranscommit_t:
		default:
			if t := find(r.rec.Txid()); t != nil {
				t.ops = append(t.ops, r.lsn)
			}
		}
	}
	for _, t := range active {
		for _, lsn := range t.ops {
			abortset[lsn] = true
		}
	}

	// Pass C: forward replay
	for _, r := range recs {
		redo := !abortset[r.lsn]
		if err := fs.recoverop(redo, r.rec, userdata); err != 0 {
			return err
		}
	}
	return 0
}

// loadrecords decodes the client records of the journal window in LSN
// order.
func (fs *Fs_t) loadrecords() ([]jrecord, defs.Err_t) {
	ji, err := fs.jphys.Jiter_fwd()
	if err != 0 {
		return nil, err
	}
	var recs []jrecord
	for !ji.Done() {
		rec, ok := Decode(ji.Rtype(), ji.Rec())
		if !ok {
			panic(fmt.Sprintf("corrupt journal record type %v at lsn %v",
				ji.Rtype(), ji.Lsn()))
		}
		recs = append(recs, jrecord{lsn: ji.Lsn(), rec: rec})
		ji.Next()
	}
	return recs, 0
}

// recoverop applies (or reverts) one record against the on-disk
// state. Recovery runs below the buffer cache: reads and writes go
// straight to the device.
func (fs *Fs_t) recoverop(redo bool, rec Jrec_i, userdata map[int]bool) defs.Err_t {
	// the user data guard: a block whose last observed action is a
	// user write must not be clobbered by metadata replay. BlockWrite
	// itself is exempt; it is the user write being verified.
	if blk, ok := rec.Target(); ok {
		if userdata[blk] && rec.Rtype() != BLOCK_WRITE {
			switch rec.(type) {
			case *Jinodelink_t, *Jinodeupdatetype_t, *Jresize_t, *Jmetaupdate_t:
				if recover_debug {
					fmt.Printf("recover: skip lsn on userdata block %v\n", blk)
				}
				return 0
			}
		}
	}

	data := make([]uint8, BSIZE)
	readblk := func(blk int) defs.Err_t {
		return fs.dev.Read_block(blk, data)
	}
	writeblk := func(blk int) defs.Err_t {
		return fs.dev.Write_block(blk, data)
	}

	switch jr := rec.(type) {
	case *Jblockalloc_t:
		if redo {
			fs.freemap.Mark(jr.Disk)
		} else {
			fs.freemap.Unmark(jr.Disk)
		}
	case *Jblockdealloc_t:
		if redo {
			fs.freemap.Unmark(jr.Disk)
		} else {
			fs.freemap.Mark(jr.Disk)
		}
	case *Jinodelink_t:
		if err := readblk(jr.Disk); err != 0 {
			return err
		}
		ind := Inode_t{Buf: &Buf_t{Block: jr.Disk, Data: (*[BSIZE]uint8)(data)}}
		old, new := jr.Oldcnt, jr.Newcnt
		if !redo {
			old, new = new, old
		}
		if ind.Linkcount() == old {
			ind.SetLinkcount(new)
			if err := writeblk(jr.Disk); err != 0 {
				return err
			}
		}
	case *Jinodeupdatetype_t:
		if err := readblk(jr.Inode); err != 0 {
			return err
		}
		ind := Inode_t{Buf: &Buf_t{Block: jr.Inode, Data: (*[BSIZE]uint8)(data)}}
		old, new := jr.Oldtype, jr.Newtype
		if !redo {
			old, new = new, old
		}
		if ind.Itype() == old {
			ind.SetItype(new)
			if err := writeblk(jr.Inode); err != 0 {
				return err
			}
		}
	case *Jresize_t:
		if err := readblk(jr.Inode); err != 0 {
			return err
		}
		ind := Inode_t{Buf: &Buf_t{Block: jr.Inode, Data: (*[BSIZE]uint8)(data)}}
		old, new := jr.Oldsize, jr.Newsize
		if !redo {
			old, new = new, old
		}
		if ind.Size() == old {
			ind.SetSize(new)
			if err := writeblk(jr.Inode); err != 0 {
				return err
			}
		}
	case *Jmetaupdate_t:
		if err := readblk(jr.Disk); err != 0 {
			return err
		}
		img := jr.New
		if !redo {
			img = jr.Old
		}
		copy(data[jr.Off:], img)
		if err := writeblk(jr.Disk); err != 0 {
			return err
		}
	case *Jblockwrite_t:
		// only the authoritative last write is checked, and only a
		// redo of a write to a newly allocated block may zero it
		if !jr.Lastwrite || !redo {
			return 0
		}
		if err := readblk(jr.Disk); err != 0 {
			return err
		}
		if Blockchecksum(data) != jr.Checksum && jr.Newalloc {
			if recover_debug {
				fmt.Printf("recover: torn write, zeroing block %v\n", jr.Disk)
			}
			for i := range data {
				data[i] = 0
			}
			if err := writeblk(jr.Disk); err != 0 {
				return err
			}
		}
	case *Jtruncate_t, *Jtransbegin_t, *Jtranscommit_t:
		// no direct replay: truncation's freemap effects ride on its
		// BlockDealloc records
	default:
		panic("unhandled record type")
	}
	return 0
}
