package fs

import "fmt"

import "tern/defs"

const trans_debug = false

/// Curpid supplies the current process id, which doubles as the
/// transaction id. The environment installs a real implementation;
/// the default is a single-process world.
var Curpid func() defs.Pid_t = func() defs.Pid_t { return 1 }

// trans_t tracks one in-progress metadata operation.
type trans_t struct {
	id       defs.Pid_t
	firstlsn uint64
}

// transattach is the TransBegin write callback. It runs inline inside
// the journal write with the container write lock held, so the
// transaction enters the active list atomically with its record's LSN
// assignment.
func (fs *Fs_t) transattach(newlsn uint64, ctx interface{}) {
	id := ctx.(defs.Pid_t)
	fs.translock.Lock()
	fs.trans = append(fs.trans, &trans_t{id: id, firstlsn: newlsn})
	fs.translock.Unlock()
	if trans_debug {
		fmt.Printf("trans: begin id %v first lsn %v\n", id, newlsn)
	}
}

/// Trans_begin opens a transaction of the given type for the current
/// process. Every metadata-mutating operation brackets itself with
/// Trans_begin and Trans_commit.
func (fs *Fs_t) Trans_begin(ttype int) defs.Pid_t {
	id := Curpid()
	fs.jwrite(&Jtransbegin_t{Tx: id, Ttype: ttype}, true)
	return id
}

/// Trans_commit writes the commit record and removes the transaction
/// from the active list.
func (fs *Fs_t) Trans_commit(ttype int) {
	id := Curpid()
	fs.jwrite(&Jtranscommit_t{Tx: id, Ttype: ttype}, false)

	fs.translock.Lock()
	for i, t := range fs.trans {
		if t.id == id {
			fs.trans = append(fs.trans[:i], fs.trans[i+1:]...)
			break
		}
	}
	fs.translock.Unlock()
}

// checkpoint bounds the log: trim to the minimum of the active
// transactions' first LSNs, the dirty non-journal buffers' oldest
// LSNs and, when the freemap is dirty, its oldest LSN; with none of
// these, trim to the next LSN. Checkpointing is advisory, not
// durability.
func (fs *Fs_t) checkpoint() {
	oldest := ^uint64(0)

	fs.translock.Lock()
	for _, t := range fs.trans {
		if t.firstlsn < oldest {
			oldest = t.firstlsn
		}
	}
	fs.translock.Unlock()

	for _, b := range fs.bcache.Dirtybufs() {
		if fs.Block_is_journal(b.Block) {
			continue
		}
		if b.Oldest_lsn != 0 && b.Oldest_lsn < oldest {
			oldest = b.Oldest_lsn
		}
	}

	if o, _ := fs.freemap.lsns(); o != 0 && fs.freemap.dirty && o < oldest {
		oldest = o
	}

	if oldest == ^uint64(0) {
		oldest = fs.jphys.Peeknextlsn()
	}
	if trans_debug {
		fmt.Printf("trans: checkpoint trim to %v\n", oldest)
	}
	fs.jphys.Trim(oldest)
	fs.jphys.Clearodometer()
}

/// Block_is_journal reports whether blkno lies in the journal region.
func (fs *Fs_t) Block_is_journal(blkno int) bool {
	js := fs.super.Journalstart()
	return blkno >= js && blkno < js+fs.super.Journalblocks()
}
