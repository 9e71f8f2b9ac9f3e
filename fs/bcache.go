package fs

import "fmt"
import "sync"

import "tern/defs"
import "tern/hashtable"

const bcache_debug = false

/// Buf_t is a cached disk block with the filesystem metadata the
/// journal needs: the LSN window of the records describing its
/// unwritten changes. The WAL invariant is that a dirty buffer may be
/// written back only after the log is durable to Newest_lsn.
type Buf_t struct {
	sync.Mutex
	Block int
	Data  *[BSIZE]uint8

	dirty  bool
	refcnt int

	// attached by the owning filesystem
	Oldest_lsn uint64
	Newest_lsn uint64
}

/// Bcache_t is the buffer cache: an index of pinned block buffers, a
/// dirty set consulted by the checkpoint, and a writeback path that
/// flushes the journal first.
type Bcache_t struct {
	sync.Mutex
	dev  defs.Blockdev_i
	bufs *hashtable.Hashtable_t

	// flushfn makes the journal durable up to the given LSN before
	// any buffer carrying records up to it reaches the device.
	flushfn func(lsn uint64) defs.Err_t

	// attach/detach hooks carry the filesystem's per-buffer data
	attach func(*Buf_t)
	detach func(*Buf_t)
}

func mkBcache(dev defs.Blockdev_i) *Bcache_t {
	bc := &Bcache_t{}
	bc.dev = dev
	bc.bufs = hashtable.MkHash(512)
	bc.flushfn = func(uint64) defs.Err_t { return 0 }
	bc.attach = func(*Buf_t) {}
	bc.detach = func(*Buf_t) {}
	return bc
}

/// Bread returns the pinned buffer for blkno, reading it from the
/// device on a miss.
func (bc *Bcache_t) Bread(blkno int) (*Buf_t, defs.Err_t) {
	bc.Lock()
	if v, ok := bc.bufs.Get(blkno); ok {
		b := v.(*Buf_t)
		b.refcnt++
		bc.Unlock()
		return b, 0
	}
	b := &Buf_t{Block: blkno, Data: &[BSIZE]uint8{}, refcnt: 1}
	if err := bc.dev.Read_block(blkno, b.Data[:]); err != 0 {
		bc.Unlock()
		return nil, err
	}
	bc.attach(b)
	bc.bufs.Set(blkno, b)
	bc.Unlock()
	return b, 0
}

/// Brelse unpins a buffer.
func (bc *Bcache_t) Brelse(b *Buf_t) {
	bc.Lock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("buffer over-released")
	}
	bc.Unlock()
}

/// Bdirty marks a buffer modified.
func (bc *Bcache_t) Bdirty(b *Buf_t) {
	bc.Lock()
	b.dirty = true
	bc.Unlock()
}

/// Setlsn records that the journal record at lsn describes a change
/// to blkno's buffer, if that buffer is cached.
func (bc *Bcache_t) Setlsn(blkno int, lsn uint64) {
	bc.Lock()
	defer bc.Unlock()
	v, ok := bc.bufs.Get(blkno)
	if !ok {
		return
	}
	b := v.(*Buf_t)
	if b.Oldest_lsn == 0 {
		b.Oldest_lsn = lsn
	}
	if b.Newest_lsn < lsn {
		b.Newest_lsn = lsn
	}
}

/// Dirtybufs returns a snapshot of the dirty buffers; the checkpoint
/// uses it to bound the trim.
func (bc *Bcache_t) Dirtybufs() []*Buf_t {
	bc.Lock()
	defer bc.Unlock()
	var ret []*Buf_t
	bc.bufs.Iter(func(k, v interface{}) bool {
		b := v.(*Buf_t)
		if b.dirty {
			ret = append(ret, b)
		}
		return false
	})
	return ret
}

// writeback writes one dirty buffer, flushing the journal to its
// newest LSN first (WAL).
func (bc *Bcache_t) writeback(b *Buf_t) defs.Err_t {
	bc.Lock()
	if !b.dirty {
		bc.Unlock()
		return 0
	}
	newest := b.Newest_lsn
	bc.Unlock()

	if err := bc.flushfn(newest); err != 0 {
		return err
	}
	if bcache_debug {
		fmt.Printf("bcache: writeback %v newest %v\n", b.Block, newest)
	}
	if err := bc.dev.Write_block(b.Block, b.Data[:]); err != 0 {
		return err
	}
	bc.Lock()
	b.dirty = false
	b.Oldest_lsn = 0
	b.Newest_lsn = 0
	bc.Unlock()
	return 0
}

/// Sync writes back every dirty buffer.
func (bc *Bcache_t) Sync() defs.Err_t {
	for _, b := range bc.Dirtybufs() {
		if err := bc.writeback(b); err != 0 {
			return err
		}
	}
	return 0
}

/// Drop empties the cache. All buffers must be clean and unpinned.
func (bc *Bcache_t) Drop() {
	bc.Lock()
	defer bc.Unlock()
	for _, p := range bc.bufs.Elems() {
		b := p.Value.(*Buf_t)
		if b.dirty {
			panic("dropping dirty buffer")
		}
		bc.detach(b)
		bc.bufs.Del(p.Key)
	}
}
