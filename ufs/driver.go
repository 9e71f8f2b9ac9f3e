package ufs

import "os"
import "sync"

import "github.com/pkg/errors"

import "tern/defs"

//
// The "driver": a disk simulated by a file on the host.
//

/// Disk_t implements defs.Blockdev_i over an image file.
type Disk_t struct {
	sync.Mutex
	f       *os.File
	nblocks int

	// Lasterr keeps the wrapped host error behind the most recent
	// EIO, for diagnostics.
	Lasterr error

	// Failwrites makes every write fail, to exercise device error
	// paths.
	Failwrites bool
}

/// OpenDisk opens an image file as a block device.
func OpenDisk(path string) (*Disk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open disk image")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat disk image")
	}
	if st.Size()%int64(defs.BLOCKSIZE) != 0 {
		f.Close()
		return nil, errors.Errorf("image size %v not block aligned", st.Size())
	}
	d := &Disk_t{}
	d.f = f
	d.nblocks = int(st.Size() / int64(defs.BLOCKSIZE))
	return d, nil
}

/// Read_block reads one block into buf.
func (d *Disk_t) Read_block(blkno int, buf []uint8) defs.Err_t {
	if len(buf) != defs.BLOCKSIZE || blkno < 0 || blkno >= d.nblocks {
		return -defs.EINVAL
	}
	d.Lock()
	defer d.Unlock()
	n, err := d.f.ReadAt(buf, int64(blkno)*int64(defs.BLOCKSIZE))
	if err != nil || n != defs.BLOCKSIZE {
		d.Lasterr = errors.Wrapf(err, "read block %v", blkno)
		return -defs.EIO
	}
	return 0
}

/// Write_block writes one block from buf.
func (d *Disk_t) Write_block(blkno int, buf []uint8) defs.Err_t {
	if len(buf) != defs.BLOCKSIZE || blkno < 0 || blkno >= d.nblocks {
		return -defs.EINVAL
	}
	d.Lock()
	defer d.Unlock()
	if d.Failwrites {
		d.Lasterr = errors.Errorf("injected failure writing block %v", blkno)
		return -defs.EIO
	}
	n, err := d.f.WriteAt(buf, int64(blkno)*int64(defs.BLOCKSIZE))
	if err != nil || n != defs.BLOCKSIZE {
		d.Lasterr = errors.Wrapf(err, "write block %v", blkno)
		return -defs.EIO
	}
	return 0
}

/// Nblocks returns the device size in blocks.
func (d *Disk_t) Nblocks() int {
	return d.nblocks
}

/// Blocksize returns the fixed block size.
func (d *Disk_t) Blocksize() int {
	return defs.BLOCKSIZE
}

/// Sync flushes the image file to stable storage.
func (d *Disk_t) Sync() error {
	d.Lock()
	defer d.Unlock()
	return errors.Wrap(d.f.Sync(), "sync disk image")
}

/// Close closes the image file.
func (d *Disk_t) Close() error {
	return errors.Wrap(d.f.Close(), "close disk image")
}
