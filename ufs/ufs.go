// Package ufs boots the filesystem against a file-backed disk in user
// space and wraps the common operations for tools and tests.
package ufs

import "log"

import "github.com/pkg/errors"

import "tern/defs"
import "tern/fs"
import "tern/ustr"

/// Ufs_t wraps the filesystem and its block device.
type Ufs_t struct {
	disk *Disk_t
	fs   *fs.Fs_t
}

/// BootFS mounts the filesystem image at dst, running recovery.
func BootFS(dst string) (*Ufs_t, error) {
	disk, err := OpenDisk(dst)
	if err != nil {
		return nil, err
	}
	ufs := &Ufs_t{disk: disk}
	f, ferr := fs.StartFS(disk)
	if ferr != 0 {
		disk.Close()
		log.Printf("mount of %v failed: %v", dst, ferr)
		if disk.Lasterr != nil {
			return nil, disk.Lasterr
		}
		return nil, errors.Errorf("mount failed with errno %d", -ferr)
	}
	ufs.fs = f
	return ufs, nil
}

/// ShutdownFS unmounts and closes the image.
func (ufs *Ufs_t) ShutdownFS() defs.Err_t {
	if err := ufs.fs.StopFS(); err != 0 {
		return err
	}
	ufs.disk.Close()
	return 0
}

/// Crash closes the image without syncing or unmounting, leaving
/// whatever has reached the disk. The next BootFS recovers.
func (ufs *Ufs_t) Crash() {
	ufs.disk.Close()
}

/// Fs exposes the mounted filesystem.
func (ufs *Ufs_t) Fs() *fs.Fs_t {
	return ufs.fs
}

/// Disk exposes the block device.
func (ufs *Ufs_t) Disk() *Disk_t {
	return ufs.disk
}

/// Sync flushes all pending filesystem state.
func (ufs *Ufs_t) Sync() defs.Err_t {
	return ufs.fs.Fs_sync()
}

/// MkFile creates a file at p holding data.
func (ufs *Ufs_t) MkFile(p ustr.Ustr, data []uint8) defs.Err_t {
	ino, err := ufs.fs.Fs_create(p, fs.I_FILE)
	if err != 0 {
		return err
	}
	if len(data) > 0 {
		n, err := ufs.fs.Fs_write(ino, 0, data)
		if err != 0 {
			return err
		}
		if n != len(data) {
			return -defs.ENOSPC
		}
	}
	return 0
}

/// Append adds data at the end of the file at p.
func (ufs *Ufs_t) Append(p ustr.Ustr, data []uint8) defs.Err_t {
	size, _, _, err := ufs.fs.Fs_stat(p)
	if err != 0 {
		return err
	}
	ino, err := ufs.fs.Fs_open(p)
	if err != 0 {
		return err
	}
	_, werr := ufs.fs.Fs_write(ino, size, data)
	cerr := ufs.fs.Fs_close(ino)
	if werr != 0 {
		return werr
	}
	return cerr
}

/// Read returns the whole contents of the file at p.
func (ufs *Ufs_t) Read(p ustr.Ustr) ([]uint8, defs.Err_t) {
	size, _, _, err := ufs.fs.Fs_stat(p)
	if err != 0 {
		return nil, err
	}
	ino, err := ufs.fs.Fs_open(p)
	if err != 0 {
		return nil, err
	}
	data := make([]uint8, size)
	n, rerr := ufs.fs.Fs_read(ino, 0, data)
	cerr := ufs.fs.Fs_close(ino)
	if rerr != 0 {
		return nil, rerr
	}
	if cerr != 0 {
		return nil, cerr
	}
	return data[:n], 0
}

/// Unlink removes the file at p.
func (ufs *Ufs_t) Unlink(p ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_unlink(p)
}

/// Link makes newp a hard link to oldp.
func (ufs *Ufs_t) Link(oldp, newp ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_link(oldp, newp)
}

/// Resize truncates or extends the file at p.
func (ufs *Ufs_t) Resize(p ustr.Ustr, size int) defs.Err_t {
	ino, err := ufs.fs.Fs_open(p)
	if err != 0 {
		return err
	}
	rerr := ufs.fs.Fs_resize(ino, size)
	cerr := ufs.fs.Fs_close(ino)
	if rerr != 0 {
		return rerr
	}
	return cerr
}

/// Stat returns (size, type, linkcount) for p.
func (ufs *Ufs_t) Stat(p ustr.Ustr) (int, int, int, defs.Err_t) {
	return ufs.fs.Fs_stat(p)
}
