// Command mkfs builds a filesystem image and verifies that it mounts.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	"tern/ufs"
	"tern/ustr"
)

var (
	image   = kingpin.Arg("image", "output image path").Required().String()
	skeldir = kingpin.Arg("skel", "directory tree to copy in").String()
	nblocks = kingpin.Flag("blocks", "filesystem size in blocks").Default("8192").Int()
	jblocks = kingpin.Flag("journal-blocks", "journal size in blocks").Default("1024").Int()
	volname = kingpin.Flag("volname", "volume name").Default("tern").String()
)

// copydata appends the host file at src to dst in the image.
func copydata(src string, f *ufs.Ufs_t, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	buf := make([]byte, 4096)
	for {
		n, readErr := srcFile.Read(buf)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if n == 0 {
			break
		}
		if e := f.Append(ustr.Ustr(dst), buf[:n]); e != 0 {
			return fmt.Errorf("append to %v: errno %d", dst, -e)
		}
		if readErr == io.EOF {
			break
		}
	}
	return nil
}

// addfiles replicates the regular files of skeldir into the image.
// The filesystem keeps a single flat namespace, so a nested path is
// flattened to one name by joining its components with "_".
func addfiles(f *ufs.Ufs_t, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ReplaceAll(strings.TrimPrefix(path, skeldir), "/", "_")
		name = strings.TrimPrefix(name, "_")
		if e := f.MkFile(ustr.Ustr(name), nil); e != 0 {
			return fmt.Errorf("create %v: errno %d", name, -e)
		}
		return copydata(path, f, name)
	})
}

func main() {
	kingpin.Parse()

	if err := ufs.MkDisk(*image, *nblocks, *jblocks, *volname); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	f, err := ufs.BootFS(*image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: not a valid fs: %v\n", err)
		os.Exit(1)
	}

	if *skeldir != "" {
		if err := addfiles(f, *skeldir); err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
			os.Exit(1)
		}
	}

	if e := f.ShutdownFS(); e != 0 {
		fmt.Fprintf(os.Stderr, "mkfs: unmount failed: errno %d\n", -e)
		os.Exit(1)
	}
	fmt.Printf("%v: %v blocks, %v journal blocks\n", *image, *nblocks, *jblocks)
}
