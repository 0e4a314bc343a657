package fs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// CloneFile creates a copy-on-write overlay of src at dst. On filesystems
// that support reflinks (btrfs, xfs) the clone shares extents with the
// source, so a snapshot disk image can back many VMs while each gets an
// isolated writable copy. Falls back to a full copy when the filesystem
// does not support FICLONE.
func CloneFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open clone source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat clone source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create clone target: %w", err)
	}

	err = unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	if err == nil {
		return out.Close()
	}

	if err != unix.EOPNOTSUPP && err != unix.EXDEV && err != unix.EINVAL {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("reflink %s -> %s: %w", src, dst, err)
	}

	// Filesystem cannot reflink, copy the content instead.
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}

	return out.Close()
}
