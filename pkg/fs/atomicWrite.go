package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temp file in the target's directory and
// renames it into place, so readers see either the old content or the new,
// never a partial write. The rename is only atomic when the temp file and
// the target share a filesystem, which staging in the same directory
// guarantees.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := writeAndSync(tmp, data, perm); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	// fsync the directory so the rename survives power loss.
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}

func writeAndSync(f *os.File, data []byte, perm os.FileMode) error {
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
