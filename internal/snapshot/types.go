package snapshot

import (
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	ErrCreateFailed = errors.New("snapshot creation failed")
	ErrNotFound     = errors.New("snapshot not found")
	ErrCorrupted    = errors.New("snapshot files missing or corrupted")
)

// Snapshot describes a captured VM memory+disk state on disk. The paths
// stay valid for as long as the snapshot is registered in the store.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	DiskPath  string
	MemPath   string
	SizeBytes int64
	MemDigest digest.Digest
}

// Age returns how long ago the snapshot was captured.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// MemoryImage is what the hypervisor needs to resume a VM from a snapshot.
// The disk path is the caller's overlay, not the shared base image.
type MemoryImage struct {
	SnapshotID string
	MemPath    string
	DiskPath   string
}
