package models

import "time"

// Snapshot is the persisted registry row for an on-disk VM snapshot.
type Snapshot struct {
	ID        string
	DiskPath  string
	MemPath   string
	SizeBytes int64
	MemDigest string
	CreatedAt time.Time
}
