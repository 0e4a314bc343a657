// Package snapshot owns the durable on-disk representation of VM
// snapshots: capture into the store directory, integrity-checked load,
// and delete. The SQLite registry is the index; the files are the truth.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/ember.io/internal/db/models"
	"github.com/maxdollinger/ember.io/pkg/utils"
)

const (
	diskFileName = "disk.ext4"
	memFileName  = "mem.snap"
)

// Capturer produces the actual snapshot files, typically by booting a VM
// from the base images, pausing it and writing its state through the
// hypervisor's snapshot API.
type Capturer interface {
	Capture(ctx context.Context, diskPath, memPath string) error
}

// Registry is the durable index over the store's files.
// *db.SnapshotRepo satisfies it.
type Registry interface {
	Insert(ctx context.Context, s models.Snapshot) error
	Get(ctx context.Context, id string) (models.Snapshot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.Snapshot, error)
}

type Store struct {
	root     string
	registry Registry
	capture  Capturer
	logger   *slog.Logger
}

func NewStore(root string, registry Registry, capture Capturer, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		root:     root,
		registry: registry,
		capture:  capture,
		logger:   logger,
	}, nil
}

// Create captures a fresh snapshot into the store. On any failure the
// snapshot directory is removed so no unregistered files linger.
func (s *Store) Create(ctx context.Context) (*Snapshot, error) {
	id, err := utils.NewUUID7()
	if err != nil {
		return nil, fmt.Errorf("%w: generate id: %v", ErrCreateFailed, err)
	}

	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create snapshot dir: %v", ErrCreateFailed, err)
	}

	diskPath := filepath.Join(dir, diskFileName)
	memPath := filepath.Join(dir, memFileName)

	if err := s.capture.Capture(ctx, diskPath, memPath); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: capture: %v", ErrCreateFailed, err)
	}

	size, err := totalSize(diskPath, memPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	memDigest, err := digestFile(memPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: digest memory file: %v", ErrCreateFailed, err)
	}

	row := models.Snapshot{
		ID:        id,
		DiskPath:  diskPath,
		MemPath:   memPath,
		SizeBytes: size,
		MemDigest: memDigest.String(),
		CreatedAt: time.Now(),
	}
	if err := s.registry.Insert(ctx, row); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: register: %v", ErrCreateFailed, err)
	}

	s.logger.Info("snapshot created", "id", id, "size_bytes", size)

	return &Snapshot{
		ID:        id,
		CreatedAt: row.CreatedAt,
		DiskPath:  diskPath,
		MemPath:   memPath,
		SizeBytes: size,
		MemDigest: memDigest,
	}, nil
}

// Load verifies a snapshot's files are present and the memory file still
// matches its recorded digest, then returns the restore image.
func (s *Store) Load(ctx context.Context, id string) (*MemoryImage, error) {
	row, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, p := range []string{row.DiskPath, row.MemPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, p, err)
		}
	}

	memDigest, err := digestFile(row.MemPath)
	if err != nil {
		return nil, fmt.Errorf("%w: digest %s: %v", ErrCorrupted, row.MemPath, err)
	}
	if memDigest.String() != row.MemDigest {
		return nil, fmt.Errorf("%w: memory digest mismatch for %s", ErrCorrupted, id)
	}

	return &MemoryImage{
		SnapshotID: id,
		MemPath:    row.MemPath,
		DiskPath:   row.DiskPath,
	}, nil
}

// Delete removes a snapshot's files and its registry row. Deleting an
// unknown id is a no-op so pool shutdown can be retried.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil
	}

	if err := s.registry.Delete(ctx, id); err != nil {
		return fmt.Errorf("unregister snapshot %s: %w", id, err)
	}

	if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
		return fmt.Errorf("remove snapshot files %s: %w", id, err)
	}

	s.logger.Info("snapshot deleted", "id", id)
	return nil
}

// Restore rebuilds the in-memory view from the registry, dropping rows
// whose files vanished. Called at daemon startup.
func (s *Store) Restore(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Snapshot
	for _, row := range rows {
		if _, err := os.Stat(row.DiskPath); err != nil {
			s.logger.Warn("dropping snapshot with missing files", "id", row.ID)
			_ = s.registry.Delete(ctx, row.ID)
			_ = os.RemoveAll(filepath.Join(s.root, row.ID))
			continue
		}
		out = append(out, &Snapshot{
			ID:        row.ID,
			CreatedAt: row.CreatedAt,
			DiskPath:  row.DiskPath,
			MemPath:   row.MemPath,
			SizeBytes: row.SizeBytes,
			MemDigest: digest.Digest(row.MemDigest),
		})
	}
	return out, nil
}

func totalSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.FromReader(f)
}
