package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maxdollinger/ember.io/internal/db/models"
)

var ErrSnapshotNotFound = errors.New("snapshot not found in registry")

// SnapshotRepo persists the snapshot registry. The files themselves live
// under the store's directory; this is the durable index over them.
type SnapshotRepo struct {
	db *sql.DB
}

func NewSnapshotRepo(db *sql.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

func (r *SnapshotRepo) Insert(ctx context.Context, s models.Snapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, disk_path, mem_path, size_bytes, mem_digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.DiskPath, s.MemPath, s.SizeBytes, s.MemDigest, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", s.ID, err)
	}
	return nil
}

func (r *SnapshotRepo) Get(ctx context.Context, id string) (models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.QueryRowContext(ctx,
		`SELECT id, disk_path, mem_path, size_bytes, mem_digest, created_at
		 FROM snapshots WHERE id = ?`, id).
		Scan(&s.ID, &s.DiskPath, &s.MemPath, &s.SizeBytes, &s.MemDigest, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("query snapshot %s: %w", id, err)
	}
	return s, nil
}

func (r *SnapshotRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// List returns all registered snapshots, oldest first. Used at startup to
// reconcile the registry with what is actually on disk.
func (r *SnapshotRepo) List(ctx context.Context) ([]models.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, disk_path, mem_path, size_bytes, mem_digest, created_at
		 FROM snapshots ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		if err := rows.Scan(&s.ID, &s.DiskPath, &s.MemPath, &s.SizeBytes, &s.MemDigest, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
