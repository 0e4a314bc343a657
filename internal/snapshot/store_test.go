package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/maxdollinger/ember.io/internal/db/models"
)

// memRegistry is an in-memory Registry for tests.
type memRegistry struct {
	mu   sync.Mutex
	rows map[string]models.Snapshot
}

func newMemRegistry() *memRegistry {
	return &memRegistry{rows: make(map[string]models.Snapshot)}
}

func (r *memRegistry) Insert(ctx context.Context, s models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return fmt.Errorf("duplicate snapshot id %s", s.ID)
	}
	r.rows[s.ID] = s
	return nil
}

func (r *memRegistry) Get(ctx context.Context, id string) (models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return models.Snapshot{}, errors.New("not found")
	}
	return s, nil
}

func (r *memRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memRegistry) List(ctx context.Context) ([]models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Snapshot
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out, nil
}

// fileCapturer writes fixed content, standing in for a real VM capture.
type fileCapturer struct {
	failNext bool
}

func (c *fileCapturer) Capture(ctx context.Context, diskPath, memPath string) error {
	if c.failNext {
		c.failNext = false
		return errors.New("injected capture failure")
	}
	if err := os.WriteFile(diskPath, []byte("disk-image"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(memPath, []byte("memory-image"), 0o644)
}

func newTestStore(t *testing.T) (*Store, *memRegistry, *fileCapturer) {
	t.Helper()
	reg := newMemRegistry()
	cap := &fileCapturer{}
	store, err := NewStore(t.TempDir(), reg, cap, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, reg, cap
}

func TestCreateLoadDelete(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("snapshot id is empty")
	}
	if snap.SizeBytes != int64(len("disk-image")+len("memory-image")) {
		t.Errorf("unexpected size: %d", snap.SizeBytes)
	}

	img, err := store.Load(ctx, snap.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.MemPath != snap.MemPath || img.DiskPath != snap.DiskPath {
		t.Errorf("load returned wrong paths: %+v", img)
	}

	if err := store.Delete(ctx, snap.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(snap.DiskPath); !os.IsNotExist(err) {
		t.Errorf("snapshot files not removed: %v", err)
	}
}

func TestCreateFailureLeavesNothingBehind(t *testing.T) {
	store, reg, cap := newTestStore(t)
	cap.failNext = true

	_, err := store.Create(context.Background())
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("expected ErrCreateFailed, got %v", err)
	}

	if len(reg.rows) != 0 {
		t.Errorf("failed create left registry rows: %d", len(reg.rows))
	}

	entries, err := os.ReadDir(store.root)
	if err != nil {
		t.Fatalf("read store root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed create left files behind: %v", entries)
	}
}

func TestLoadDetectsTamperedMemoryFile(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := os.WriteFile(snap.MemPath, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.Load(ctx, snap.ID); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted for tampered file, got %v", err)
	}
}

func TestLoadDetectsMissingFiles(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Remove(snap.DiskPath); err != nil {
		t.Fatalf("remove disk: %v", err)
	}

	if _, err := store.Load(ctx, snap.ID); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted for missing file, got %v", err)
	}
}

func TestDeleteUnknownIsNoOp(t *testing.T) {
	store, _, _ := newTestStore(t)
	if err := store.Delete(context.Background(), "no-such-id"); err != nil {
		t.Errorf("delete of unknown snapshot: %v", err)
	}
}

func TestRestoreDropsVanishedSnapshots(t *testing.T) {
	store, reg, _ := newTestStore(t)
	ctx := context.Background()

	keep, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gone, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Remove(gone.DiskPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	restored, err := store.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored) != 1 || restored[0].ID != keep.ID {
		t.Errorf("unexpected restore result: %+v", restored)
	}
	if _, ok := reg.rows[gone.ID]; ok {
		t.Error("vanished snapshot still registered")
	}
}
