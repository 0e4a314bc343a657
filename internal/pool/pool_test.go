package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/maxdollinger/ember.io/internal/snapshot"
)

// fakeStore mints snapshots without touching disk. age controls the
// CreatedAt of newly created snapshots so staleness paths can be driven.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	age      time.Duration
	live     map[string]bool
	failures int // number of Create calls to fail
	creates  int
	deletes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{live: make(map[string]bool)}
}

func (s *fakeStore) Create(ctx context.Context) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("injected create failure")
	}
	s.seq++
	id := fmt.Sprintf("snap-%03d", s.seq)
	s.live[id] = true
	return &snapshot.Snapshot{
		ID:        id,
		CreatedAt: time.Now().Add(-s.age),
		DiskPath:  "/var/lib/ember/snapshots/" + id + "/disk.ext4",
		MemPath:   "/var/lib/ember/snapshots/" + id + "/mem.snap",
		SizeBytes: 1 << 20,
	}, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.live, id)
	return nil
}

func (s *fakeStore) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func newTestPool(store *fakeStore, cfg Config) *Pool {
	return New(store, cfg, slog.New(slog.DiscardHandler))
}

func TestWarmupReachesTarget(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 3})
	ctx := context.Background()

	if err := p.Warmup(ctx, 3); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	stats := p.Stats()
	if stats.Size != 3 || stats.Available != 3 {
		t.Errorf("unexpected stats after warmup: %+v", stats)
	}

	// Idempotent at capacity.
	if err := p.Warmup(ctx, 3); err != nil {
		t.Fatalf("second warmup: %v", err)
	}
	if store.creates != 3 {
		t.Errorf("warmup at capacity created snapshots: %d creates", store.creates)
	}
}

func TestWarmupPartialIsReportedNotFatal(t *testing.T) {
	store := newFakeStore()
	store.failures = 1
	p := newTestPool(store, Config{TargetSize: 3, WarmupParallelism: 1})

	err := p.Warmup(context.Background(), 3)
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("expected ErrCreateFailed, got %v", err)
	}

	// The entries that did get created remain usable.
	stats := p.Stats()
	if stats.Available == 0 {
		t.Error("partial warmup left no usable entries")
	}
	if _, ok := p.Acquire(); !ok {
		t.Error("acquire failed after partial warmup")
	}
}

func TestAcquireRoundRobin(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 3})
	ctx := context.Background()

	if err := p.Warmup(ctx, 3); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// Acquire+release cycles should visit every entry, not hammer one.
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		snap, ok := p.Acquire()
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		seen[snap.ID]++
		if err := p.Release(ctx, snap.ID); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	if len(seen) != 3 {
		t.Errorf("round robin visited %d of 3 entries: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 2 {
			t.Errorf("entry %s used %d times, expected 2", id, n)
		}
	}
}

func TestAcquireExactlyOnce(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 3})
	ctx := context.Background()

	if err := p.Warmup(ctx, 3); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// Three concurrent acquires get three distinct snapshots; a fourth
	// comes up empty. After one release, acquire succeeds again.
	const n = 3
	var wg sync.WaitGroup
	got := make(chan *snapshot.Snapshot, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, ok := p.Acquire()
			if !ok {
				t.Error("concurrent acquire failed on warmed pool")
				return
			}
			got <- snap
		}()
	}
	wg.Wait()
	close(got)

	ids := make(map[string]bool)
	for snap := range got {
		if ids[snap.ID] {
			t.Fatalf("snapshot %s handed out twice", snap.ID)
		}
		ids[snap.ID] = true
	}
	if len(ids) != n {
		t.Fatalf("expected %d distinct snapshots, got %d", n, len(ids))
	}

	if _, ok := p.Acquire(); ok {
		t.Error("acquire on exhausted pool should fail")
	}

	for id := range ids {
		if err := p.Release(ctx, id); err != nil {
			t.Fatalf("release: %v", err)
		}
		break
	}

	if _, ok := p.Acquire(); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestDoubleReleaseRejected(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 1})
	ctx := context.Background()

	if err := p.Warmup(ctx, 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	snap, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := p.Release(ctx, snap.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(ctx, snap.ID); !errors.Is(err, ErrNotCheckedOut) {
		t.Errorf("double release: expected ErrNotCheckedOut, got %v", err)
	}

	if err := p.Release(ctx, "snap-999"); !errors.Is(err, ErrNotCheckedOut) {
		t.Errorf("release of unknown id: expected ErrNotCheckedOut, got %v", err)
	}
}

func TestStaleReleaseTriggersRefresh(t *testing.T) {
	store := newFakeStore()
	store.age = 2 * time.Hour // every created snapshot is already stale
	p := newTestPool(store, Config{TargetSize: 2, MaxAge: time.Hour})
	ctx := context.Background()

	if err := p.Warmup(ctx, 2); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	snap, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}

	store.age = 0 // replacements are fresh
	if err := p.Release(ctx, snap.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	stats := p.Stats()
	if stats.Size != 2 {
		t.Errorf("refresh changed pool size: %+v", stats)
	}
	if stats.NewestAge > time.Minute {
		t.Errorf("expected near-zero newest age after refresh, got %v", stats.NewestAge)
	}
	if store.liveCount() != 2 {
		t.Errorf("expected 2 live snapshots after refresh, got %d", store.liveCount())
	}

	// The stale snapshot is gone; the fresh one is acquirable.
	for i := 0; i < 2; i++ {
		got, ok := p.Acquire()
		if !ok {
			t.Fatalf("acquire %d after refresh failed", i)
		}
		if got.ID == snap.ID {
			t.Errorf("stale snapshot %s still in pool", snap.ID)
		}
	}
}

func TestRefreshFailureDropsSlot(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 1})
	ctx := context.Background()

	if err := p.Warmup(ctx, 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	snap, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}

	store.failures = 2 // first attempt and its retry both fail
	if err := p.Refresh(ctx, snap.ID); !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("expected ErrCreateFailed, got %v", err)
	}

	stats := p.Stats()
	if stats.Size != 0 {
		t.Errorf("failed refresh left a dead slot: %+v", stats)
	}

	// Warmup can rebuild the dropped slot.
	if err := p.Warmup(ctx, 1); err != nil {
		t.Fatalf("warmup after failed refresh: %v", err)
	}
	if _, ok := p.Acquire(); !ok {
		t.Error("acquire after rebuild failed")
	}
}

func TestRefreshRetriesOnce(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 1})
	ctx := context.Background()

	if err := p.Warmup(ctx, 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	snap, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}

	store.failures = 1 // first attempt fails, retry succeeds
	if err := p.Refresh(ctx, snap.ID); err != nil {
		t.Fatalf("refresh with one failure should succeed via retry: %v", err)
	}
	if stats := p.Stats(); stats.Available != 1 {
		t.Errorf("expected refreshed entry available: %+v", stats)
	}
}

func TestStatsDoesNotMutate(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 2})
	ctx := context.Background()

	if err := p.Warmup(ctx, 2); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	before := p.Stats()
	for i := 0; i < 10; i++ {
		_ = p.Stats()
	}
	after := p.Stats()

	if before.Size != after.Size || before.Available != after.Available {
		t.Errorf("stats mutated pool state: %+v vs %+v", before, after)
	}
}

func TestShutdownDeletesAvailableSnapshots(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 3})
	ctx := context.Background()

	if err := p.Warmup(ctx, 3); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	checked, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// Two available entries deleted, the checked-out one survives until
	// released.
	if store.liveCount() != 1 {
		t.Errorf("expected 1 live snapshot after shutdown, got %d", store.liveCount())
	}

	if _, ok := p.Acquire(); ok {
		t.Error("acquire after shutdown should fail")
	}

	if err := p.Release(ctx, checked.ID); err != nil {
		t.Fatalf("release after shutdown: %v", err)
	}
	if store.liveCount() != 0 {
		t.Errorf("expected 0 live snapshots after final release, got %d", store.liveCount())
	}
}

func TestConcurrentAcquireReleaseChurn(t *testing.T) {
	store := newFakeStore()
	p := newTestPool(store, Config{TargetSize: 4})
	ctx := context.Background()

	if err := p.Warmup(ctx, 4); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap, ok := p.Acquire()
				if !ok {
					continue
				}
				if err := p.Release(ctx, snap.ID); err != nil {
					t.Errorf("release %s: %v", snap.ID, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.Size != 4 || stats.Available != 4 {
		t.Errorf("pool inconsistent after churn: %+v", stats)
	}
}
