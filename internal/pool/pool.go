// Package pool keeps ready-to-use snapshots warm so the spawn hot path
// skips the cold-boot cost. Selection is round-robin rather than LRU: it
// spreads use evenly across entries, which bounds the worst-case age skew
// and keeps the staleness analysis simple. Staleness is checked lazily on
// release instead of by a background timer, trading a bounded amount of
// extra age (one VM run) for a single concurrency domain.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxdollinger/ember.io/internal/snapshot"
)

var (
	ErrCreateFailed  = errors.New("snapshot creation failed during warmup")
	ErrClosed        = errors.New("pool is shut down")
	ErrNotCheckedOut = errors.New("snapshot is not checked out of the pool")
)

// Store is the slice of the snapshot store the pool drives.
type Store interface {
	Create(ctx context.Context) (*snapshot.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	// TargetSize is the number of warm snapshots the pool aims to hold.
	TargetSize int

	// MaxAge is the staleness threshold. An entry older than this is
	// replaced when it is released. Default one hour.
	MaxAge time.Duration

	// WarmupParallelism bounds concurrent snapshot creation during
	// warmup. Default 2: capture is I/O and hypervisor heavy.
	WarmupParallelism int
}

func (c *Config) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.WarmupParallelism <= 0 {
		c.WarmupParallelism = 2
	}
}

// Stats is a read-only view of the pool for observability.
type Stats struct {
	Size      int
	Available int
	OldestAge time.Duration
	NewestAge time.Duration
}

type entryState int

const (
	stateAvailable entryState = iota
	stateCheckedOut
	stateRefreshing
)

// entry wraps a snapshot with its pool bookkeeping. Entries never leave
// the pool; only the snapshot they carry does.
type entry struct {
	snap       *snapshot.Snapshot
	state      entryState
	lastUsedAt time.Time
	useCount   uint64
}

// Pool is safe for concurrent use. The mutex guards registry bookkeeping
// only and is never held across store I/O.
type Pool struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cursor  int
	closed  bool
}

func New(store Store, cfg Config, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Adopt seeds the pool with snapshots that already exist on disk, e.g.
// restored from the registry at daemon startup. Entries beyond the target
// size are ignored and left to the caller.
func (p *Pool) Adopt(snaps []*snapshot.Snapshot) []*snapshot.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var leftover []*snapshot.Snapshot
	for _, s := range snaps {
		if len(p.entries) >= p.cfg.TargetSize {
			leftover = append(leftover, s)
			continue
		}
		p.entries = append(p.entries, &entry{snap: s, state: stateAvailable})
	}
	return leftover
}

// Warmup creates snapshots until the pool holds the target number of
// entries. Idempotent at capacity. A partial warmup leaves the created
// entries in place and reports the failure; the pool stays usable.
func (p *Pool) Warmup(ctx context.Context, target int) error {
	if target <= 0 {
		target = p.cfg.TargetSize
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	missing := target - len(p.entries)
	p.mu.Unlock()

	if missing <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.WarmupParallelism)

	for i := 0; i < missing; i++ {
		g.Go(func() error {
			snap, err := p.store.Create(gctx)
			if err != nil {
				return err
			}

			p.mu.Lock()
			if p.closed || len(p.entries) >= target {
				p.mu.Unlock()
				// Lost the race against shutdown or a concurrent warmup.
				return p.store.Delete(ctx, snap.ID)
			}
			p.entries = append(p.entries, &entry{snap: snap, state: stateAvailable})
			p.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.mu.Lock()
		got := len(p.entries)
		p.mu.Unlock()
		p.logger.Warn("partial pool warmup", "target", target, "warmed", got, "error", err)
		return fmt.Errorf("%w: warmed %d of %d: %v", ErrCreateFailed, got, target, err)
	}

	p.logger.Info("pool warmed", "size", target)
	return nil
}

// Acquire hands out one available snapshot round-robin and marks it
// checked out. Returns false when no entry is available; the caller falls
// back to a cold boot. Exactly one caller receives any given entry.
func (p *Pool) Acquire() (*snapshot.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.entries) == 0 {
		return nil, false
	}

	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[idx]
		if e.state != stateAvailable {
			continue
		}

		e.state = stateCheckedOut
		e.lastUsedAt = time.Now()
		e.useCount++
		p.cursor = (idx + 1) % n
		return e.snap, true
	}

	return nil, false
}

// Release returns a checked-out snapshot to the available set. If the
// snapshot has aged past the staleness threshold it is replaced instead:
// the slot goes invisible, the old snapshot is deleted and a fresh one is
// swapped in without ever exposing a half-state to Acquire.
func (p *Pool) Release(ctx context.Context, snapshotID string) error {
	p.mu.Lock()
	e := p.findLocked(snapshotID)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotCheckedOut, snapshotID)
	}
	if e.state != stateCheckedOut {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s (state %d)", ErrNotCheckedOut, snapshotID, e.state)
	}

	if p.closed {
		p.dropLocked(e)
		p.mu.Unlock()
		return p.store.Delete(ctx, snapshotID)
	}

	if e.snap.Age() <= p.cfg.MaxAge {
		e.state = stateAvailable
		p.mu.Unlock()
		return nil
	}

	e.state = stateRefreshing
	p.mu.Unlock()

	return p.refresh(ctx, e)
}

// Refresh replaces a checked-out snapshot regardless of age.
func (p *Pool) Refresh(ctx context.Context, snapshotID string) error {
	p.mu.Lock()
	e := p.findLocked(snapshotID)
	if e == nil || e.state != stateCheckedOut {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotCheckedOut, snapshotID)
	}
	e.state = stateRefreshing
	p.mu.Unlock()

	return p.refresh(ctx, e)
}

// refresh runs with e in stateRefreshing, which hides the slot from
// Acquire. Creation is retried once; if both attempts fail the slot is
// dropped from the pool so it cannot serve a deleted snapshot, and a later
// Warmup can replace it.
func (p *Pool) refresh(ctx context.Context, e *entry) error {
	oldID := e.snap.ID
	if err := p.store.Delete(ctx, oldID); err != nil {
		p.logger.Warn("delete stale snapshot", "id", oldID, "error", err)
	}

	fresh, err := p.store.Create(ctx)
	if err != nil {
		p.logger.Warn("snapshot refresh retry", "old_id", oldID, "error", err)
		fresh, err = p.store.Create(ctx)
	}

	p.mu.Lock()
	if err != nil {
		p.dropLocked(e)
		p.mu.Unlock()
		return fmt.Errorf("%w: refresh of %s: %v", ErrCreateFailed, oldID, err)
	}

	if p.closed {
		p.dropLocked(e)
		p.mu.Unlock()
		return p.store.Delete(ctx, fresh.ID)
	}

	e.snap = fresh
	e.state = stateAvailable
	p.mu.Unlock()

	p.logger.Info("snapshot refreshed", "old_id", oldID, "new_id", fresh.ID)
	return nil
}

// Stats must not mutate pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Size: len(p.entries)}
	for _, e := range p.entries {
		if e.state == stateAvailable {
			s.Available++
		}
		age := e.snap.Age()
		if age > s.OldestAge {
			s.OldestAge = age
		}
		if s.NewestAge == 0 || age < s.NewestAge {
			s.NewestAge = age
		}
	}
	return s
}

// Shutdown deletes every snapshot not currently checked out and closes the
// pool. Checked-out snapshots are deleted as they are released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var doomed []string
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.state == stateAvailable {
			doomed = append(doomed, e.snap.ID)
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	p.cursor = 0
	p.mu.Unlock()

	var errs []error
	for _, id := range doomed {
		if err := p.store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) findLocked(snapshotID string) *entry {
	for _, e := range p.entries {
		if e.snap != nil && e.snap.ID == snapshotID {
			return e
		}
	}
	return nil
}

func (p *Pool) dropLocked(doomed *entry) {
	for i, e := range p.entries {
		if e == doomed {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.cursor >= len(p.entries) {
				p.cursor = 0
			}
			return
		}
	}
}
