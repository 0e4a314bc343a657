// Package provision orchestrates VM spawn and teardown: pool-first
// acquisition with cold-boot fallback, per-VM network and firewall
// attachment, and a bounded audit log for every VM. A VM is handed to the
// caller only after its isolation chain is enforcing; any partial failure
// tears down everything already created.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maxdollinger/ember.io/internal/audit"
	"github.com/maxdollinger/ember.io/internal/hypervisor"
	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/snapshot"
	"github.com/maxdollinger/ember.io/pkg/fs"
	"github.com/maxdollinger/ember.io/pkg/utils"
	"github.com/maxdollinger/ember.io/pkg/vmid"
)

type Provisioner struct {
	pool    SnapshotPool
	store   SnapshotLoader
	hv      hypervisor.Hypervisor
	fw      Isolator
	network NetworkAttacher
	audits  *audit.Registry
	base    hypervisor.BaseImages
	workDir string // per-VM overlay disks live here
	logger  *slog.Logger
}

func NewProvisioner(
	p SnapshotPool,
	store SnapshotLoader,
	hv hypervisor.Hypervisor,
	fw Isolator,
	nw NetworkAttacher,
	audits *audit.Registry,
	base hypervisor.BaseImages,
	workDir string,
	logger *slog.Logger,
) (*Provisioner, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		pool:    p,
		store:   store,
		hv:      hv,
		fw:      fw,
		network: nw,
		audits:  audits,
		base:    base,
		workDir: workDir,
		logger:  logger,
	}, nil
}

// Spawn provisions one isolated VM. The pool is tried first; exhaustion or
// an unusable snapshot falls back to a cold boot. Isolation failures are
// fatal to the attempt and fully rolled back.
func (p *Provisioner) Spawn(ctx context.Context, req SpawnRequest) (*VMHandle, error) {
	id, err := p.deriveID(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	handle, err := p.spawnVM(ctx, id)
	if err != nil {
		return nil, err
	}

	p.logger.Info("vm spawned",
		"id", handle.ID,
		"source", handle.Source,
		"took", time.Since(start))
	return handle, nil
}

func (p *Provisioner) deriveID(req SpawnRequest) (string, error) {
	if req.TaskID == "" {
		raw, err := utils.NewUUID7()
		if err != nil {
			return "", fmt.Errorf("%w: generate id: %v", ErrBoot, err)
		}
		return "vm-" + utils.ShortID(raw), nil
	}

	id, err := vmid.Sanitize(req.TaskID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSanitization, err)
	}
	return id, nil
}

func (p *Provisioner) spawnVM(ctx context.Context, id string) (handle *VMHandle, err error) {
	// Cleanup stack: every acquired resource registers its undo; on error
	// they run newest-first before the failure propagates.
	var cleanups []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	// Pool first. A snapshot that fails to load is replaced via refresh
	// and the spawn degrades to a cold boot.
	var (
		snapID  string
		source  = SourceColdBoot
		overlay string
	)
	img, snapshotID, ok := p.acquireImage(ctx)
	if ok {
		snapID = snapshotID
		source = SourcePool
		cleanups = append(cleanups, func() {
			if rerr := p.pool.Release(ctx, snapshotID); rerr != nil {
				p.logger.Warn("release snapshot after failed spawn", "snapshot_id", snapshotID, "error", rerr)
			}
		})

		overlay, err = p.makeOverlay(id, img.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBoot, err)
		}
		img.DiskPath = overlay
		cleanups = append(cleanups, func() { _ = os.RemoveAll(filepath.Dir(overlay)) })
	}

	nw, err := p.network.Attach(id)
	if err != nil {
		return nil, fmt.Errorf("%w: attach network: %v", ErrBoot, err)
	}
	cleanups = append(cleanups, func() {
		if derr := p.network.Detach(nw); derr != nil {
			p.logger.Warn("detach network after failed spawn", "vm_id", id, "error", derr)
		}
	})

	var proc *hypervisor.VMProcess
	if source == SourcePool {
		proc, err = p.hv.BootFromSnapshot(ctx, id, img, nw)
	} else {
		proc, err = p.hv.ColdBoot(ctx, id, p.base, nw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBoot, err)
	}
	cleanups = append(cleanups, func() {
		if terr := p.hv.Terminate(ctx, proc); terr != nil {
			p.logger.Warn("terminate vm after failed spawn", "vm_id", id, "error", terr)
		}
	})

	// The VM exists but is not reachable as ready until its chain
	// enforces. Failure here aborts the spawn, never degrades it.
	if err := p.fw.ConfigureIsolation(ctx, id, nw.IPAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIsolation, err)
	}
	cleanups = append(cleanups, func() {
		if terr := p.fw.TeardownIsolation(ctx, id, nw.IPAddress); terr != nil {
			p.logger.Warn("teardown isolation after failed spawn", "vm_id", id, "error", terr)
		}
	})

	auditLog, err := p.audits.Attach(id)
	if err != nil {
		return nil, fmt.Errorf("%w: attach audit log: %v", ErrBoot, err)
	}

	return &VMHandle{
		ID:         id,
		Source:     source,
		SnapshotID: snapID,
		Proc:       proc,
		Network:    nw,
		Audit:      auditLog,
		CreatedAt:  time.Now(),
	}, nil
}

// acquireImage tries the pool and loads the snapshot it hands out. A
// snapshot that fails verification is refreshed out of the pool and the
// caller cold boots instead.
func (p *Provisioner) acquireImage(ctx context.Context) (*snapshot.MemoryImage, string, bool) {
	snap, ok := p.pool.Acquire()
	if !ok {
		return nil, "", false
	}

	img, err := p.store.Load(ctx, snap.ID)
	if err != nil {
		p.logger.Warn("pooled snapshot unusable, refreshing", "snapshot_id", snap.ID, "error", err)
		if rerr := p.pool.Refresh(ctx, snap.ID); rerr != nil {
			p.logger.Warn("refresh unusable snapshot", "snapshot_id", snap.ID, "error", rerr)
		}
		return nil, "", false
	}

	return img, snap.ID, true
}

func (p *Provisioner) makeOverlay(id, baseDisk string) (string, error) {
	dir := filepath.Join(p.workDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}

	overlay := filepath.Join(dir, "overlay.ext4")
	if err := fs.CloneFile(baseDisk, overlay); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("clone snapshot disk: %w", err)
	}
	return overlay, nil
}

// Teardown dismantles a VM in enforcement-safe order: the firewall chain
// goes first so no window exists where the VM runs unfiltered, then the
// audit log is summarized and dropped, then process, network and the
// snapshot's pool slot are released. Individual failures are collected;
// teardown always runs to the end.
func (p *Provisioner) Teardown(ctx context.Context, handle *VMHandle) error {
	if handle == nil {
		return nil
	}

	var errs []error

	if handle.Network != nil {
		if err := p.fw.TeardownIsolation(ctx, handle.ID, handle.Network.IPAddress); err != nil {
			errs = append(errs, fmt.Errorf("teardown isolation: %w", err))
		}
	}

	if err := p.audits.Detach(ctx, handle.ID); err != nil {
		errs = append(errs, fmt.Errorf("detach audit log: %w", err))
	}

	if err := p.hv.Terminate(ctx, handle.Proc); err != nil {
		errs = append(errs, fmt.Errorf("terminate vm: %w", err))
	}

	if err := p.network.Detach(handle.Network); err != nil {
		errs = append(errs, fmt.Errorf("detach network: %w", err))
	}

	if handle.Source == SourcePool {
		_ = os.RemoveAll(filepath.Join(p.workDir, handle.ID))
		if err := p.pool.Release(ctx, handle.SnapshotID); err != nil {
			errs = append(errs, fmt.Errorf("release snapshot: %w", err))
		}
	}

	if len(errs) == 0 {
		p.logger.Info("vm torn down", "id", handle.ID)
	}
	return errors.Join(errs...)
}

// PoolStats exposes the pool's observability view.
func (p *Provisioner) PoolStats() pool.Stats {
	return p.pool.Stats()
}

// AuditLog returns the live denial entries for a VM, oldest first.
func (p *Provisioner) AuditLog(vmID string) []audit.Entry {
	id, err := vmid.Sanitize(vmID)
	if err != nil {
		return nil
	}
	return p.audits.Entries(id)
}
