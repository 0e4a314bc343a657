package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxdollinger/ember.io/internal/audit"
	"github.com/maxdollinger/ember.io/internal/baseimg"
	"github.com/maxdollinger/ember.io/internal/config"
	"github.com/maxdollinger/ember.io/internal/db"
	"github.com/maxdollinger/ember.io/internal/hypervisor"
	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/provision"
	"github.com/maxdollinger/ember.io/internal/server"
	"github.com/maxdollinger/ember.io/internal/snapshot"
	"github.com/maxdollinger/ember.io/pkg/firewall"
	"github.com/maxdollinger/ember.io/pkg/network"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the daemon config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emberDB, err := db.NewDB(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer emberDB.Close()

	if err := db.InitSchema(ctx, emberDB); err != nil {
		return err
	}

	base, err := resolveBaseImages(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fc, err := hypervisor.NewFirecracker(cfg.MachinesDir(), hypervisor.Config{
		VCPU:     cfg.VM.VCPU,
		MemoryMB: cfg.VM.MemoryMB,
		BootWait: cfg.VM.BootWait.Std(),
	}, logger)
	if err != nil {
		return err
	}

	store, err := snapshot.NewStore(cfg.SnapshotsDir(), db.NewSnapshotRepo(emberDB), hypervisor.NewCapture(fc, base), logger)
	if err != nil {
		return err
	}

	// Snapshots from a previous run are adopted before warmup so a restart
	// does not rebuild a pool that is already on disk.
	snaps, err := store.Restore(ctx)
	if err != nil {
		return err
	}

	vmPool := pool.New(store, pool.Config{
		TargetSize:        cfg.Pool.TargetSize,
		MaxAge:            cfg.Pool.MaxAge.Std(),
		WarmupParallelism: cfg.Pool.WarmupParallelism,
	}, logger)

	for _, snap := range vmPool.Adopt(snaps) {
		logger.Warn("dropping surplus snapshot", "id", snap.ID)
		if err := store.Delete(ctx, snap.ID); err != nil {
			logger.Warn("delete surplus snapshot", "id", snap.ID, "error", err)
		}
	}

	netMgr, err := network.NewManager()
	if err != nil {
		return err
	}
	if err := netMgr.EnsureInfrastructure(); err != nil {
		return err
	}

	pf, err := firewall.NewIPTables()
	if err != nil {
		return err
	}
	fw, err := firewall.NewManager(pf, firewall.Config{
		HookChains:   cfg.Firewall.HookChains,
		AllowedCIDRs: cfg.Firewall.AllowedCIDRs,
	}, logger)
	if err != nil {
		return err
	}

	audits := audit.NewRegistry(cfg.Audit.Capacity, db.NewAuditRepo(emberDB), logger)

	prov, err := provision.NewProvisioner(vmPool, store, fc, fw, netMgr, audits, base, cfg.OverlaysDir(), logger)
	if err != nil {
		return err
	}

	if err := vmPool.Warmup(ctx, cfg.Pool.TargetSize); err != nil {
		// A short pool degrades spawns to cold boots, it does not block
		// the daemon.
		logger.Warn("pool warmup incomplete", "error", err)
	}

	ctl := server.New(prov, cfg.SocketPath, logger)
	if err := ctl.Start(); err != nil {
		return err
	}

	stats := vmPool.Stats()
	logger.Info("emberd ready", "socket", cfg.SocketPath, "pool_size", stats.Size, "pool_available", stats.Available)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ctl.Stop(shutdownCtx); err != nil {
		logger.Warn("control server shutdown", "error", err)
	}
	if err := vmPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool shutdown", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveBaseImages prefers explicit local paths and falls back to pulling
// the configured OCI bundle.
func resolveBaseImages(ctx context.Context, cfg *config.Config, logger *slog.Logger) (hypervisor.BaseImages, error) {
	if cfg.VM.KernelPath != "" && cfg.VM.RootFSPath != "" {
		return hypervisor.BaseImages{
			KernelPath: cfg.VM.KernelPath,
			RootFSPath: cfg.VM.RootFSPath,
		}, nil
	}

	puller, err := baseimg.NewPuller(cfg.BaseImageCache(), logger)
	if err != nil {
		return hypervisor.BaseImages{}, err
	}
	bundle, err := puller.Pull(ctx, cfg.VM.BaseImageRef)
	if err != nil {
		return hypervisor.BaseImages{}, err
	}
	return bundle.Images(), nil
}
