// Package hypervisor wraps the Firecracker binary: cold boots from base
// images, resumes from memory snapshots, and captures new snapshots via
// the control socket API. Everything above this package treats a VM as an
// opaque process handle.
package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/maxdollinger/ember.io/internal/snapshot"
	"github.com/maxdollinger/ember.io/pkg/fs"
	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/utils"
)

const (
	// vmstateFileName sits next to a snapshot's memory file. Firecracker
	// needs the microVM state separate from guest memory on restore.
	vmstateFileName = "vmstate.bin"

	socketPollEvery = 10 * time.Millisecond
)

type Firecracker struct {
	binaryPath  string // path to firecracker binary
	machinesDir string // runtime directory for sockets, configs and logs
	cfg         Config
	logger      *slog.Logger
}

// NewFirecracker creates a Firecracker hypervisor. The binary path comes
// from the EMBER_FIRECRACKER_BIN environment variable, defaulting to
// /usr/bin/firecracker.
func NewFirecracker(machinesDir string, cfg Config, logger *slog.Logger) (*Firecracker, error) {
	binaryPath := os.Getenv("EMBER_FIRECRACKER_BIN")
	if binaryPath == "" {
		binaryPath = "/usr/bin/firecracker"
	}

	if err := os.MkdirAll(machinesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create machines dir: %w", err)
	}

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Firecracker{
		binaryPath:  binaryPath,
		machinesDir: machinesDir,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

func (f *Firecracker) ColdBoot(ctx context.Context, vmID string, base BaseImages, nw *network.VMNetwork) (*VMProcess, error) {
	machineDir := filepath.Join(f.machinesDir, vmID)
	if err := os.MkdirAll(machineDir, 0o700); err != nil {
		return nil, fmt.Errorf("create machine dir: %w", err)
	}

	// Writable per-VM clone so the base rootfs stays pristine.
	diskPath := filepath.Join(machineDir, "disk.ext4")
	if err := fs.CloneFile(base.RootFSPath, diskPath); err != nil {
		_ = os.RemoveAll(machineDir)
		return nil, fmt.Errorf("clone base rootfs: %w", err)
	}

	fcConfig := f.buildBootConfig(base.KernelPath, diskPath, nw)
	configPath := filepath.Join(machineDir, "config.json")
	data, err := json.Marshal(fcConfig)
	if err != nil {
		_ = os.RemoveAll(machineDir)
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := fs.WriteFileAtomic(configPath, data, 0o644); err != nil {
		_ = os.RemoveAll(machineDir)
		return nil, fmt.Errorf("write config file: %w", err)
	}

	proc, err := f.startProcess(ctx, vmID, machineDir, "--config-file", configPath)
	if err != nil {
		_ = os.RemoveAll(machineDir)
		return nil, err
	}
	proc.DiskPath = diskPath

	f.logger.Info("vm cold booted", "id", vmID, "pid", proc.PID)
	return proc, nil
}

func (f *Firecracker) BootFromSnapshot(ctx context.Context, vmID string, img *snapshot.MemoryImage, nw *network.VMNetwork) (*VMProcess, error) {
	machineDir := filepath.Join(f.machinesDir, vmID)
	if err := os.MkdirAll(machineDir, 0o700); err != nil {
		return nil, fmt.Errorf("create machine dir: %w", err)
	}

	proc, err := f.startProcess(ctx, vmID, machineDir)
	if err != nil {
		_ = os.RemoveAll(machineDir)
		return nil, err
	}
	proc.DiskPath = img.DiskPath

	client := newAPIClient(proc.SocketPath)
	load := map[string]any{
		"snapshot_path": filepath.Join(filepath.Dir(img.MemPath), vmstateFileName),
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": img.MemPath,
		},
		"resume_vm": true,
	}
	if nw != nil {
		load["network_overrides"] = []map[string]any{
			{"iface_id": "eth0", "host_dev_name": nw.TAPDevice},
		}
	}

	if err := client.put(ctx, "/snapshot/load", load); err != nil {
		_ = f.Terminate(ctx, proc)
		return nil, fmt.Errorf("load snapshot %s: %w", img.SnapshotID, err)
	}

	f.logger.Info("vm resumed from snapshot", "id", vmID, "snapshot_id", img.SnapshotID, "pid", proc.PID)
	return proc, nil
}

func (f *Firecracker) Terminate(ctx context.Context, proc *VMProcess) error {
	if proc == nil {
		return nil
	}

	var errs []error
	if proc.PID > 0 {
		if p, err := os.FindProcess(proc.PID); err == nil {
			_ = p.Kill()
			_, _ = p.Wait()
		}
	}

	if proc.MachineDir != "" {
		if err := os.RemoveAll(proc.MachineDir); err != nil {
			errs = append(errs, fmt.Errorf("remove machine dir: %w", err))
		}
	}

	f.logger.Info("vm terminated", "id", proc.ID)
	return errors.Join(errs...)
}

// Capture implements snapshot.Capturer: it cold boots a throwaway VM from
// the base images, pauses it, and writes its memory and disk state to the
// given paths. The capture VM's disk clone becomes the snapshot disk.
type Capture struct {
	fc   *Firecracker
	base BaseImages
}

func NewCapture(fc *Firecracker, base BaseImages) *Capture {
	return &Capture{fc: fc, base: base}
}

func (c *Capture) Capture(ctx context.Context, diskPath, memPath string) error {
	id, err := utils.NewUUID7()
	if err != nil {
		return fmt.Errorf("generate capture id: %w", err)
	}
	captureID := "capture-" + utils.ShortID(id)

	// Snapshot VMs run without a network device: the restored VM gets its
	// interface wired at resume time via network overrides.
	proc, err := c.fc.ColdBoot(ctx, captureID, c.base, nil)
	if err != nil {
		return fmt.Errorf("boot capture vm: %w", err)
	}
	defer func() { _ = c.fc.Terminate(ctx, proc) }()

	client := newAPIClient(proc.SocketPath)

	if err := client.patch(ctx, "/vm", map[string]any{"state": "Paused"}); err != nil {
		return fmt.Errorf("pause capture vm: %w", err)
	}

	create := map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": filepath.Join(filepath.Dir(memPath), vmstateFileName),
		"mem_file_path": memPath,
	}
	if err := client.put(ctx, "/snapshot/create", create); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	// The paused VM's disk is consistent; move the clone into the store.
	if err := os.Rename(proc.DiskPath, diskPath); err != nil {
		return fmt.Errorf("move capture disk: %w", err)
	}
	proc.DiskPath = ""

	return nil
}

func (f *Firecracker) startProcess(ctx context.Context, vmID, machineDir string, extraArgs ...string) (*VMProcess, error) {
	socketPath := filepath.Join(machineDir, "api.sock")
	_ = os.Remove(socketPath)

	logPath := filepath.Join(machineDir, "firecracker.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	args := append([]string{"--api-sock", socketPath}, extraArgs...)
	cmd := exec.Command(f.binaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start firecracker process: %w", err)
	}

	// Reap the process when it exits so kills don't leave zombies.
	go func() { _ = cmd.Wait() }()

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.BootWait)
	defer cancel()
	if err := utils.PollUntilExists(waitCtx, socketPath, socketPollEvery); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("wait for control socket: %w", err)
	}

	return &VMProcess{
		ID:         vmID,
		PID:        cmd.Process.Pid,
		SocketPath: socketPath,
		MachineDir: machineDir,
		StartedAt:  time.Now(),
	}, nil
}

func (f *Firecracker) buildBootConfig(kernelPath, diskPath string, nw *network.VMNetwork) map[string]any {
	bootArgs := "console=ttyS0 reboot=k panic=1"
	if nw != nil {
		bootArgs += fmt.Sprintf(" ip=%s::%s:255.255.255.0::eth0:off", nw.IPAddress, nw.Gateway)
	}

	cfg := map[string]any{
		"boot-source": map[string]any{
			"kernel_image_path": kernelPath,
			"boot_args":         bootArgs,
		},
		"machine-config": map[string]any{
			"vcpu_count":   f.cfg.VCPU,
			"mem_size_mib": f.cfg.MemoryMB,
			"smt":          false,
		},
		"drives": []map[string]any{
			{
				"drive_id":       "rootfs",
				"path_on_host":   diskPath,
				"is_root_device": true,
				"is_read_only":   false,
			},
		},
	}

	if nw != nil {
		cfg["network-interfaces"] = []map[string]any{
			{
				"iface_id":      "eth0",
				"guest_mac":     nw.MACAddress,
				"host_dev_name": nw.TAPDevice,
			},
		}
	}

	return cfg
}

var _ Hypervisor = (*Firecracker)(nil)
var _ snapshot.Capturer = (*Capture)(nil)
