package hypervisor

import (
	"context"
	"time"

	"github.com/maxdollinger/ember.io/internal/snapshot"
	"github.com/maxdollinger/ember.io/pkg/network"
)

// BaseImages are the artifacts a cold boot starts from.
type BaseImages struct {
	KernelPath string
	RootFSPath string
}

// Config holds per-boot machine settings.
// This is intentionally minimal to keep the design clean and extensible.
type Config struct {
	VCPU     int           // number of vCPUs (default: 1)
	MemoryMB int           // memory in MB (default: 512)
	BootWait time.Duration // how long to wait for the control socket
}

func (c *Config) applyDefaults() {
	if c.VCPU <= 0 {
		c.VCPU = 1
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.BootWait <= 0 {
		c.BootWait = 5 * time.Second
	}
}

// VMProcess is a handle to a running hypervisor process.
type VMProcess struct {
	ID         string
	PID        int
	SocketPath string
	MachineDir string
	DiskPath   string // the VM's writable disk (overlay or cold-boot clone)
	StartedAt  time.Time
}

// Hypervisor launches and terminates microVMs. Boot paths block until the
// VM's control socket is live; both return a handle the caller owns.
type Hypervisor interface {
	// ColdBoot starts a VM from base kernel and rootfs images. The rootfs
	// is cloned per VM so the base image stays pristine.
	ColdBoot(ctx context.Context, vmID string, base BaseImages, nw *network.VMNetwork) (*VMProcess, error)

	// BootFromSnapshot resumes a VM from a captured memory image. The
	// image's disk path must already be a per-VM overlay.
	BootFromSnapshot(ctx context.Context, vmID string, img *snapshot.MemoryImage, nw *network.VMNetwork) (*VMProcess, error)

	// Terminate kills the VM process and removes its runtime directory.
	Terminate(ctx context.Context, proc *VMProcess) error
}
