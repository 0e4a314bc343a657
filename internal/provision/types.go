package provision

import (
	"context"
	"errors"
	"time"

	"github.com/maxdollinger/ember.io/internal/audit"
	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/snapshot"
	"github.com/maxdollinger/ember.io/pkg/network"

	"github.com/maxdollinger/ember.io/internal/hypervisor"
)

var (
	// ErrSanitization means the requested id was rejected before any side
	// effect. Not retryable with the same input.
	ErrSanitization = errors.New("vm id failed sanitization")

	// ErrIsolation means the VM could not be placed behind an enforcing
	// firewall chain. The spawn is rolled back; never downgraded.
	ErrIsolation = errors.New("vm isolation configuration failed")

	// ErrBoot covers hypervisor and resource failures. Retryable.
	ErrBoot = errors.New("vm boot failed")
)

// Source records which path produced a VM.
type Source string

const (
	SourcePool     Source = "pool"
	SourceColdBoot Source = "coldboot"
)

// SpawnRequest asks for one isolated VM. TaskID is caller-influenced and
// untrusted; it is sanitized before first use. An empty TaskID gets a
// generated id.
type SpawnRequest struct {
	TaskID string
}

// VMHandle is what a caller holds while its VM runs. Pass it back to
// Teardown exactly once.
type VMHandle struct {
	ID         string
	Source     Source
	SnapshotID string
	Proc       *hypervisor.VMProcess
	Network    *network.VMNetwork
	Audit      *audit.Log
	CreatedAt  time.Time
}

// SnapshotPool is the slice of the pool the provisioner uses.
type SnapshotPool interface {
	Acquire() (*snapshot.Snapshot, bool)
	Release(ctx context.Context, snapshotID string) error
	Refresh(ctx context.Context, snapshotID string) error
	Stats() pool.Stats
}

// SnapshotLoader verifies and loads a snapshot for restore.
type SnapshotLoader interface {
	Load(ctx context.Context, id string) (*snapshot.MemoryImage, error)
}

// Isolator is the firewall manager surface the provisioner drives. The
// VM's address comes from the network attachment; the jump rules in the
// built-in chains select the VM by it.
type Isolator interface {
	ConfigureIsolation(ctx context.Context, vmID, vmIP string) error
	TeardownIsolation(ctx context.Context, vmID, vmIP string) error
}

// NetworkAttacher allocates and releases per-VM network resources.
type NetworkAttacher interface {
	Attach(vmID string) (*network.VMNetwork, error)
	Detach(nw *network.VMNetwork) error
}
