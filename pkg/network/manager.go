package network

import (
	"errors"
	"fmt"
	"net"
)

// Manager is the central coordinator for per-VM networking. It owns the IP
// pool and pairs TAP device creation with address allocation so the two are
// always released together.
//
// Create once at daemon startup and pass as a dependency to the provisioner.
type Manager struct {
	ipPool *IPPool
}

// NewManager creates a Manager with the default address pool. This does not
// touch network infrastructure - call EnsureInfrastructure() separately.
func NewManager() (*Manager, error) {
	ipPool, err := NewIPPool(IPPoolStart, IPPoolEnd)
	if err != nil {
		return nil, err
	}

	return &Manager{ipPool: ipPool}, nil
}

// EnsureInfrastructure brings up the bridge and NAT rules. Idempotent.
func (m *Manager) EnsureInfrastructure() error {
	if err := EnsureBridge(); err != nil {
		return err
	}
	return EnableNAT()
}

// Attach allocates an IP, creates a TAP on the bridge and returns the
// complete per-VM network config. On any failure everything already
// allocated is released.
func (m *Manager) Attach(vmID string) (*VMNetwork, error) {
	ip, err := m.ipPool.AllocateIP(vmID)
	if err != nil {
		return nil, fmt.Errorf("allocate IP for vm %s: %w", vmID, err)
	}

	tapName, err := CreateTAP(vmID)
	if err != nil {
		_ = m.ipPool.ReleaseIP(ip, vmID)
		return nil, fmt.Errorf("create TAP for vm %s: %w", vmID, err)
	}

	return &VMNetwork{
		VMID:       vmID,
		TAPDevice:  tapName,
		IPAddress:  ip.String(),
		MACAddress: GenerateMACAddress(vmID),
		Gateway:    DefaultGateway,
	}, nil
}

// Detach destroys the VM's TAP device and releases its IP. Safe to call on
// a partially attached network; missing pieces are skipped.
func (m *Manager) Detach(nw *VMNetwork) error {
	if nw == nil {
		return nil
	}

	var errs []error
	if nw.TAPDevice != "" {
		if err := DestroyTAP(nw.TAPDevice); err != nil {
			errs = append(errs, err)
		}
	}

	if nw.IPAddress != "" {
		ip := net.ParseIP(nw.IPAddress)
		if err := m.ipPool.ReleaseIP(ip, nw.VMID); err != nil && !errors.Is(err, ErrIPNotAllocated) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
