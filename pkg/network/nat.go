package network

import (
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
)

// EnableNAT sets up IP forwarding and MASQUERADE so VMs can reach allowed
// external destinations via the host. Called once at daemon startup;
// per-VM containment on top of this is the firewall manager's job.
func EnableNAT() error {
	if err := enableIPForwarding(); err != nil {
		return fmt.Errorf("failed to enable IP forwarding: %w", err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	// iptables -t nat -A POSTROUTING -s 172.20.0.0/24 -j MASQUERADE
	err = ipt.AppendUnique("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("%w: failed to add MASQUERADE rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// DisableNAT removes NAT rules (cleanup).
func DisableNAT() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	_ = ipt.Delete("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE")

	// Note: We don't disable IP forwarding as other services might be using it

	return nil
}

// enableIPForwarding enables IPv4 forwarding in the kernel.
func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	// Already enabled
	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	err = os.WriteFile(ipForwardPath, []byte("1"), 0644)
	if err != nil {
		return fmt.Errorf("%w: failed to write ip_forward: %v", ErrForwardingDisabled, err)
	}

	return nil
}
