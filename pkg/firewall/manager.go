// Package firewall manages per-VM network isolation chains. A VM's chain
// holds its containment rules (default-deny outbound, explicit allows), but
// rules in a custom chain have zero effect until a jump rule in a built-in
// chain points at it. ConfigureIsolation therefore only succeeds once every
// jump rule is installed; anything less is rolled back and reported as a
// failure so a VM can never run behind a chain that exists but is not
// consulted.
package firewall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/maxdollinger/ember.io/pkg/lock"
	"github.com/maxdollinger/ember.io/pkg/vmid"
)

const (
	filterTable = "filter"

	// ChainPrefix marks every VM chain in the filter table.
	ChainPrefix = "EMBER-"

	// maxChainName is the iptables chain name limit.
	maxChainName = 28
)

// Config controls which built-in chains the VM chain is linked into and
// which destinations a VM may reach.
type Config struct {
	// HookChains are the built-in chains that receive a jump rule to the
	// VM chain. Defaults to FORWARD and INPUT.
	HookChains []string

	// AllowedCIDRs are destinations a VM may always reach, typically the
	// host control-plane address. Everything else is dropped.
	AllowedCIDRs []string
}

func (c *Config) applyDefaults() {
	if len(c.HookChains) == 0 {
		c.HookChains = []string{"FORWARD", "INPUT"}
	}
}

// Manager owns the per-VM chain lifecycle. Chain mutation is serialized per
// VM id; distinct ids proceed in parallel.
type Manager struct {
	pf     PacketFilter
	cfg    Config
	locks  lock.Locker
	logger *slog.Logger
}

func NewManager(pf PacketFilter, cfg Config, logger *slog.Logger) (*Manager, error) {
	if pf == nil {
		return nil, fmt.Errorf("packet filter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Manager{
		pf:     pf,
		cfg:    cfg,
		locks:  lock.NewKeyedLocker(),
		logger: logger,
	}, nil
}

// ChainName derives the filter chain name for a sanitized VM id. Ids too
// long for the iptables limit keep a readable head plus a hash tail so
// distinct ids never map to the same chain name.
func ChainName(id string) string {
	name := ChainPrefix + strings.ToUpper(id)
	if len(name) <= maxChainName {
		return name
	}

	sum := sha256.Sum256([]byte(id))
	tail := strings.ToUpper(hex.EncodeToString(sum[:3]))
	head := name[:maxChainName-len(tail)-1]
	return head + "-" + tail
}

// sourceMatch builds the rulespec fragment identifying the VM in a built-in
// chain. The TAP devices are enslaved to the bridge, so by the time traffic
// reaches FORWARD or INPUT the in-device is the bridge, not the TAP; the
// guest's source address is the only per-VM selector the kernel still sees
// at that point.
func sourceMatch(vmIP string) []string {
	return []string{"-s", vmIP + "/32"}
}

func validateVMIP(vmIP string) error {
	ip := net.ParseIP(vmIP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid vm address %q", vmIP)
	}
	return nil
}

// ConfigureIsolation creates the VM's chain, populates its containment
// rules and links it into every configured hook chain, matching on the
// guest's source address. Either the chain ends up enforcing or the call
// fails and no trace of it remains in the rule table.
func (m *Manager) ConfigureIsolation(ctx context.Context, rawID, vmIP string) error {
	id, err := vmid.Sanitize(rawID)
	if err != nil {
		return fmt.Errorf("sanitize vm id: %w", err)
	}
	if err := validateVMIP(vmIP); err != nil {
		return fmt.Errorf("%w: %v", ErrChainLink, err)
	}

	l, err := m.locks.AcquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	chain := ChainName(id)
	match := sourceMatch(vmIP)

	if err := m.pf.NewChain(filterTable, chain); err != nil {
		return fmt.Errorf("%w: create chain %s: %v", ErrChainSetup, chain, err)
	}

	if err := m.populateRules(chain); err != nil {
		m.rollback(chain, match)
		return fmt.Errorf("%w: populate chain %s: %v", ErrChainSetup, chain, err)
	}

	for _, hook := range m.cfg.HookChains {
		if err := m.pf.Insert(filterTable, hook, 1, append(match, "-j", chain)...); err != nil {
			m.rollback(chain, match)
			return fmt.Errorf("%w: jump rule %s -> %s: %v", ErrChainLink, hook, chain, err)
		}
	}

	m.logger.Info("isolation chain enforcing", "vm_id", id, "chain", chain, "source", vmIP, "hooks", m.cfg.HookChains)
	return nil
}

func (m *Manager) populateRules(chain string) error {
	// Replies to connections the VM was allowed to open.
	err := m.pf.AppendUnique(filterTable, chain,
		"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT")
	if err != nil {
		return err
	}

	for _, cidr := range m.cfg.AllowedCIDRs {
		if err := m.pf.AppendUnique(filterTable, chain, "-d", cidr, "-j", "ACCEPT"); err != nil {
			return err
		}
	}

	return m.pf.AppendUnique(filterTable, chain, "-j", "DROP")
}

// rollback removes whatever ConfigureIsolation managed to install. Errors
// are logged, not returned: rollback runs on an already-failing path.
func (m *Manager) rollback(chain string, match []string) {
	for _, hook := range m.cfg.HookChains {
		jump := append(match, "-j", chain)
		if exists, err := m.pf.Exists(filterTable, hook, jump...); err == nil && exists {
			if err := m.pf.Delete(filterTable, hook, jump...); err != nil {
				m.logger.Warn("rollback: remove jump rule", "hook", hook, "chain", chain, "error", err)
			}
		}
	}

	if exists, err := m.pf.ChainExists(filterTable, chain); err == nil && exists {
		if err := m.pf.ClearChain(filterTable, chain); err != nil {
			m.logger.Warn("rollback: flush chain", "chain", chain, "error", err)
		}
		if err := m.pf.DeleteChain(filterTable, chain); err != nil {
			m.logger.Warn("rollback: delete chain", "chain", chain, "error", err)
		}
	}
}

// TeardownIsolation unlinks and removes the VM's chain. Jump rules go
// first so there is no window where a built-in chain references a chain
// that is already gone. Safe to call on a chain in any state, including
// after a partial configure or a repeated teardown.
func (m *Manager) TeardownIsolation(ctx context.Context, rawID, vmIP string) error {
	id, err := vmid.Sanitize(rawID)
	if err != nil {
		return fmt.Errorf("sanitize vm id: %w", err)
	}
	if err := validateVMIP(vmIP); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardown, err)
	}

	l, err := m.locks.AcquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	chain := ChainName(id)
	match := sourceMatch(vmIP)

	for _, hook := range m.cfg.HookChains {
		jump := append(match, "-j", chain)
		exists, err := m.pf.Exists(filterTable, hook, jump...)
		if err != nil {
			return fmt.Errorf("%w: check jump rule in %s: %v", ErrTeardown, hook, err)
		}
		if !exists {
			continue
		}
		if err := m.pf.Delete(filterTable, hook, jump...); err != nil {
			return fmt.Errorf("%w: remove jump rule in %s: %v", ErrTeardown, hook, err)
		}
	}

	exists, err := m.pf.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("%w: check chain %s: %v", ErrTeardown, chain, err)
	}
	if !exists {
		return nil
	}

	if err := m.pf.ClearChain(filterTable, chain); err != nil {
		return fmt.Errorf("%w: flush chain %s: %v", ErrTeardown, chain, err)
	}
	if err := m.pf.DeleteChain(filterTable, chain); err != nil {
		return fmt.Errorf("%w: delete chain %s: %v", ErrTeardown, chain, err)
	}

	m.logger.Info("isolation chain removed", "vm_id", id, "chain", chain)
	return nil
}

// IsEnforcing re-reads the live rule table and reports whether the VM's
// chain exists and every hook chain still jumps to it for the VM's source
// address. Used by health checks and tests to detect fail-open directly
// instead of trusting the configure path's bookkeeping.
func (m *Manager) IsEnforcing(ctx context.Context, rawID, vmIP string) (bool, error) {
	id, err := vmid.Sanitize(rawID)
	if err != nil {
		return false, fmt.Errorf("sanitize vm id: %w", err)
	}
	if err := validateVMIP(vmIP); err != nil {
		return false, err
	}

	chain := ChainName(id)
	match := sourceMatch(vmIP)

	exists, err := m.pf.ChainExists(filterTable, chain)
	if err != nil {
		return false, fmt.Errorf("check chain %s: %w", chain, err)
	}
	if !exists {
		return false, nil
	}

	for _, hook := range m.cfg.HookChains {
		linked, err := m.pf.Exists(filterTable, hook, append(match, "-j", chain)...)
		if err != nil {
			return false, fmt.Errorf("check jump rule in %s: %w", hook, err)
		}
		if !linked {
			return false, nil
		}
	}

	return true, nil
}
