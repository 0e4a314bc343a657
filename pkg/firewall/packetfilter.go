package firewall

import "github.com/coreos/go-iptables/iptables"

// PacketFilter is the subset of the host packet-filter surface the manager
// needs: named chain lifecycle, rule append/flush, and jump-rule handling.
// *iptables.IPTables satisfies it directly; tests substitute an in-memory
// fake so jump-rule failures can be injected.
type PacketFilter interface {
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	ChainExists(table, chain string) (bool, error)
}

// NewIPTables returns the production packet filter backed by the system
// iptables binary.
func NewIPTables() (PacketFilter, error) {
	return iptables.New()
}

var _ PacketFilter = (*iptables.IPTables)(nil)
