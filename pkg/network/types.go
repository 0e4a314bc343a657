package network

// Network configuration constants
const (
	// Bridge configuration
	BridgeName = "ember-br0"
	BridgeIP   = "172.20.0.1"
	BridgeCIDR = "172.20.0.0/24"

	// IP pool configuration
	IPPoolStart = "172.20.0.2"
	IPPoolEnd   = "172.20.0.254"

	// MAC address configuration
	MACPrefix = "AA:FC:00" // Locally administered, Firecracker hint

	// Default network settings for VMs
	DefaultGateway = BridgeIP

	// TAP device naming, kept within the 15 char interface name limit
	TAPPrefix = "ember-"
)

// VMNetwork is the per-VM network allocation handed to the provisioner.
// All fields are derived from the sanitized VM id and released together
// on teardown.
type VMNetwork struct {
	VMID       string
	TAPDevice  string
	IPAddress  string
	MACAddress string
	Gateway    string
}
