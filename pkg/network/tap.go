package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vishvananda/netlink"
)

// GenerateTAPName derives a TAP device name from a sanitized VM id.
// The id is hashed so arbitrary-length ids always produce a name within
// the 15 char Linux interface name limit: ember- (6) + 8 hex chars = 14.
func GenerateTAPName(vmID string) string {
	sum := sha256.Sum256([]byte(vmID))
	return TAPPrefix + hex.EncodeToString(sum[:4])
}

// CreateTAP creates a TAP device and attaches it to the bridge.
// Returns the TAP device name.
func CreateTAP(vmID string) (string, error) {
	tapName := GenerateTAPName(vmID)

	if TAPExists(tapName) {
		return "", fmt.Errorf("%w: %s", ErrTAPNameExists, tapName)
	}

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTAPCreateFailed, err)
	}

	bridge, err := netlink.LinkByName(BridgeName)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to attach TAP to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to bring TAP up: %w", err)
	}

	return tapName, nil
}

// DestroyTAP removes a TAP device.
func DestroyTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// TAP doesn't exist, nothing to do
		return nil
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete TAP device %s: %w", name, err)
	}

	return nil
}

// TAPExists checks if a TAP device with the given name exists.
func TAPExists(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}

	_, ok := link.(*netlink.Tuntap)
	return ok
}
