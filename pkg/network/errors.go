package network

import "errors"

var (
	// IP Pool errors
	ErrIPPoolExhausted = errors.New("no available IP addresses in pool")
	ErrIPNotAllocated  = errors.New("IP address is not currently allocated")

	// Bridge errors
	ErrBridgeNotFound     = errors.New("bridge device not found")
	ErrBridgeCreateFailed = errors.New("failed to create bridge device")

	// TAP device errors
	ErrTAPCreateFailed = errors.New("failed to create TAP device")
	ErrTAPNameExists   = errors.New("TAP device name already exists")

	// NAT/iptables errors
	ErrNATSetupFailed     = errors.New("failed to setup NAT rules")
	ErrForwardingDisabled = errors.New("IP forwarding is disabled")
)
