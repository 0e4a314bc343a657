package network

import (
	"fmt"
	"net"
	"sync"
)

// IPPool manages allocation of IP addresses from a defined pool.
// Thread-safe for concurrent VM creation.
type IPPool struct {
	mu   sync.RWMutex
	pool map[string]string // IP -> VMID mapping
}

// NewIPPool populates the pool with every address from start to end
// inclusive. Both bounds must be IPv4.
func NewIPPool(ipPoolStart, ipPoolEnd string) (*IPPool, error) {
	startIP := net.ParseIP(ipPoolStart).To4()
	endIP := net.ParseIP(ipPoolEnd).To4()

	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("invalid IPv4 pool range: start=%s, end=%s", ipPoolStart, ipPoolEnd)
	}

	start := ipToUint32(startIP)
	end := ipToUint32(endIP)

	if start > end {
		return nil, fmt.Errorf("IP pool start (%s) is greater than end (%s)", ipPoolStart, ipPoolEnd)
	}

	pool := make(map[string]string, end-start+1)
	for i := start; i <= end; i++ {
		pool[uint32ToIP(i).String()] = ""
	}

	return &IPPool{pool: pool}, nil
}

// AllocateIP assigns a free IP address to a VM.
// Returns the allocated IP or an error if the pool is exhausted.
func (p *IPPool) AllocateIP(vmID string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ip, allocatedVM := range p.pool {
		if allocatedVM == "" {
			p.pool[ip] = vmID
			return net.ParseIP(ip), nil
		}
	}

	return nil, ErrIPPoolExhausted
}

// ReleaseIP returns an IP address back to the available pool.
// Returns an error if the IP is not currently allocated to the specified VM.
func (p *IPPool) ReleaseIP(ip net.IP, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocatedVM, exists := p.pool[ip.String()]
	if !exists {
		return ErrIPNotAllocated
	}

	if allocatedVM != vmID {
		return fmt.Errorf("IP %s is allocated to VM %s, not %s", ip, allocatedVM, vmID)
	}

	p.pool[ip.String()] = ""

	return nil
}

// IsAllocated checks if an IP address is currently allocated.
func (p *IPPool) IsAllocated(ip net.IP) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	allocatedVM, exists := p.pool[ip.String()]
	return exists && allocatedVM != ""
}

// Helper functions for IP address arithmetic
func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
