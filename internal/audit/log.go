// Package audit records syscalls denied by a VM's seccomp filter. A
// misbehaving guest can generate denial events at arbitrary rate, so the
// log is a fixed-capacity ring: the backing array is allocated once and
// the oldest entry is overwritten on overflow. Logging never fails and
// never grows the heap once the ring is full.
package audit

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds a VM's audit log unless configured otherwise.
const DefaultCapacity = 1024

// Entry is a single denied syscall observed for a VM.
type Entry struct {
	VMID      string    `json:"vm_id"`
	SyscallNr int       `json:"syscall_nr"`
	Timestamp time.Time `json:"timestamp"`
	Arch      string    `json:"arch"`
}

// Stats is a point-in-time view of a log's counters.
type Stats struct {
	Size    int
	Total   uint64
	Dropped uint64
}

// Log is a per-VM bounded denial log. Writes come from the VM's single
// denial-reporting path; reads may happen concurrently from observability
// callers.
type Log struct {
	vmID     string
	capacity int

	mu      sync.RWMutex
	entries []Entry
	head    int    // index of the oldest entry
	size    int    // number of valid entries
	total   uint64 // entries ever logged
	dropped uint64 // entries evicted by the ring
}

// NewLog creates a bounded log for a VM. Capacity must be positive.
func NewLog(vmID string, capacity int) (*Log, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audit log capacity must be positive, got %d", capacity)
	}

	return &Log{
		vmID:     vmID,
		capacity: capacity,
		entries:  make([]Entry, capacity),
	}, nil
}

func (l *Log) VMID() string { return l.vmID }

// LogBlockedSyscall appends an entry, evicting the oldest one when the
// ring is full. It cannot fail.
func (l *Log) LogBlockedSyscall(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.VMID == "" {
		e.VMID = l.vmID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	tail := (l.head + l.size) % l.capacity
	l.entries[tail] = e
	if l.size < l.capacity {
		l.size++
	} else {
		// Ring full: tail just overwrote the oldest entry.
		l.head = (l.head + 1) % l.capacity
		l.dropped++
	}
	l.total++
}

// Entries returns a copy of the log in insertion order, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.head+i)%l.capacity]
	}
	return out
}

// Stats reports the log's counters without copying entries.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Size:    l.size,
		Total:   l.total,
		Dropped: l.dropped,
	}
}

// Clear empties the log. Used on VM teardown before the log is discarded.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head = 0
	l.size = 0
}
