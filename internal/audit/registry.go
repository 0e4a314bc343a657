package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Summary is what survives a VM's audit log after teardown: counters and
// the time window, not the individual entries.
type Summary struct {
	VMID    string
	Total   uint64
	Dropped uint64
	FirstAt time.Time
	LastAt  time.Time
}

// SummarySink persists a summary when a log is detached. internal/db
// provides the production implementation.
type SummarySink interface {
	SaveAuditSummary(ctx context.Context, s Summary) error
}

// Registry tracks the live audit log of every running VM. One log per VM;
// attaching twice for the same id is a programming error and is rejected.
type Registry struct {
	capacity int
	sink     SummarySink
	logger   *slog.Logger

	mu   sync.RWMutex
	logs map[string]*Log
}

func NewRegistry(capacity int, sink SummarySink, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		capacity: capacity,
		sink:     sink,
		logger:   logger,
		logs:     make(map[string]*Log),
	}
}

// Attach creates and registers a fresh bounded log for a VM.
func (r *Registry) Attach(vmID string) (*Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.logs[vmID]; ok {
		return nil, fmt.Errorf("audit log already attached for vm %s", vmID)
	}

	l, err := NewLog(vmID, r.capacity)
	if err != nil {
		return nil, err
	}
	r.logs[vmID] = l
	return l, nil
}

// Get returns the live log for a VM, if any.
func (r *Registry) Get(vmID string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.logs[vmID]
	return l, ok
}

// Entries returns the current entries for a VM, oldest first. A VM without
// a log yields nil.
func (r *Registry) Entries(vmID string) []Entry {
	l, ok := r.Get(vmID)
	if !ok {
		return nil
	}
	return l.Entries()
}

// Detach removes a VM's log, persists its summary if a sink is configured,
// and clears the entries. Detaching an unknown id is a no-op.
func (r *Registry) Detach(ctx context.Context, vmID string) error {
	r.mu.Lock()
	l, ok := r.logs[vmID]
	delete(r.logs, vmID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if r.sink != nil {
		if err := r.sink.SaveAuditSummary(ctx, summarize(l)); err != nil {
			// The VM is going away either way; losing the summary is
			// logged but does not block teardown.
			r.logger.Warn("persist audit summary", "vm_id", vmID, "error", err)
		}
	}

	l.Clear()
	return nil
}

func summarize(l *Log) Summary {
	stats := l.Stats()
	s := Summary{
		VMID:    l.VMID(),
		Total:   stats.Total,
		Dropped: stats.Dropped,
	}

	entries := l.Entries()
	if len(entries) > 0 {
		s.FirstAt = entries[0].Timestamp
		s.LastAt = entries[len(entries)-1].Timestamp
	}
	return s
}
