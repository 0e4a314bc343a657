package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLogRejectsNonPositiveCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		if _, err := NewLog("vm-1", c); err == nil {
			t.Errorf("NewLog with capacity %d should fail", c)
		}
	}
}

func TestLogBelowCapacityKeepsEverything(t *testing.T) {
	l, err := NewLog("vm-1", 8)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.LogBlockedSyscall(Entry{SyscallNr: i})
	}

	entries := l.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.SyscallNr != i {
			t.Errorf("entry %d: expected syscall %d, got %d", i, i, e.SyscallNr)
		}
		if e.VMID != "vm-1" {
			t.Errorf("entry %d missing vm id", i)
		}
	}
}

func TestLogEvictsOldestAtCapacity(t *testing.T) {
	const capacity = 4
	l, err := NewLog("vm-1", capacity)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	// Log well past capacity and verify the invariant on every step.
	for i := 0; i < 50; i++ {
		l.LogBlockedSyscall(Entry{SyscallNr: i})
		if got := len(l.Entries()); got > capacity {
			t.Fatalf("after %d inserts: %d entries exceeds capacity %d", i+1, got, capacity)
		}
	}

	entries := l.Entries()
	if len(entries) != capacity {
		t.Fatalf("expected %d entries, got %d", capacity, len(entries))
	}

	// The survivors are the most recent inserts, oldest first.
	for i, e := range entries {
		want := 50 - capacity + i
		if e.SyscallNr != want {
			t.Errorf("entry %d: expected syscall %d, got %d", i, want, e.SyscallNr)
		}
	}

	stats := l.Stats()
	if stats.Total != 50 {
		t.Errorf("expected total 50, got %d", stats.Total)
	}
	if stats.Dropped != 50-capacity {
		t.Errorf("expected %d dropped, got %d", 50-capacity, stats.Dropped)
	}
}

func TestLogClear(t *testing.T) {
	l, err := NewLog("vm-1", 4)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	for i := 0; i < 10; i++ {
		l.LogBlockedSyscall(Entry{SyscallNr: i})
	}
	l.Clear()

	if got := len(l.Entries()); got != 0 {
		t.Errorf("expected empty log after clear, got %d entries", got)
	}

	// Logging after clear starts fresh.
	l.LogBlockedSyscall(Entry{SyscallNr: 99})
	entries := l.Entries()
	if len(entries) != 1 || entries[0].SyscallNr != 99 {
		t.Errorf("unexpected entries after clear: %+v", entries)
	}
}

func TestLogConcurrentReadersAndWriter(t *testing.T) {
	l, err := NewLog("vm-1", 64)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			l.LogBlockedSyscall(Entry{SyscallNr: i})
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if got := len(l.Entries()); got > 64 {
					t.Errorf("reader saw %d entries, capacity is 64", got)
					return
				}
				_ = l.Stats()
			}
		}()
	}

	wg.Wait()
}

func TestRegistryAttachDetach(t *testing.T) {
	sink := &captureSink{}
	r := NewRegistry(16, sink, nil)

	l, err := r.Attach("vm-1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := r.Attach("vm-1"); err == nil {
		t.Error("double attach should fail")
	}

	base := time.Now()
	for i := 0; i < 20; i++ {
		l.LogBlockedSyscall(Entry{SyscallNr: i, Timestamp: base.Add(time.Duration(i) * time.Millisecond), Arch: "x86_64"})
	}

	if got := len(r.Entries("vm-1")); got != 16 {
		t.Errorf("expected 16 live entries, got %d", got)
	}

	if err := r.Detach(context.Background(), "vm-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}

	if _, ok := r.Get("vm-1"); ok {
		t.Error("log still registered after detach")
	}
	if sink.summary == nil {
		t.Fatal("summary not persisted on detach")
	}
	if sink.summary.Total != 20 || sink.summary.Dropped != 4 {
		t.Errorf("unexpected summary counters: %+v", sink.summary)
	}
	if !sink.summary.LastAt.After(sink.summary.FirstAt) {
		t.Errorf("summary window inverted: %+v", sink.summary)
	}

	// Detach of an unknown id is a no-op.
	if err := r.Detach(context.Background(), "vm-unknown"); err != nil {
		t.Errorf("detach of unknown vm: %v", err)
	}
}

type captureSink struct {
	summary *Summary
}

func (s *captureSink) SaveAuditSummary(ctx context.Context, sum Summary) error {
	s.summary = &sum
	return nil
}
