package process

import (
	"testing"

	"github.com/andrew-pa/endless-hole/handle"
	"github.com/andrew-pa/endless-hole/memory"
)

func newTestPageTables(t *testing.T) *memory.PageTables {
	t.Helper()
	pa := memory.NewBuddyPageAllocator(memory.FourKiB, 0, memory.PhysicalAddress(16*memory.FourKiB.Bytes()))
	pa.AddMemoryRegion(0, 16*memory.FourKiB.Bytes())
	pt, err := memory.NewEmptyPageTables(pa, false)
	if err != nil {
		t.Fatalf("NewEmptyPageTables: %v", err)
	}
	return pt
}

func TestNewProcessHasNoSupervisorByDefault(t *testing.T) {
	store := handle.NewMap[Process](16)
	pt := newTestPageTables(t)

	root, err := NewProcess(store, nil, pt, 0, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if root.Supervisor != nil {
		t.Fatalf("expected the root process to have no supervisor, got %v", root.Supervisor)
	}

	child, err := NewProcess(store, root, pt, 1, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if child.Supervisor != root {
		t.Fatalf("expected child's supervisor to be root")
	}
}

func TestProcessThreadsAreIsolatedPerProcess(t *testing.T) {
	store := handle.NewMap[Process](16)
	threads := handle.NewMap[Thread](16)
	pt := newTestPageTables(t)

	p, err := NewProcess(store, nil, pt, 0, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if len(p.Threads()) != 0 {
		t.Fatalf("expected a new process to start with no threads")
	}

	th, err := NewThread(threads, Running, NewIdleProcessorState())
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	p.AddThread(th)

	got := p.Threads()
	if len(got) != 1 || got[0] != th {
		t.Fatalf("got threads %v, want [%v]", got, th)
	}
}

func TestEnsureCurrentGenerationOnlyReallocatesWhenStale(t *testing.T) {
	store := handle.NewMap[Process](16)
	pt := newTestPageTables(t)
	pool := memory.NewAddressSpaceIdPool(2)

	asid, gen := pool.Allocate()
	p, err := NewProcess(store, nil, pt, asid, gen)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	if full := p.EnsureCurrentGeneration(pool); full {
		t.Fatal("expected no full flush while the process's generation is current")
	}

	// Exhaust the pool to force a generation rollover.
	pool.Allocate()
	pool.Allocate()

	if full := p.EnsureCurrentGeneration(pool); !full {
		t.Fatal("expected a full flush once the pool has moved to a new generation")
	}
	_, _, newGen := p.PageTables()
	if newGen != pool.CurrentGeneration() {
		t.Fatalf("got cached generation %d, want %d", newGen, pool.CurrentGeneration())
	}
}
