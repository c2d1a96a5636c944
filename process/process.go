package process

import (
	"sync"

	"github.com/andrew-pa/endless-hole/handle"
	"github.com/andrew-pa/endless-hole/memory"
)

// Id identifies a Process within the global process map.
type Id = handle.Handle

// Process is a user-space process: a set of threads sharing one virtual
// address space.
type Process struct {
	// Id is this process's handle in the global process map.
	Id Id

	// Supervisor is the process responsible for this process, or nil if
	// this process has none (the root process).
	Supervisor *Process

	threadsMu sync.RWMutex
	threads   []*Thread

	pageTablesMu sync.Mutex
	pageTables   *memory.PageTables
	asid         memory.AddressSpaceId
	asidGen      uint32

	// IsDriver is true if this process has driver-level access to
	// kernel-managed MMIO and interrupts.
	IsDriver bool
	// IsPrivileged is true if this process may send messages to
	// processes outside of its supervisor's tree.
	IsPrivileged bool
	// IsSupervisor is true if child processes spawned by this process
	// should have it, rather than its own supervisor, as their
	// supervisor.
	IsSupervisor bool
}

// NewProcess creates a process owning pageTables, with supervisor as its
// supervising process (nil for the root process).
func NewProcess(store *handle.Map[Process], supervisor *Process, pageTables *memory.PageTables, asid memory.AddressSpaceId, asidGen uint32) (*Process, error) {
	p := &Process{
		Supervisor: supervisor,
		pageTables: pageTables,
		asid:       asid,
		asidGen:    asidGen,
	}
	h, err := store.Insert(p)
	if err != nil {
		return nil, err
	}
	p.Id = h
	return p, nil
}

// AddThread attaches an already-created thread to this process.
func (p *Process) AddThread(t *Thread) {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	p.threads = append(p.threads, t)
}

// Threads returns a snapshot of the threads currently belonging to this
// process.
func (p *Process) Threads() []*Thread {
	p.threadsMu.RLock()
	defer p.threadsMu.RUnlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// PageTables returns this process's page tables and current ASID,
// generation. Callers must hold the returned ASID/generation pair for
// the duration of any TLB-sensitive operation, since a stale generation
// means the ASID may have been reassigned.
func (p *Process) PageTables() (tables *memory.PageTables, asid memory.AddressSpaceId, gen uint32) {
	p.pageTablesMu.Lock()
	defer p.pageTablesMu.Unlock()
	return p.pageTables, p.asid, p.asidGen
}

// SetAddressSpaceId updates this process's ASID after the pool has
// recycled or reassigned it, e.g. following a generation rollover.
func (p *Process) SetAddressSpaceId(asid memory.AddressSpaceId, gen uint32) {
	p.pageTablesMu.Lock()
	defer p.pageTablesMu.Unlock()
	p.asid = asid
	p.asidGen = gen
}

// EnsureCurrentGeneration compares this process's cached ASID generation
// against pool's current generation. If the pool has since moved on to a
// new generation, this process's ASID may have been silently reassigned
// to another address space, so a fresh ASID is allocated and
// fullFlush=true is returned to tell the caller a single-ASID TLB
// invalidation is no longer sufficient.
func (p *Process) EnsureCurrentGeneration(pool *memory.AddressSpaceIdPool) (fullFlush bool) {
	p.pageTablesMu.Lock()
	defer p.pageTablesMu.Unlock()
	if p.asidGen == pool.CurrentGeneration() {
		return false
	}
	asid, gen := pool.Allocate()
	p.asid = asid
	p.asidGen = gen
	return true
}
