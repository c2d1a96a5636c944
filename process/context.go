package process

import (
	"github.com/andrew-pa/endless-hole/memory"
)

// ArchContext is the architecture-specific half of a context switch. regs
// points at the general-purpose register file the exception vector's
// entry stub saved onto the exception stack before calling into the
// interrupt handler; ArchContext never allocates or owns that memory,
// it only reads and writes through the pointer handed to it.
type ArchContext interface {
	// ReadExceptionState captures the calling CPU's current
	// exception-return state (SPSR_EL1, ELR_EL1, SP_EL0) together with
	// *regs into a ProcessorState snapshot of what the interrupted
	// thread was doing.
	ReadExceptionState(regs *Registers) ProcessorState
	// WriteExceptionState installs state as what the CPU will resume
	// executing when the current exception returns, writing the
	// general-purpose registers back through regs.
	WriteExceptionState(state ProcessorState, regs *Registers)
	// SwitchEL0Context installs tables/asid as the translation tables
	// used for EL0 (user) accesses on the calling CPU. If fullFlush is
	// set, every cached translation for every ASID is invalidated
	// instead of just the one being installed, because the ASID may
	// have been reassigned to a different address space since it was
	// last used on this CPU.
	SwitchEL0Context(tables *memory.PageTables, asid memory.AddressSpaceId, fullFlush bool)
}

// ProcessOf resolves the process a thread belongs to, or nil for threads
// (such as idle threads) that do not belong to any process.
type ProcessOf func(t *Thread) *Process

// ContextSwitcher ties a Scheduler to an ArchContext, implementing the
// save-before/restore-after sequence the interrupt handler's thread-state
// bookkeeping needs around every timer interrupt.
type ContextSwitcher struct {
	scheduler Scheduler
	arch      ArchContext
	processOf ProcessOf
	asids     *memory.AddressSpaceIdPool
}

// NewContextSwitcher creates a ContextSwitcher. processOf and asids may
// be nil if no process ever needs its own address space switched (e.g.
// in a kernel-threads-only configuration).
func NewContextSwitcher(scheduler Scheduler, arch ArchContext, processOf ProcessOf, asids *memory.AddressSpaceIdPool) *ContextSwitcher {
	return &ContextSwitcher{scheduler: scheduler, arch: arch, processOf: processOf, asids: asids}
}

// SaveCurrentThreadState records the calling CPU's interrupted state,
// captured from regs by the exception entry stub, into its current
// thread. Call this before handing control to the interrupt handler, so
// the scheduler is free to swap in a new current thread.
func (c *ContextSwitcher) SaveCurrentThreadState(regs *Registers) {
	t := c.scheduler.CurrentThread()
	t.ProcessorState = c.arch.ReadExceptionState(regs)
}

// RestoreCurrentThreadState installs the calling CPU's now-current
// thread's saved state as what will run when the exception returns,
// writing the general-purpose registers back through regs and switching
// EL0 page tables if that thread belongs to a process. Call this after
// the interrupt handler has run and before the exception return.
func (c *ContextSwitcher) RestoreCurrentThreadState(regs *Registers) {
	t := c.scheduler.CurrentThread()
	c.arch.WriteExceptionState(t.ProcessorState, regs)

	if c.processOf == nil {
		return
	}
	proc := c.processOf(t)
	if proc == nil {
		return
	}

	fullFlush := false
	if c.asids != nil {
		fullFlush = proc.EnsureCurrentGeneration(c.asids)
	}
	tables, asid, _ := proc.PageTables()
	c.arch.SwitchEL0Context(tables, asid, fullFlush)
}
