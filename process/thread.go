// Package process implements threads, processes, and the per-CPU
// round-robin scheduler that switches between them.
package process

import (
	"sync/atomic"

	"github.com/andrew-pa/endless-hole/handle"
	"github.com/andrew-pa/endless-hole/memory"
)

// ThreadId identifies a Thread within the global thread map.
type ThreadId = handle.Handle

// MaxThreadId is the largest thread id the core supports.
const MaxThreadId = 0xffff

// SavedProgramStatus is the value of the SPSR_EL1 register, the
// architectural state saved/restored across an exception return. See
// ARM DDI 0487, section C5.2.19 ("SPSR_EL1, Saved Program Status
// Register (EL1)").
type SavedProgramStatus uint64

const (
	spsrN      = 1 << 31
	spsrZ      = 1 << 30
	spsrC      = 1 << 29
	spsrV      = 1 << 28
	spsrTCO    = 1 << 25
	spsrDIT    = 1 << 24
	spsrUAO    = 1 << 23
	spsrPAN    = 1 << 22
	spsrSS     = 1 << 21
	spsrIL     = 1 << 20
	spsrAllInt = 1 << 13
	spsrSSBS   = 1 << 12
	spsrBType  = 0b11 << 10
	spsrD      = 1 << 9
	spsrA      = 1 << 8
	spsrI      = 1 << 7
	spsrF      = 1 << 6
	spsrEL     = 0b11 << 2
	spsrSP     = 1 << 0
)

// InitialForEL0 returns an SPSR value suitable for a thread that will
// begin running at EL0 with the SP_EL0 stack pointer.
func InitialForEL0() SavedProgramStatus { return 0 }

// InitialForEL1 returns an SPSR value suitable for a thread that will
// begin running at EL1 using its own SP_EL0 stack pointer.
func InitialForEL1() SavedProgramStatus { return 1 << 2 }

// EL returns the exception level bits (M[3:2]); the stack-pointer selector
// bit is not included.
func (s SavedProgramStatus) EL() uint8 { return uint8(s>>2) & 0b11 }

// InterruptsMasked reports whether the IRQ exception mask bit is set.
func (s SavedProgramStatus) InterruptsMasked() bool { return s&spsrI != 0 }

// Registers holds the general-purpose registers x0..x30 of a saved
// thread context.
type Registers struct {
	X [31]uint64
}

// ProcessorState is the complete architectural state of a suspended
// thread: the saved program status, program counter, stack pointer, and
// general-purpose registers.
type ProcessorState struct {
	SPSR           SavedProgramStatus
	ProgramCounter memory.VirtualAddress
	StackPointer   memory.VirtualAddress
	Registers      Registers
}

// NewIdleProcessorState returns a zeroed processor state valid only for
// a CPU's idle thread. It is valid because the idle thread's first
// participation in scheduling is always a save, which overwrites this
// placeholder before it is ever restored.
func NewIdleProcessorState() ProcessorState {
	return ProcessorState{}
}

// State is a thread's execution state.
type State uint8

const (
	// Running means the thread is eligible to be scheduled for CPU time.
	Running State = iota
	// Blocked means the thread is skipped by the scheduler's rotation
	// until it transitions back to Running.
	Blocked
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Thread is a single thread of execution, either in a user-space process
// or a kernel-owned idle thread.
type Thread struct {
	// Id is this thread's handle in the global thread map.
	Id ThreadId

	state atomic.Uint32

	// ProcessorState is the thread's saved architectural state while it
	// is not the CPU's current thread. The scheduler guarantees that at
	// most one CPU ever touches a thread's processor state: it is
	// either on exactly one run queue, in exactly one CPU's current
	// slot, or mid-switch.
	ProcessorState ProcessorState
}

// NewThread allocates a handle for a new thread in store and inserts it,
// along with its initial state and processor state.
func NewThread(store *handle.Map[Thread], initialState State, initialProcessorState ProcessorState) (*Thread, error) {
	t := &Thread{ProcessorState: initialProcessorState}
	t.state.Store(uint32(initialState))
	h, err := store.Insert(t)
	if err != nil {
		return nil, err
	}
	t.Id = h
	return t, nil
}

// State loads the thread's current execution state.
func (t *Thread) State() State { return State(t.state.Load()) }

// SetState atomically transitions the thread to a new execution state.
func (t *Thread) SetState(s State) { t.state.Store(uint32(s)) }
