// Package interrupt implements the interrupt subsystem: the generic
// Controller interface, a GICv2 driver, the system timer interface and its
// ARM generic timer implementation, and the interrupt handler policy that
// dispatches acknowledged interrupts to their owners.
package interrupt

import "fmt"

// Id identifies an interrupt.
type Id uint32

// CpuMask gives a boolean value for each CPU in the system, one bit per
// core.
type CpuMask uint8

// TriggerMode selects how an interrupt line is sensed.
type TriggerMode int

const (
	// Level triggers while the line is held active.
	Level TriggerMode = iota
	// Edge triggers once on a transition of the line.
	Edge
)

// String implements fmt.Stringer.
func (m TriggerMode) String() string {
	if m == Edge {
		return "edge"
	}
	return "level"
}

// Config is the configuration of a single interrupt as known to a
// Controller.
type Config struct {
	// Priority is the interrupt's priority level; lower values preempt
	// higher ones.
	Priority uint8
	// TargetCPU selects which CPUs may handle the interrupt.
	TargetCPU CpuMask
	// Mode is the interrupt's trigger mode.
	Mode TriggerMode
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("Config{priority=%d, target=%#02x, mode=%s}", c.Priority, c.TargetCPU, c.Mode)
}

// Controller manages and collates interrupts for the processor. This is
// the generic interface for an interrupt controller mechanism; GICv2 is
// the only implementation this package provides.
type Controller interface {
	// GlobalInitialize performs one-time, system-wide initialization.
	GlobalInitialize()
	// InitializeForCore performs per-core initialization; called once on
	// every core before it can receive interrupts.
	InitializeForCore()

	// InterruptInDeviceTree interprets the contents of an `interrupts`
	// property in a device tree node for this controller, selecting the
	// entry at index. It returns the interrupt's id and trigger mode.
	InterruptInDeviceTree(data []byte, index int) (Id, TriggerMode, bool)

	// Configure sets the configuration of an interrupt.
	Configure(id Id, config Config)
	// Enable allows an interrupt to raise an exception.
	Enable(id Id)
	// Disable prevents an interrupt from raising an exception.
	Disable(id Id)
	// ClearPending clears the pending state for an interrupt.
	ClearPending(id Id)

	// AckInterrupt acknowledges the highest-priority pending interrupt,
	// returning its id. ok is false if nothing is pending.
	AckInterrupt() (id Id, ok bool)
	// FinishInterrupt informs the controller that the system has finished
	// processing an interrupt.
	FinishInterrupt(id Id)
}
