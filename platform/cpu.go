// Package platform enumerates CPU cores from the device tree and powers on
// secondary cores at boot, through a power-management backend (PSCI on
// QEMU's virt board) that is injected rather than hard-coded.
package platform

import (
	"fmt"

	"github.com/andrew-pa/endless-hole/devicetree"
	"github.com/andrew-pa/endless-hole/memory"
)

// Id identifies a CPU core, as assigned by the `reg` property of its device
// tree `/cpus/cpu@*` node.
type Id uint64

// PowerManagerErrorKind enumerates the ways a PowerManager call can fail, as
// reported by the PSCI specification's CPU_ON error codes (section 5.2.2).
type PowerManagerErrorKind int

const (
	// ErrInvalidCoreId means the target core id does not exist.
	ErrInvalidCoreId PowerManagerErrorKind = iota
	// ErrInvalidAddress means the entry point address is not valid.
	ErrInvalidAddress
	// ErrAlreadyOn means the target core is already powered on.
	ErrAlreadyOn
	// ErrPending means a power-on request for the target core is already in
	// flight.
	ErrPending
	// ErrInternal covers any firmware error code not otherwise recognized.
	ErrInternal
)

func (k PowerManagerErrorKind) String() string {
	switch k {
	case ErrInvalidCoreId:
		return "invalid core id"
	case ErrInvalidAddress:
		return "invalid address"
	case ErrAlreadyOn:
		return "already on"
	case ErrPending:
		return "pending"
	default:
		return "internal error"
	}
}

// PowerManagerError is returned by PowerManager.StartCore.
type PowerManagerError struct {
	Kind PowerManagerErrorKind
}

func (e *PowerManagerError) Error() string {
	return "platform: power manager: " + e.Kind.String()
}

// PowerManager starts secondary cores running at a given entry point. The
// concrete implementation used on QEMU's virt board is PSCI (see psci.go);
// the interface exists so that backend can be swapped or mocked.
type PowerManager interface {
	// StartCore turns on targetCore, which begins executing at
	// entryPointAddress with arg available to it (conventionally in a
	// register the entry stub reads).
	StartCore(targetCore Id, entryPointAddress memory.PhysicalAddress, arg uintptr) error
	// EnableMethodName returns the device tree `enable-method` string this
	// backend implements, e.g. "psci\x00".
	EnableMethodName() []byte
}

// CoreInfo is one entry parsed from a `/cpus/cpu@*` device tree node.
type CoreInfo struct {
	Id           Id
	EnableMethod []byte
}

// ListCores parses the direct `cpu` children of the `/cpus` node, returning
// one CoreInfo per child in document order.
func ListCores(dt *devicetree.DeviceTree) ([]CoreInfo, error) {
	it, ok := dt.IterNodesNamed([]byte("/cpus"), []byte("cpu"))
	if !ok {
		return nil, &devicetree.PropertyNotFoundError{Name: "/cpus"}
	}

	var cores []CoreInfo
	for {
		node, ok := it.Next()
		if !ok {
			break
		}

		var id *Id
		var enableMethod []byte
		for {
			name, value, ok := node.Properties.Next()
			if !ok {
				break
			}
			switch string(name) {
			case "enable-method":
				b, err := value.AsBytes()
				if err != nil {
					return nil, err
				}
				enableMethod = b
			case "reg":
				regs, err := value.AsReg()
				if err != nil {
					return nil, err
				}
				addr, _, ok := regs.Next()
				if !ok {
					return nil, &devicetree.UnexpectedValueError{Name: "reg", Reason: "expected at least one cell"}
				}
				v := Id(addr)
				id = &v
			}
		}

		if id == nil {
			return nil, &devicetree.PropertyNotFoundError{Name: "reg"}
		}
		if enableMethod == nil {
			return nil, &devicetree.PropertyNotFoundError{Name: "enable-method"}
		}
		cores = append(cores, CoreInfo{Id: *id, EnableMethod: enableMethod})
	}
	return cores, nil
}

// BootAllCoresError wraps a failure encountered powering on one secondary
// core, naming the stage that failed.
type BootAllCoresError struct {
	// Core is the id of the core that failed to start.
	Core Id
	// Method, if non-empty, means core's enable-method did not match the
	// power manager's, and no power-on was attempted.
	Method string
	// Power, if non-nil, means power.StartCore itself failed.
	Power error
	// Memory, if non-nil, means allocating the core's boot stack failed.
	Memory error
}

func (e *BootAllCoresError) Error() string {
	switch {
	case e.Method != "":
		return fmt.Sprintf("platform: core %d: unsupported enable-method %q", e.Core, e.Method)
	case e.Power != nil:
		return fmt.Sprintf("platform: core %d: %v", e.Core, e.Power)
	case e.Memory != nil:
		return fmt.Sprintf("platform: core %d: %v", e.Core, e.Memory)
	default:
		return fmt.Sprintf("platform: core %d: boot failed", e.Core)
	}
}

func (e *BootAllCoresError) Unwrap() error {
	if e.Power != nil {
		return e.Power
	}
	return e.Memory
}

// secondaryStackPages is the size, in 4 KiB pages, of the boot stack given to
// each secondary core: 4 MiB, matching the kernel's own boot stack.
const secondaryStackPages = 4 * 1024 * 1024 / 0x1000

// BootAllCores starts every core in cores other than the boot core (id 0,
// already running this code) at entryPointAddress, each with its own
// freshly allocated stack. It stops and returns the first error encountered;
// cores already started remain running.
func BootAllCores(cores []CoreInfo, power PowerManager, entryPointAddress memory.PhysicalAddress, pageAllocator memory.PageAllocator) error {
	started := 0
	for _, core := range cores {
		method := power.EnableMethodName()
		if !bytesEqualNulTerminated(core.EnableMethod, method) {
			return &BootAllCoresError{Core: core.Id, Method: string(core.EnableMethod)}
		}

		if core.Id == 0 {
			continue
		}

		stackBase, err := pageAllocator.Allocate(secondaryStackPages)
		if err != nil {
			return &BootAllCoresError{Core: core.Id, Memory: err}
		}
		stackTop := uintptr(stackBase) + uintptr(secondaryStackPages)*uintptr(pageAllocator.PageSize().Bytes())

		if err := power.StartCore(core.Id, entryPointAddress, stackTop); err != nil {
			return &BootAllCoresError{Core: core.Id, Power: err}
		}
		started++
	}
	return nil
}

func bytesEqualNulTerminated(a, b []byte) bool {
	trim := func(s []byte) []byte {
		for i, c := range s {
			if c == 0 {
				return s[:i]
			}
		}
		return s
	}
	a, b = trim(a), trim(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
