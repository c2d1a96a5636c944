package platform

import (
	"encoding/binary"

	"github.com/andrew-pa/endless-hole/devicetree"
	"github.com/andrew-pa/endless-hole/memory"
)

// callingMethod selects the instruction used to invoke PSCI firmware.
type callingMethod int

const (
	callingSMC callingMethod = iota
	callingHVC
)

// funcIDCpuOnDefault is the PSCI CPU_ON function id used when the device
// tree does not provide one explicitly.
const funcIDCpuOnDefault uint32 = 0xC400_0003

// Psci is a PowerManager backed by the ARM Power State Coordination
// Interface (https://developer.arm.com/documentation/den0022), the
// enable-method used by QEMU's virt board.
type Psci struct {
	method      callingMethod
	funcIDCpuOn uint32
}

var _ PowerManager = (*Psci)(nil)

// PsciFromDeviceTree builds a Psci client from the properties of a `/psci`
// device tree node.
func PsciFromDeviceTree(node *devicetree.NodePropertyIter) (*Psci, error) {
	foundMethod := false
	method := callingSMC
	funcIDCpuOn := funcIDCpuOnDefault

	for {
		name, value, ok := node.Next()
		if !ok {
			break
		}
		switch string(name) {
		case "method":
			s, err := value.AsString()
			if err != nil {
				return nil, err
			}
			switch s {
			case "smc":
				method, foundMethod = callingSMC, true
			case "hvc":
				method, foundMethod = callingHVC, true
			}
		case "cpu_on":
			b, err := value.AsBytes()
			if err != nil {
				return nil, err
			}
			if len(b) >= 4 {
				funcIDCpuOn = binary.BigEndian.Uint32(b)
			}
		}
	}

	if !foundMethod {
		return nil, &devicetree.PropertyNotFoundError{Name: "method"}
	}

	return &Psci{method: method, funcIDCpuOn: funcIDCpuOn}, nil
}

// psciErrorCodeToError converts a PSCI return value into a
// PowerManagerError, or nil on success. Error codes are defined by the PSCI
// specification, section 5.2.2.
func psciErrorCodeToError(result int32) error {
	switch result {
	case 0:
		return nil
	case -2: // INVALID_PARAMETERS
		return &PowerManagerError{Kind: ErrInvalidCoreId}
	case -4: // ALREADY_ON
		return &PowerManagerError{Kind: ErrAlreadyOn}
	case -5: // ON_PENDING
		return &PowerManagerError{Kind: ErrPending}
	case -9: // INVALID_ADDRESS
		return &PowerManagerError{Kind: ErrInvalidAddress}
	default:
		return &PowerManagerError{Kind: ErrInternal}
	}
}

// StartCore implements PowerManager via the PSCI CPU_ON call.
func (p *Psci) StartCore(targetCore Id, entryPointAddress memory.PhysicalAddress, arg uintptr) error {
	var result int32
	switch p.method {
	case callingHVC:
		result = psciHVC(p.funcIDCpuOn, uint64(targetCore), uint64(entryPointAddress), uint64(arg))
	default:
		result = psciSMC(p.funcIDCpuOn, uint64(targetCore), uint64(entryPointAddress), uint64(arg))
	}
	return psciErrorCodeToError(result)
}

// EnableMethodName implements PowerManager.
func (p *Psci) EnableMethodName() []byte {
	return []byte("psci\x00")
}
