// Driver for the ARM Generic Interrupt Controller version 2.
//
// Reference documentation:
//   - GICv2 architecture specification: ARM IHI 0048
//   - Device tree binding: Linux kernel
//     Documentation/devicetree/bindings/interrupt-controller/arm,gic.yaml
package interrupt

import (
	"sync"

	"github.com/andrew-pa/endless-hole/devicetree"
	"github.com/andrew-pa/endless-hole/internal/reg"
	"github.com/andrew-pa/endless-hole/memory"
)

// compatible lists the device tree `compatible` strings this driver
// recognizes.
var compatible = []string{
	"arm,arm11mp-gic",
	"arm,cortex-a15-gic",
	"arm,cortex-a7-gic",
	"arm,cortex-a5-gic",
	"arm,cortex-a9-gic",
	"arm,eb11mp-gic",
	"arm,gic-400",
	"arm,pl390",
	"arm,tc11mp-gic",
	"qcom,msm-8660-qgic",
	"qcom,msm-qgic2",
}

func isCompatible(v devicetree.Value) bool {
	strs, err := v.AsStrings()
	if err != nil {
		return false
	}
	for {
		s, ok := strs.Next()
		if !ok {
			return false
		}
		for _, want := range compatible {
			if s == want {
				return true
			}
		}
	}
}

// GICv2 register offsets, relative to their region's base address, in
// bytes. Named GICD_*/GICC_* in the specification.
const (
	distCTLR        = 0x0000
	distTYPER       = 0x0004
	distIGROUPRN    = 0x0080
	distISENABLERN  = 0x0100
	distICENABLERN  = 0x0180
	distICPENDRN    = 0x0280
	distIPRIORITYRN = 0x0400
	distITARGETSRN  = 0x0800

	cpuCTLR = 0x0000
	cpuPMR  = 0x0004
	cpuBPR  = 0x0008
	cpuIAR  = 0x000c
	cpuEOIR = 0x0010
)

// intidNonePending is the special interrupt ID GICC_IAR returns when no
// interrupt is pending.
const intidNonePending = 1023

// GenericV2 is a driver for an ARM GICv2 interrupt controller, as found on
// QEMU's virt machine.
type GenericV2 struct {
	mu              sync.Mutex
	distributorBase memory.VirtualAddress
	cpuBase         memory.VirtualAddress
}

var _ Controller = (*GenericV2)(nil)

// NewGenericV2 creates a GICv2 driver directly from its register base
// addresses, already mapped into kernel virtual address space.
func NewGenericV2(distributorBase, cpuBase memory.VirtualAddress) *GenericV2 {
	return &GenericV2{distributorBase: distributorBase, cpuBase: cpuBase}
}

// GenericV2FromDeviceTree builds a GICv2 driver from a device tree node's
// properties. Physical addresses found in the `reg` property are converted
// to kernel virtual addresses assuming an identity mapping.
func GenericV2FromDeviceTree(node *devicetree.NodePropertyIter) (*GenericV2, error) {
	foundMarkerProperty := false
	distBase := memory.PhysicalAddress(0)
	cpuBasePhys := memory.PhysicalAddress(0)

	for {
		name, value, ok := node.Next()
		if !ok {
			break
		}
		switch string(name) {
		case "compatible":
			if !isCompatible(value) {
				return nil, &devicetree.UnexpectedValueError{Name: "compatible", Reason: "incompatible"}
			}
		case "#interrupt-cells":
			b, err := value.AsBytes()
			if err != nil || len(b) != 4 || b[3] != 3 {
				return nil, &devicetree.UnexpectedValueError{
					Name:   "#interrupt-cells",
					Reason: "driver supports GICv2 with #interrupt-cells=3 only",
				}
			}
		case "interrupt-controller":
			foundMarkerProperty = true
		case "reg":
			regs, err := value.AsReg()
			if err != nil {
				return nil, &devicetree.UnexpectedValueError{Name: "reg", Reason: "expected reg property"}
			}
			distAddr, _, ok := regs.Next()
			if !ok {
				return nil, &devicetree.UnexpectedValueError{Name: "reg", Reason: "expected distributor register region to be present"}
			}
			distBase = memory.PhysicalAddress(distAddr)
			cpuAddr, _, ok := regs.Next()
			if !ok {
				return nil, &devicetree.UnexpectedValueError{Name: "reg", Reason: "expected CPU register region to be present"}
			}
			cpuBasePhys = memory.PhysicalAddress(cpuAddr)
		}
	}

	if !foundMarkerProperty {
		return nil, &devicetree.PropertyNotFoundError{Name: "interrupt-controller"}
	}
	if distBase.IsNull() {
		return nil, &devicetree.PropertyNotFoundError{Name: "distributor base address"}
	}
	if cpuBasePhys.IsNull() {
		return nil, &devicetree.PropertyNotFoundError{Name: "CPU base address"}
	}

	return NewGenericV2(distBase.KernelVirtualAddress(), cpuBasePhys.KernelVirtualAddress()), nil
}

func idToByteOffset(id Id) (word int, bit int) {
	return int(id/32) * 4, int(id % 32)
}

func (g *GenericV2) writeBitForID(base memory.VirtualAddress, register int, id Id) {
	word, bit := idToByteOffset(id)
	reg.Set(uint64(base)+uint64(register)+uint64(word), bit)
}

func (g *GenericV2) writeByteForID(base memory.VirtualAddress, register int, id Id, val uint8) {
	reg.WriteByte(uint64(base)+uint64(register), int(id), val)
}

// GlobalInitialize enables the distributor.
func (g *GenericV2) GlobalInitialize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg.Write(uint64(g.distributorBase)+distCTLR, 0x1)
}

// InitializeForCore enables this core's CPU interface, unmasks all
// priorities, and disables group priority splitting.
func (g *GenericV2) InitializeForCore() {
	reg.Write(uint64(g.cpuBase)+cpuCTLR, 0b0000_0000_0000_0001)
	reg.Write(uint64(g.cpuBase)+cpuPMR, 0xff)
	reg.Write(uint64(g.cpuBase)+cpuBPR, 0x00)
}

// InterruptInDeviceTree decodes one entry of a GICv2-shaped `interrupts`
// property: 3 cells (12 bytes) of {type, number, flags}.
func (g *GenericV2) InterruptInDeviceTree(data []byte, index int) (Id, TriggerMode, bool) {
	if (index+1)*12 > len(data) {
		return 0, 0, false
	}
	d := data[index*12 : (index+1)*12]
	firstCell := be32(d[0:4])
	secondCell := be32(d[4:8])
	flags := d[11]

	var id Id
	switch firstCell {
	case 0: // SPI: device tree 0-987 -> ids 32-1019
		id = 32 + Id(secondCell)
	case 1: // PPI: device tree 0-15 -> ids 16-31
		id = 16 + Id(secondCell)
	default:
		return 0, 0, false
	}

	var mode TriggerMode
	switch flags {
	case 0b0001, 0b0010:
		mode = Edge
	case 0b0100, 0b1000:
		mode = Level
	default:
		return 0, 0, false
	}

	return id, mode, true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Configure sets an interrupt's priority and targets it at every CPU.
func (g *GenericV2) Configure(id Id, config Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeByteForID(g.distributorBase, distIPRIORITYRN, id, config.Priority)
	// route to all CPUs for now, matching the original driver.
	g.writeByteForID(g.distributorBase, distITARGETSRN, id, 0xff)
}

// Enable allows an interrupt to raise an exception.
func (g *GenericV2) Enable(id Id) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeBitForID(g.distributorBase, distISENABLERN, id)
}

// Disable prevents an interrupt from raising an exception.
func (g *GenericV2) Disable(id Id) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeBitForID(g.distributorBase, distICENABLERN, id)
}

// ClearPending clears the pending state for an interrupt.
func (g *GenericV2) ClearPending(id Id) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeBitForID(g.distributorBase, distICPENDRN, id)
}

// AckInterrupt reads the CPU interface's acknowledge register.
func (g *GenericV2) AckInterrupt() (Id, bool) {
	id := reg.Read(uint64(g.cpuBase) + cpuIAR)
	if id == intidNonePending {
		return 0, false
	}
	return Id(id), true
}

// FinishInterrupt writes the end-of-interrupt register.
func (g *GenericV2) FinishInterrupt(id Id) {
	reg.Write(uint64(g.cpuBase)+cpuEOIR, uint32(id))
}
