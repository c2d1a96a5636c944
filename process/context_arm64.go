package process

import (
	"github.com/andrew-pa/endless-hole/memory"
)

// Arm64Context is the ArchContext for the AArch64 EL1 kernel: it reads
// and writes ELR_EL1/SPSR_EL1/SP_EL0 via MRS/MSR and programs TTBR0_EL1
// and the TLB for EL0 address space switches.
type Arm64Context struct{}

var _ ArchContext = Arm64Context{}

// ReadExceptionState implements ArchContext.
func (Arm64Context) ReadExceptionState(regs *Registers) ProcessorState {
	return ProcessorState{
		SPSR:           SavedProgramStatus(readSpsrEl1()),
		ProgramCounter: memory.VirtualAddress(readElrEl1()),
		StackPointer:   memory.VirtualAddress(readSpEl0()),
		Registers:      *regs,
	}
}

// WriteExceptionState implements ArchContext.
func (Arm64Context) WriteExceptionState(state ProcessorState, regs *Registers) {
	writeSpsrEl1(uint64(state.SPSR))
	writeElrEl1(uint64(state.ProgramCounter))
	writeSpEl0(uint64(state.StackPointer))
	*regs = state.Registers
}

// ttbrAsidShift is the bit position of the ASID field within TTBR0_EL1,
// assuming TCR_EL1.AS selects an 8-bit ASID (the common configuration;
// see ARM DDI 0487, section D17.2.128).
const ttbrAsidShift = 48

// encodeTTBR0 packs a page table root and its ASID into the value
// TTBR0_EL1 expects: the physical address in the low bits, the ASID in
// the tag field above ttbrAsidShift.
func encodeTTBR0(root memory.PhysicalAddress, asid memory.AddressSpaceId) uint64 {
	return uint64(root) | (uint64(asid) << ttbrAsidShift)
}

// SwitchEL0Context implements ArchContext. A plain TTBR0_EL1 write needs
// no TLB maintenance: that's the purpose of ASID-tagged entries. Only
// when the ASID has been recycled across a generation rollover
// (fullFlush) does a stale tag need invalidating.
func (Arm64Context) SwitchEL0Context(tables *memory.PageTables, asid memory.AddressSpaceId, fullFlush bool) {
	writeTtbr0El1(encodeTTBR0(tables.PhysicalAddress(), asid))
	if fullFlush {
		invalidateLocalTLB()
	}
}
