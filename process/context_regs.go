package process

// These functions are implemented in context_arm64.s using plan9
// assembly MRS/MSR instructions, following the same forward-declared-in-
// Go/implemented-in-.s split used for the generic timer registers.

// readSpsrEl1 reads the Saved Program Status Register for EL1.
func readSpsrEl1() uint64

// writeSpsrEl1 writes the Saved Program Status Register for EL1.
func writeSpsrEl1(spsr uint64)

// readElrEl1 reads the Exception Link Register for EL1 (the address
// execution resumes at on ERET).
func readElrEl1() uint64

// writeElrEl1 writes the Exception Link Register for EL1.
func writeElrEl1(elr uint64)

// readSpEl0 reads the EL0 stack pointer.
func readSpEl0() uint64

// writeSpEl0 writes the EL0 stack pointer.
func writeSpEl0(sp uint64)

// writeTtbr0El1 writes the Translation Table Base Register 0 for EL1,
// which holds the root of the EL0 (low, TTBR0) translation tables and
// the ASID tagging them.
func writeTtbr0El1(ttbr0 uint64)

// readEsrEl1 reads the Exception Syndrome Register for EL1, which records
// the cause of the most recently taken synchronous exception.
func readEsrEl1() uint64

// invalidateLocalTLB invalidates every TLB entry for every ASID on the
// calling core, with the barriers needed to make the invalidation
// visible before the following instructions execute. Used only when an
// ASID has been recycled to a different address space (the stale
// generation case); a plain TTBR0_EL1 write needs no invalidation at
// all, since distinguishing address spaces by ASID tag is the entire
// point of not needing one on every switch.
func invalidateLocalTLB()
