package platform

// CoreIDReader implements process.CPUIDReader by reading MPIDR_EL1, the way
// the kernel's own logger derives a core id for its log lines.
type CoreIDReader struct{}

// CurrentCPUId returns the Aff0 field of MPIDR_EL1: the core's affinity-0
// id, which on QEMU's virt board matches its `/cpus/cpu@*` reg value.
func (CoreIDReader) CurrentCPUId() int {
	return int(readMpidrEl1() & 0xff)
}
