package platform

// readMpidrEl1 reads the Multiprocessor Affinity Register. Implemented in
// cpuid_arm64.s.
func readMpidrEl1() uint64
