package platform

import "github.com/andrew-pa/endless-hole/process"

// CoreIDReader's CurrentCPUId itself can't be exercised without running on
// real hardware (same as Arm64Context's register accessors); this just
// grounds the wiring to process.CPUIDReader.
var _ process.CPUIDReader = CoreIDReader{}
