package platform

// psciSMC and psciHVC invoke a PSCI firmware function via the SMC or HVC
// instruction respectively, passing funcID/targetCPU/entryPointAddress/arg
// in w0-x3 per the PSCI calling convention and returning w0 as a signed
// result code. Implemented in psci_arm64.s.

func psciSMC(funcID uint32, targetCPU, entryPointAddress, arg uint64) int32

func psciHVC(funcID uint32, targetCPU, entryPointAddress, arg uint64) int32
