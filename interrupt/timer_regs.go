package interrupt

// Low-level ARMv8 generic timer (CNTP_*) system register access. These are
// implemented in timer_arm64.s since Go has no syntax for arbitrary MRS/MSR
// system register access; as with the rest of this package's hardware
// boundary, they are exercised on real silicon, not by unit tests.

// readCompareValue reads CNTP_CVAL_EL0.
func readCompareValue() uint64

// writeCompareValue writes CNTP_CVAL_EL0.
func writeCompareValue(compareValue uint64)

// readTimerValue reads CNTP_TVAL_EL0.
func readTimerValue() uint32

// writeTimerValue writes CNTP_TVAL_EL0.
func writeTimerValue(timerValue uint32)

// counter reads CNTPCT_EL0.
func counter() uint64

// frequency reads CNTFRQ_EL0.
func frequency() uint32

// readControlRaw reads CNTP_CTL_EL0.
func readControlRaw() uint64

// writeControlRaw writes CNTP_CTL_EL0.
func writeControlRaw(ctrl uint64)

const (
	ctlIstatus = 2
	ctlImask   = 1
	ctlEnable  = 0
)

// timerControl is the decoded form of CNTP_CTL_EL0.
type timerControl uint64

func readControl() timerControl { return timerControl(readControlRaw()) }

func (c timerControl) write() { writeControlRaw(uint64(c)) }

func (c timerControl) istatus() bool { return c&(1<<ctlIstatus) != 0 }
func (c timerControl) imask() bool   { return c&(1<<ctlImask) != 0 }
func (c timerControl) enabled() bool { return c&(1<<ctlEnable) != 0 }

func (c timerControl) withImask(v bool) timerControl {
	if v {
		return c | (1 << ctlImask)
	}
	return c &^ (1 << ctlImask)
}

func (c timerControl) withEnabled(v bool) timerControl {
	if v {
		return c | (1 << ctlEnable)
	}
	return c &^ (1 << ctlEnable)
}

// conditionMet reports whether the timer condition has been met.
func conditionMet() bool { return readControl().istatus() }

// interruptsEnabled reports whether the timer interrupt is unmasked.
func interruptsEnabled() bool { return !readControl().imask() }

// setInterruptsEnabled enables or disables the timer interrupt.
func setInterruptsEnabled(enabled bool) {
	readControl().withImask(!enabled).write()
}

// enabled reports whether the timer is counting down.
func enabled() bool { return readControl().enabled() }

// setEnabled starts or stops the timer counting down.
func setEnabled(v bool) {
	readControl().withEnabled(v).write()
}
