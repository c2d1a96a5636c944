package interrupt

import (
	"github.com/andrew-pa/endless-hole/devicetree"
)

// SystemTimer is the mechanism used for time-slicing the scheduler.
type SystemTimer interface {
	// InterruptId is the id of the interrupt triggered when the timer
	// expires.
	InterruptId() Id
	// Reset re-arms the timer after it has expired.
	Reset()
}

// timerCompatible lists the device tree `compatible` strings the ARM
// generic timer driver recognizes.
var timerCompatible = []string{"arm,armv7-timer", "arm,armv8-timer"}

// ArmGenericTimer drives the ARMv8 generic timer (CNTP_* system
// registers) as a SystemTimer, configured to fire periodically at a
// fraction of the counter frequency.
type ArmGenericTimer struct {
	intID      Id
	intConfig  Config
	resetValue uint32
}

var _ SystemTimer = (*ArmGenericTimer)(nil)

// ArmGenericTimerFromDeviceTree builds a timer driver from a device tree
// node, registering its interrupt with controller. interval divides the
// counter frequency to produce the reset value (e.g. interval=100 fires
// roughly 100 times per second).
func ArmGenericTimerFromDeviceTree(node *devicetree.NodePropertyIter, controller Controller, interval uint32) (*ArmGenericTimer, error) {
	var intID Id
	var mode TriggerMode
	found := false

	for {
		name, value, ok := node.Next()
		if !ok {
			break
		}
		switch string(name) {
		case "compatible":
			if !timerIsCompatible(value) {
				return nil, &devicetree.UnexpectedValueError{Name: "compatible", Reason: "incompatible"}
			}
		case "interrupts":
			b, err := value.AsBytes()
			if err != nil {
				return nil, &devicetree.UnexpectedValueError{Name: "interrupts", Reason: "expected bytes"}
			}
			id, m, ok := controller.InterruptInDeviceTree(b, 1)
			if !ok {
				return nil, &devicetree.UnexpectedValueError{Name: "interrupts", Reason: "expected interrupt #1 to exist"}
			}
			intID, mode, found = id, m, true
		}
	}

	if !found {
		return nil, &devicetree.PropertyNotFoundError{Name: "interrupts"}
	}

	t := &ArmGenericTimer{
		intID: intID,
		intConfig: Config{
			Priority:  0,
			TargetCPU: 0x01,
			Mode:      mode,
		},
		resetValue: frequency() / interval,
	}

	controller.Configure(intID, t.intConfig)
	controller.Enable(intID)

	return t, nil
}

func timerIsCompatible(v devicetree.Value) bool {
	strs, err := v.AsStrings()
	if err != nil {
		return false
	}
	for {
		s, ok := strs.Next()
		if !ok {
			return false
		}
		for _, want := range timerCompatible {
			if s == want {
				return true
			}
		}
	}
}

// Start arms the timer: it must be called once on every core, since the
// ARM generic timer's registers are banked per-CPU.
func (t *ArmGenericTimer) Start() {
	setEnabled(true)
	setInterruptsEnabled(true)
	writeTimerValue(0)
}

// InterruptId implements SystemTimer.
func (t *ArmGenericTimer) InterruptId() Id { return t.intID }

// Reset implements SystemTimer.
func (t *ArmGenericTimer) Reset() {
	writeTimerValue(t.resetValue)
}
