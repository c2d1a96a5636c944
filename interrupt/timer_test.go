package interrupt

import (
	"testing"

	"github.com/andrew-pa/endless-hole/devicetree"
)

// timerNodeProperties builds a tree with a single root-level ARM generic
// timer node and returns an iterator over its properties.
func timerNodeProperties(t *testing.T, compatible string, interruptsData []byte) *devicetree.NodePropertyIter {
	t.Helper()
	b := newFdtBuilder()
	b.beginNode("")
	b.beginNode("timer")
	b.prop("compatible", propStrings(compatible))
	b.prop("interrupts", interruptsData)
	b.endNode()
	b.endNode()

	tree := devicetree.FromBytes(b.finish())
	it, ok := tree.IterNodeProperties([]byte("timer"))
	if !ok {
		t.Fatal("could not find timer node")
	}
	return it
}

// stubInterruptController returns a fixed (id, mode) for any interrupt
// list it is asked to decode, recording what it was configured with.
type stubInterruptController struct {
	mockController
	nextID   Id
	nextMode TriggerMode
}

func newStubInterruptController(id Id, mode TriggerMode) *stubInterruptController {
	return &stubInterruptController{
		mockController: *newMockController(),
		nextID:         id,
		nextMode:       mode,
	}
}

func (s *stubInterruptController) InterruptInDeviceTree(data []byte, index int) (Id, TriggerMode, bool) {
	if index != 1 {
		return 0, 0, false
	}
	return s.nextID, s.nextMode, true
}

func TestArmGenericTimerFromDeviceTreeConfiguresController(t *testing.T) {
	it := timerNodeProperties(t, "arm,armv8-timer", []byte{0, 0, 0, 0, 0, 0, 0, 0})
	ctrl := newStubInterruptController(30, Level)

	timer, err := ArmGenericTimerFromDeviceTree(it, ctrl, 100)
	if err != nil {
		t.Fatalf("ArmGenericTimerFromDeviceTree: %v", err)
	}
	if timer.InterruptId() != 30 {
		t.Fatalf("got interrupt id %d, want 30", timer.InterruptId())
	}
	if !ctrl.enabled[30] {
		t.Fatal("expected the timer interrupt to be enabled")
	}
	cfg, ok := ctrl.configured[30]
	if !ok {
		t.Fatal("expected the timer interrupt to be configured")
	}
	if cfg.Mode != Level {
		t.Fatalf("got mode %v, want Level", cfg.Mode)
	}
}

func TestArmGenericTimerFromDeviceTreeRejectsIncompatible(t *testing.T) {
	it := timerNodeProperties(t, "vendor,unknown-timer", []byte{0, 0, 0, 0, 0, 0, 0, 0})
	ctrl := newStubInterruptController(30, Level)
	if _, err := ArmGenericTimerFromDeviceTree(it, ctrl, 100); err == nil {
		t.Fatal("expected an error for an incompatible device")
	}
}

func TestArmGenericTimerFromDeviceTreeMissingInterrupts(t *testing.T) {
	t.Helper()
	b := newFdtBuilder()
	b.beginNode("")
	b.beginNode("timer")
	b.prop("compatible", propStrings("arm,armv8-timer"))
	b.endNode()
	b.endNode()
	tree := devicetree.FromBytes(b.finish())
	it, ok := tree.IterNodeProperties([]byte("timer"))
	if !ok {
		t.Fatal("could not find timer node")
	}

	ctrl := newStubInterruptController(30, Level)
	if _, err := ArmGenericTimerFromDeviceTree(it, ctrl, 100); err == nil {
		t.Fatal("expected an error when the interrupts property is missing")
	}
}

func TestArmGenericTimerInterruptIdFromFields(t *testing.T) {
	timer := &ArmGenericTimer{intID: 30, resetValue: 12345}
	// Reset is not called here: its CNTP_TVAL_EL0 write is only meaningful
	// on real hardware.
	if timer.InterruptId() != 30 {
		t.Fatalf("got interrupt id %d, want 30", timer.InterruptId())
	}
}
