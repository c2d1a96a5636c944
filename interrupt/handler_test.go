package interrupt

import "testing"

// mockController is a hand-written stand-in for Controller, recording
// calls made against it.
type mockController struct {
	pending    []Id
	finished   []Id
	configured map[Id]Config
	enabled    map[Id]bool
}

func newMockController(pending ...Id) *mockController {
	return &mockController{pending: pending, configured: map[Id]Config{}, enabled: map[Id]bool{}}
}

func (m *mockController) GlobalInitialize()   {}
func (m *mockController) InitializeForCore()  {}
func (m *mockController) InterruptInDeviceTree(data []byte, index int) (Id, TriggerMode, bool) {
	return 0, Level, false
}
func (m *mockController) Configure(id Id, config Config) { m.configured[id] = config }
func (m *mockController) Enable(id Id)                   { m.enabled[id] = true }
func (m *mockController) Disable(id Id)                  { m.enabled[id] = false }
func (m *mockController) ClearPending(id Id)             {}

func (m *mockController) AckInterrupt() (Id, bool) {
	if len(m.pending) == 0 {
		return 0, false
	}
	id := m.pending[0]
	m.pending = m.pending[1:]
	return id, true
}

func (m *mockController) FinishInterrupt(id Id) {
	m.finished = append(m.finished, id)
}

var _ Controller = (*mockController)(nil)

// mockTimer is a hand-written stand-in for SystemTimer.
type mockTimer struct {
	id         Id
	resetCount int
}

func (t *mockTimer) InterruptId() Id { return t.id }
func (t *mockTimer) Reset()          { t.resetCount++ }

var _ SystemTimer = (*mockTimer)(nil)

func TestHandlerProcessesTimerInterrupt(t *testing.T) {
	timer := &mockTimer{id: 30}
	ctrl := newMockController(30)
	onTimerCalled := 0
	h := NewHandler(ctrl, timer, func() { onTimerCalled++ })

	if err := h.ProcessInterrupts(); err != nil {
		t.Fatalf("ProcessInterrupts: %v", err)
	}
	if timer.resetCount != 1 {
		t.Fatalf("got %d timer resets, want 1", timer.resetCount)
	}
	if onTimerCalled != 1 {
		t.Fatalf("got %d onTimer calls, want 1", onTimerCalled)
	}
	if len(ctrl.finished) != 1 || ctrl.finished[0] != 30 {
		t.Fatalf("got finished=%v, want [30]", ctrl.finished)
	}
}

func TestHandlerProcessesMultiplePendingInterrupts(t *testing.T) {
	timer := &mockTimer{id: 30}
	ctrl := newMockController(30, 30, 30)
	h := NewHandler(ctrl, timer, nil)

	if err := h.ProcessInterrupts(); err != nil {
		t.Fatalf("ProcessInterrupts: %v", err)
	}
	if timer.resetCount != 3 {
		t.Fatalf("got %d timer resets, want 3", timer.resetCount)
	}
	if len(ctrl.finished) != 3 {
		t.Fatalf("got %d finished interrupts, want 3", len(ctrl.finished))
	}
}

func TestHandlerReturnsErrorOnUnknownInterrupt(t *testing.T) {
	timer := &mockTimer{id: 30}
	ctrl := newMockController(99)
	h := NewHandler(ctrl, timer, nil)

	err := h.ProcessInterrupts()
	var unknown *UnknownInterruptError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asUnknownInterruptError(err, &unknown) {
		t.Fatalf("got %v, want *UnknownInterruptError", err)
	}
	if unknown.Id != 99 {
		t.Fatalf("got id %d, want 99", unknown.Id)
	}
	if len(ctrl.finished) != 0 {
		t.Fatalf("got finished=%v, want none (handler should stop before finishing the unknown interrupt)", ctrl.finished)
	}
}

func asUnknownInterruptError(err error, out **UnknownInterruptError) bool {
	u, ok := err.(*UnknownInterruptError)
	if ok {
		*out = u
	}
	return ok
}

func TestHandlerNoPendingInterruptsIsNoop(t *testing.T) {
	timer := &mockTimer{id: 30}
	ctrl := newMockController()
	h := NewHandler(ctrl, timer, nil)

	if err := h.ProcessInterrupts(); err != nil {
		t.Fatalf("ProcessInterrupts: %v", err)
	}
	if timer.resetCount != 0 {
		t.Fatalf("got %d timer resets, want 0", timer.resetCount)
	}
}
