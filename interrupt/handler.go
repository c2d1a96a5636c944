package interrupt

import (
	"fmt"
)

// UnknownInterruptError is returned by Handler.ProcessInterrupts when an
// interrupt occurs that the handler does not recognize.
type UnknownInterruptError struct {
	Id Id
}

func (e *UnknownInterruptError) Error() string {
	return fmt.Sprintf("interrupt: unknown interrupt %d", e.Id)
}

// Handler is the interrupt handling policy: it drains pending interrupts
// from a Controller and dispatches the ones it knows about.
type Handler struct {
	controller Controller
	timer      SystemTimer
	onTimer    func()
}

// NewHandler creates an interrupt handler policy over controller and
// timer. onTimer, if non-nil, is invoked on every timer interrupt before
// the timer is reset (intended for running the scheduler's time-slice
// logic).
func NewHandler(controller Controller, timer SystemTimer, onTimer func()) *Handler {
	return &Handler{controller: controller, timer: timer, onTimer: onTimer}
}

// ProcessInterrupts acknowledges and handles every interrupt currently
// pending on the controller. It returns an *UnknownInterruptError if an
// unrecognized interrupt occurs; interrupts already processed before the
// unknown one are still considered handled.
func (h *Handler) ProcessInterrupts() error {
	for {
		id, ok := h.controller.AckInterrupt()
		if !ok {
			return nil
		}

		switch {
		case id == h.timer.InterruptId():
			if h.onTimer != nil {
				h.onTimer()
			}
			h.timer.Reset()
		default:
			return &UnknownInterruptError{Id: id}
		}

		h.controller.FinishInterrupt(id)
	}
}
