package epd

import (
	"errors"
	"fmt"
)

var (
	// ErrBusFault is wrapped by every failure of the SPI transaction or of a
	// control line write. It is never retried by the driver.
	ErrBusFault = errors.New("epd: bus fault")

	// ErrTimeout is wrapped when the busy line did not report idle within
	// the allotted time.
	ErrTimeout = errors.New("epd: busy timeout")

	// ErrInvalidGeometry is returned when a raster does not match the panel
	// model. It is detected before any bus activity.
	ErrInvalidGeometry = errors.New("epd: raster geometry does not match panel")

	// ErrConsumed is returned by a handle that was already used for a state
	// transition.
	ErrConsumed = errors.New("epd: handle already consumed")
)

// State is the driver lifecycle position.
type State int

const (
	Uninitialized State = iota
	Ready
	Busy
	Off
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Off:
		return "off"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Error describes a failed driver operation and the state the driver was
// left in.
type Error struct {
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("epd: %s failed (state %s): %v", e.Op, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BusyError is returned when an operation failed after it had begun: a
// refresh whose busy wait expired, or a transfer aborted by a bus fault
// (including a control line write that failed before any byte went out).
// The panel state is then unknown: it must not be sent further commands
// until BusyPanel.WaitIdle succeeds or BusyPanel.Abandon is used to start
// over with a full reset.
type BusyError struct {
	Op   string
	Err  error
	Busy *BusyPanel
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("epd: %s failed (state %s): %v", e.Op, Busy, e.Err)
}

func (e *BusyError) Unwrap() error {
	return e.Err
}
