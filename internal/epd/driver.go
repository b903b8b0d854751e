// Package epd drives a tri-color e-paper panel over SPI using periph.io bus
// and GPIO handles.
//
// The driver is a typestate machine. Every state has its own handle type
// and only the operations legal in that state are methods on it:
//
//	Panel (uninitialized) --Initialize--> ReadyPanel
//	ReadyPanel --Update--> ReadyPanel            (BusyPanel on failure)
//	BusyPanel  --WaitIdle--> ReadyPanel | --Abandon--> Panel
//	ReadyPanel --PowerOff--> OffPanel  --Wake--> Panel
//
// A transition consumes the handle it was called on: the old value reports
// ErrConsumed from then on. In particular nothing can be transferred to a
// panel in deep sleep; OffPanel has no transfer methods at all.
//
// All operations are synchronous and non-reentrant. The only waiting the
// driver does is polling the BUSY line with a bounded timeout, and it never
// retries a failed step on its own.
package epd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"

	"epdframe/internal/raster"
)

// Pins are the control lines of the panel. They must already be configured
// (outputs driving, BUSY as input). CS is optional, see framer.
type Pins struct {
	DC    gpio.PinOut
	Reset gpio.PinOut
	Busy  gpio.PinIn
	CS    gpio.PinOut
}

// Option customizes New.
type Option func(*handle)

// WithClock replaces the system clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(h *handle) {
		h.clock = c
	}
}

// handle is the state shared by all typestate wrappers of one panel. It owns
// the bus and the pins for its whole life.
type handle struct {
	model Model
	fr    *framer
	busy  busyLine
	reset gpio.PinOut
	clock Clock

	state State
	gen   uint64
}

func (h *handle) claim(gen uint64, want State) error {
	if h.gen != gen || h.state != want {
		return ErrConsumed
	}
	return nil
}

func (h *handle) advance(s State) uint64 {
	h.state = s
	h.gen++
	return h.gen
}

func (h *handle) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := h.clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return nil
}

func (h *handle) setReset(l gpio.Level) error {
	if err := h.reset.Out(l); err != nil {
		return fmt.Errorf("%w: reset line: %w", ErrBusFault, err)
	}
	return nil
}

// resetPulse drives RST high, low for at least the minimum pulse width and
// back high.
func (h *handle) resetPulse(ctx context.Context) error {
	r := h.model.Reset
	if err := h.setReset(gpio.High); err != nil {
		return err
	}
	if err := h.sleep(ctx, r.Lead); err != nil {
		return err
	}
	if err := h.setReset(gpio.Low); err != nil {
		return err
	}
	if err := h.sleep(ctx, r.Pulse); err != nil {
		// Never leave the panel held in reset on an early return.
		if rerr := h.setReset(gpio.High); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if err := h.setReset(gpio.High); err != nil {
		return err
	}
	return h.sleep(ctx, r.Settle)
}

// run sends one command and performs the waits it asks for.
func (h *handle) run(ctx context.Context, cmd Command, timeout time.Duration) error {
	if err := h.fr.send(cmd); err != nil {
		return err
	}
	if cmd.WaitIdle {
		if err := h.busy.waitIdle(ctx, timeout); err != nil {
			return fmt.Errorf("after opcode 0x%02X: %w", cmd.Opcode, err)
		}
	}
	return h.sleep(ctx, cmd.Delay)
}

// Panel is an uninitialized panel.
type Panel struct {
	h   *handle
	gen uint64
}

// New takes ownership of the bus and pins. It performs no I/O.
func New(bus conn.Conn, pins Pins, m *Model, opts ...Option) (*Panel, error) {
	if bus == nil {
		return nil, errors.New("epd: bus is nil")
	}
	if pins.DC == nil || pins.Reset == nil || pins.Busy == nil {
		return nil, errors.New("epd: DC, reset and busy pins are required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	model := m.normalize()

	active := gpio.High
	if model.BusyActiveLow {
		active = gpio.Low
	}

	h := &handle{
		model: model,
		fr:    newFramer(bus, pins.DC, pins.CS),
		reset: pins.Reset,
		clock: SystemClock{},
		state: Uninitialized,
	}
	for _, o := range opts {
		o(h)
	}
	h.busy = busyLine{
		pin:      pins.Busy,
		active:   active,
		clock:    h.clock,
		interval: model.Timing.PollInterval,
	}
	return &Panel{h: h, gen: h.gen}, nil
}

// Model returns the panel model.
func (p *Panel) Model() Model {
	return p.h.model
}

// Initialize resets the panel, sends the model's init sequence and waits
// until the panel is idle.
//
// A failure is terminal for this attempt but leaves p uninitialized and
// usable: calling Initialize again starts over with a fresh reset pulse.
func (p *Panel) Initialize(ctx context.Context) (*ReadyPanel, error) {
	const op = "initialize"
	h := p.h
	if err := h.claim(p.gen, Uninitialized); err != nil {
		return nil, &Error{Op: op, State: h.state, Err: err}
	}

	fail := func(err error) (*ReadyPanel, error) {
		return nil, &Error{Op: op, State: Uninitialized, Err: err}
	}

	if err := h.resetPulse(ctx); err != nil {
		return fail(err)
	}
	for _, cmd := range h.model.Init {
		if err := h.run(ctx, cmd, h.model.Timing.Init); err != nil {
			return fail(err)
		}
	}
	if err := h.busy.waitIdle(ctx, h.model.Timing.Init); err != nil {
		return fail(err)
	}

	return &ReadyPanel{h: h, gen: h.advance(Ready)}, nil
}

// ReadyPanel is an initialized, idle panel.
type ReadyPanel struct {
	h   *handle
	gen uint64
}

// Model returns the panel model.
func (r *ReadyPanel) Model() Model {
	return r.h.model
}

// Update transmits the full raster and refreshes the panel.
//
// The primary plane is sent before the accent plane; the controller maps
// them to distinct registers and the order is fixed. A raster that does not
// match the model fails with ErrInvalidGeometry before any bus activity and
// does not consume r.
//
// Once the raster has been accepted the update has begun, and any later
// failure returns a *BusyError, even one on the first control line write
// before a byte reached the panel. The driver does not retry; the caller
// decides between BusyPanel.WaitIdle and BusyPanel.Abandon.
func (r *ReadyPanel) Update(ctx context.Context, s *raster.Store) (*ReadyPanel, error) {
	const op = "update"
	h := r.h
	if err := h.claim(r.gen, Ready); err != nil {
		return nil, &Error{Op: op, State: h.state, Err: err}
	}
	if s == nil {
		return nil, &Error{Op: op, State: Ready, Err: fmt.Errorf("%w: nil raster", ErrInvalidGeometry)}
	}
	if g := s.Geometry(); g != h.model.Geometry {
		return nil, &Error{Op: op, State: Ready, Err: fmt.Errorf("%w: raster %s, panel %s", ErrInvalidGeometry, g, h.model.Geometry)}
	}
	if s.Encoding() != h.model.Encoding {
		return nil, &Error{Op: op, State: Ready, Err: fmt.Errorf("%w: raster uses a different plane encoding", ErrInvalidGeometry)}
	}

	busy := &BusyPanel{h: h, gen: h.advance(Busy)}
	fail := func(err error) (*ReadyPanel, error) {
		return nil, &BusyError{Op: op, Err: err, Busy: busy}
	}

	primary, accent := s.Planes()
	if err := h.fr.send(Command{Opcode: h.model.PrimaryStart, Data: primary}); err != nil {
		return fail(err)
	}
	if err := h.fr.send(Command{Opcode: h.model.AccentStart, Data: accent}); err != nil {
		return fail(err)
	}
	if err := h.fr.command(h.model.Refresh); err != nil {
		return fail(err)
	}
	if err := h.busy.waitIdle(ctx, h.model.Timing.Refresh); err != nil {
		return fail(err)
	}

	return &ReadyPanel{h: h, gen: h.advance(Ready)}, nil
}

// PowerOff sends the model's power-off sequence and puts the panel in deep
// sleep. Only a full reset through OffPanel.Wake and Panel.Initialize brings
// it back.
func (r *ReadyPanel) PowerOff(ctx context.Context) (*OffPanel, error) {
	const op = "power off"
	h := r.h
	if err := h.claim(r.gen, Ready); err != nil {
		return nil, &Error{Op: op, State: h.state, Err: err}
	}

	busy := &BusyPanel{h: h, gen: h.advance(Busy)}
	for _, cmd := range h.model.PowerOff {
		if err := h.run(ctx, cmd, h.model.Timing.PowerOff); err != nil {
			return nil, &BusyError{Op: op, Err: err, Busy: busy}
		}
	}

	return &OffPanel{h: h, gen: h.advance(Off)}, nil
}

// BusyPanel is a panel that has not been seen idle since its last command.
type BusyPanel struct {
	h   *handle
	gen uint64
}

// WaitIdle polls the busy line once more for up to timeout. On timeout b
// stays valid so the caller may poll again or abandon.
func (b *BusyPanel) WaitIdle(ctx context.Context, timeout time.Duration) (*ReadyPanel, error) {
	const op = "wait idle"
	h := b.h
	if err := h.claim(b.gen, Busy); err != nil {
		return nil, &Error{Op: op, State: h.state, Err: err}
	}
	if err := h.busy.waitIdle(ctx, timeout); err != nil {
		return nil, &BusyError{Op: op, Err: err, Busy: b}
	}
	return &ReadyPanel{h: h, gen: h.advance(Ready)}, nil
}

// Abandon gives up on the current operation. The returned Panel must be
// initialized again, which starts with a hardware reset.
func (b *BusyPanel) Abandon() (*Panel, error) {
	h := b.h
	if err := h.claim(b.gen, Busy); err != nil {
		return nil, &Error{Op: "abandon", State: h.state, Err: err}
	}
	return &Panel{h: h, gen: h.advance(Uninitialized)}, nil
}

// OffPanel is a panel in deep sleep.
type OffPanel struct {
	h   *handle
	gen uint64
}

// Wake returns an uninitialized Panel for the same bus and pins.
func (o *OffPanel) Wake() (*Panel, error) {
	h := o.h
	if err := h.claim(o.gen, Off); err != nil {
		return nil, &Error{Op: "wake", State: h.state, Err: err}
	}
	return &Panel{h: h, gen: h.advance(Uninitialized)}, nil
}
