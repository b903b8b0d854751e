package epd

import (
	"errors"
	"fmt"
	"time"

	"epdframe/internal/raster"
)

// Command is one opcode with its payload. Opcodes and payloads come from the
// panel datasheet; the driver does not interpret them.
type Command struct {
	Opcode byte
	Data   []byte

	// WaitIdle makes the driver poll the busy line right after the command,
	// for commands the datasheet marks as asynchronous (power on, refresh).
	WaitIdle bool

	// Delay is a fixed pause after the command (and after the idle wait).
	Delay time.Duration
}

// ResetTiming is the reset line pulse: high for Lead, low for Pulse, then
// high and Settle before the first command.
type ResetTiming struct {
	Lead   time.Duration
	Pulse  time.Duration
	Settle time.Duration
}

// Timing bounds every busy wait.
type Timing struct {
	PollInterval time.Duration
	Init         time.Duration
	Refresh      time.Duration
	PowerOff     time.Duration
}

// Model is the per-panel constant set: geometry, plane encoding and the
// command protocol.
type Model struct {
	Name     string
	Geometry raster.Geometry
	Encoding raster.Encoding

	// BusyActiveLow is true when the panel drives BUSY low while it is
	// working (UC81xx convention).
	BusyActiveLow bool

	Reset  ResetTiming
	Timing Timing

	// Init is sent after the reset pulse; the driver then waits for idle.
	Init []Command

	PrimaryStart byte // starts the primary (black/white) plane transfer
	AccentStart  byte // starts the accent (red) plane transfer
	Refresh      byte // triggers the physical redraw

	// PowerOff is sent before the panel enters deep sleep. The last command
	// is usually deep sleep itself.
	PowerOff []Command
}

// Default reset pulse and waits, used when a Model leaves them zero.
const (
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultInitTimeout     = 5 * time.Second
	DefaultRefreshTimeout  = 30 * time.Second
	DefaultPowerOffTimeout = 5 * time.Second

	minResetPulse = time.Millisecond
)

// UC81xx2in9B is a 128x296 tri-color panel on a UC81xx-family controller,
// with the command set used by the common Waveshare 2.9" (B) modules.
// Check every value against the datasheet of the actual module.
var UC81xx2in9B = Model{
	Name:          "uc81xx-2in9b",
	Geometry:      raster.Geometry{Width: 128, Height: 296},
	Encoding:      raster.DefaultEncoding,
	BusyActiveLow: true,
	Reset: ResetTiming{
		Lead:   50 * time.Millisecond,
		Pulse:  2 * time.Millisecond,
		Settle: 50 * time.Millisecond,
	},
	Timing: Timing{
		PollInterval: DefaultPollInterval,
		Init:         DefaultInitTimeout,
		Refresh:      DefaultRefreshTimeout,
		PowerOff:     DefaultPowerOffTimeout,
	},
	Init: []Command{
		{Opcode: 0x04, WaitIdle: true},                 // power on
		{Opcode: 0x00, Data: []byte{0x0F, 0x89}},       // panel setting
		{Opcode: 0x61, Data: []byte{0x80, 0x01, 0x28}}, // resolution 128x296
		{Opcode: 0x50, Data: []byte{0x77}},             // vcom and data interval
	},
	PrimaryStart: 0x10,
	AccentStart:  0x13,
	Refresh:      0x12,
	PowerOff: []Command{
		{Opcode: 0x02, WaitIdle: true},     // power off
		{Opcode: 0x07, Data: []byte{0xA5}}, // deep sleep
	},
}

// normalize fills zero timings with the package defaults.
func (m Model) normalize() Model {
	if m.Timing.PollInterval <= 0 {
		m.Timing.PollInterval = DefaultPollInterval
	}
	if m.Timing.Init <= 0 {
		m.Timing.Init = DefaultInitTimeout
	}
	if m.Timing.Refresh <= 0 {
		m.Timing.Refresh = DefaultRefreshTimeout
	}
	if m.Timing.PowerOff <= 0 {
		m.Timing.PowerOff = DefaultPowerOffTimeout
	}
	if m.Reset.Pulse < minResetPulse {
		m.Reset.Pulse = minResetPulse
	}
	return m
}

// Validate checks that the model can drive a panel.
func (m *Model) Validate() error {
	if m == nil {
		return errors.New("epd: model is nil")
	}
	if err := m.Geometry.Validate(); err != nil {
		return fmt.Errorf("epd: model %q: %w", m.Name, err)
	}
	if err := m.Encoding.Validate(); err != nil {
		return fmt.Errorf("epd: model %q: %w", m.Name, err)
	}
	if m.PrimaryStart == m.AccentStart {
		return fmt.Errorf("epd: model %q: primary and accent start opcodes are both 0x%02X", m.Name, m.PrimaryStart)
	}
	return nil
}

// NewStore allocates a raster matching the model.
func (m *Model) NewStore() (*raster.Store, error) {
	return raster.NewStore(m.Geometry, m.Encoding)
}
