// Package battery reads the supply state of a battery-powered frame from a
// PiSugar-style I2C power controller.
package battery

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Status represents current battery status for Web UI / API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how we obtain battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Registers locates the values in the controller's register map.
type Registers struct {
	VoltageHigh byte
	VoltageLow  byte
	Percent     byte
}

// PiSugar3 is the register layout of the PiSugar 3 controller:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
var PiSugar3 = Registers{VoltageHigh: 0x22, VoltageLow: 0x23, Percent: 0x2A}

// DefaultAddr is the PiSugar 3 I2C address.
const DefaultAddr = 0x57

// I2CReader talks to the controller over an already opened bus.
type I2CReader struct {
	mu   sync.Mutex
	dev  *i2c.Dev
	regs Registers
}

// NewI2CReader wraps bus. The reader does not own the bus.
func NewI2CReader(bus i2c.Bus, addr uint16, regs Registers) *I2CReader {
	return &I2CReader{dev: &i2c.Dev{Bus: bus, Addr: addr}, regs: regs}
}

func (r *I2CReader) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := r.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read register 0x%02X: %w", reg, err)
	}
	return buf[0], nil
}

// Read implements Reader.
func (r *I2CReader) Read(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	high, err := r.readReg(r.regs.VoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := r.readReg(r.regs.VoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := r.readReg(r.regs.Percent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// Open initializes periph and opens the named I2C bus ("" for the first
// one, typically /dev/i2c-1 on a Raspberry Pi). Close the returned bus on
// exit.
func Open(busName string, addr uint16) (*I2CReader, i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("battery: periph host init failed: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("battery: open i2c bus %q: %w", busName, err)
	}
	return NewI2CReader(bus, addr, PiSugar3), bus, nil
}
