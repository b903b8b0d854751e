// Package hw opens the real SPI port and GPIO lines of the panel through
// periph.io.
package hw

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"epdframe/internal/config"
	"epdframe/internal/epd"
)

// Binding is an opened SPI connection and configured pins, ready for
// epd.New.
type Binding struct {
	Conn spi.Conn
	Pins epd.Pins

	port spi.PortCloser
}

// Open initializes periph, connects to the configured SPI port in mode 0
// and prepares the control lines: DC low, reset and CS high (inactive),
// BUSY as input with pull-up.
func Open(spiCfg config.SPIConfig, pins config.PinsConfig) (*Binding, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hw: periph host init failed: %w", err)
	}

	port, err := spireg.Open(spiCfg.Port)
	if err != nil {
		return nil, fmt.Errorf("hw: failed to open SPI port %q: %w", spiCfg.Port, err)
	}

	c, err := port.Connect(physic.Frequency(spiCfg.SpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("hw: failed to connect SPI: %w", err)
	}

	b := &Binding{Conn: c, port: port}
	if b.Pins, err = openPins(pins); err != nil {
		_ = port.Close()
		return nil, err
	}
	return b, nil
}

func openPins(cfg config.PinsConfig) (epd.Pins, error) {
	var p epd.Pins
	var err error
	if p.DC, err = output(cfg.DC, gpio.Low); err != nil {
		return p, err
	}
	if p.Reset, err = output(cfg.Reset, gpio.High); err != nil {
		return p, err
	}
	if cfg.CS != "" {
		if p.CS, err = output(cfg.CS, gpio.High); err != nil {
			return p, err
		}
	}

	busy, err := lookup(cfg.Busy)
	if err != nil {
		return p, err
	}
	if err := busy.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return p, fmt.Errorf("hw: gpio %s In failed: %w", cfg.Busy, err)
	}
	p.Busy = busy
	return p, nil
}

func lookup(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, fmt.Errorf("hw: pin name is empty")
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hw: gpio %s not found", name)
	}
	return p, nil
}

func output(name string, initial gpio.Level) (gpio.PinOut, error) {
	p, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if err := p.Out(initial); err != nil {
		return nil, fmt.Errorf("hw: gpio %s Out failed: %w", name, err)
	}
	return p, nil
}

// Close releases the SPI port. Pins are left in their last state.
func (b *Binding) Close() error {
	if b == nil || b.port == nil {
		return nil
	}
	return b.port.Close()
}

// String describes the binding for logs.
func (b *Binding) String() string {
	if b == nil || b.Conn == nil {
		return "hw: closed"
	}
	return fmt.Sprintf("%s dc=%s rst=%s busy=%s", b.Conn, b.Pins.DC, b.Pins.Reset, b.Pins.Busy)
}
