package epd

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Data/command line levels: D/C low selects a command byte, high a payload.
const (
	dcCommand = gpio.Low
	dcData    = gpio.High
)

// framer turns command and data requests into DC/CS/byte-stream framing.
//
// When the chip select line is driven by the kernel (spidev), cs is nil and
// each Tx is one CS assertion; a payload over the bus transfer limit is then
// sent as one TxPackets call with KeepCS on every chunk but the last. When a
// GPIO chip select is supplied, it is held for the whole burst even if the
// payload has to be split into several Tx calls.
type framer struct {
	c     conn.Conn
	pc    packetConn
	dc    gpio.PinOut
	cs    gpio.PinOut
	maxTx int
}

// packetConn is the part of spi.Conn needed to keep the kernel chip select
// asserted across chunks.
type packetConn interface {
	TxPackets(p []spi.Packet) error
}

func newFramer(c conn.Conn, dc, cs gpio.PinOut) *framer {
	f := &framer{c: c, dc: dc, cs: cs}
	if l, ok := c.(conn.Limits); ok {
		f.maxTx = l.MaxTxSize()
	}
	if pc, ok := c.(packetConn); ok {
		f.pc = pc
	}
	return f
}

// command sends a single opcode.
func (f *framer) command(op byte) error {
	return f.transfer(dcCommand, []byte{op})
}

// data sends a payload as one continuous burst.
func (f *framer) data(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return f.transfer(dcData, p)
}

// send issues a command followed by its payload.
func (f *framer) send(cmd Command) error {
	if err := f.command(cmd.Opcode); err != nil {
		return err
	}
	return f.data(cmd.Data)
}

// transfer sets DC before asserting CS and leaves it untouched until CS has
// been released again, so the panel never samples DC mid-transition.
func (f *framer) transfer(dc gpio.Level, p []byte) (err error) {
	if err := f.dc.Out(dc); err != nil {
		return fmt.Errorf("%w: set D/C: %w", ErrBusFault, err)
	}
	if f.cs != nil {
		if err := f.cs.Out(gpio.Low); err != nil {
			return fmt.Errorf("%w: assert CS: %w", ErrBusFault, err)
		}
		defer func() {
			if rerr := f.cs.Out(gpio.High); rerr != nil && err == nil {
				err = fmt.Errorf("%w: release CS: %w", ErrBusFault, rerr)
			}
		}()
	}
	if f.cs == nil && f.maxTx > 0 && len(p) > f.maxTx {
		return f.txPackets(p)
	}
	for len(p) > 0 {
		n := len(p)
		if f.maxTx > 0 && n > f.maxTx {
			n = f.maxTx
		}
		if err := f.c.Tx(p[:n], nil); err != nil {
			return fmt.Errorf("%w: tx %d bytes: %w", ErrBusFault, n, err)
		}
		p = p[n:]
	}
	return nil
}

// txPackets sends p as chunks of at most maxTx bytes under one kernel chip
// select assertion.
func (f *framer) txPackets(p []byte) error {
	if f.pc == nil {
		return fmt.Errorf("%w: %d byte burst exceeds the %d byte transfer limit and the bus cannot hold CS across transfers",
			ErrBusFault, len(p), f.maxTx)
	}
	pkts := make([]spi.Packet, 0, (len(p)+f.maxTx-1)/f.maxTx)
	for len(p) > 0 {
		n := len(p)
		if n > f.maxTx {
			n = f.maxTx
		}
		pkts = append(pkts, spi.Packet{W: p[:n], KeepCS: n < len(p)})
		p = p[n:]
	}
	if err := f.pc.TxPackets(pkts); err != nil {
		return fmt.Errorf("%w: tx %d packets: %w", ErrBusFault, len(pkts), err)
	}
	return nil
}
