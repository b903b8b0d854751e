// Package epdsim simulates a tri-color e-paper panel behind periph.io bus
// and pin interfaces. It records what the driver does on the wire, emulates
// the BUSY line, and keeps the last frame the panel received.
package epdsim

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"epdframe/internal/epd"
)

// ErrInjected is returned by the bus for the transfer selected by
// Config.FailTx.
var ErrInjected = errors.New("epdsim: injected bus fault")

// EventKind classifies a recorded event.
type EventKind int

const (
	EventReset   EventKind = iota // reset line written
	EventCommand                  // one opcode with D/C low
	EventData                     // one contiguous payload burst with D/C high
	EventWait                     // consecutive BUSY reads
)

func (k EventKind) String() string {
	switch k {
	case EventReset:
		return "reset"
	case EventCommand:
		return "command"
	case EventData:
		return "data"
	case EventWait:
		return "wait"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry of the wire log.
type Event struct {
	Kind   EventKind
	Level  gpio.Level // EventReset
	Opcode byte       // EventCommand
	Data   []byte     // EventData
	Polls  int        // EventWait: number of BUSY reads
}

func (e Event) String() string {
	switch e.Kind {
	case EventReset:
		return "reset " + e.Level.String()
	case EventCommand:
		return fmt.Sprintf("command 0x%02X", e.Opcode)
	case EventData:
		return fmt.Sprintf("data %d bytes", len(e.Data))
	case EventWait:
		return fmt.Sprintf("wait %d polls", e.Polls)
	}
	return e.Kind.String()
}

// Config tunes the simulated panel.
type Config struct {
	// Latency is how many BUSY reads report busy after each command.
	Latency int
	// Stuck keeps BUSY asserted forever.
	Stuck bool
	// MaxTxSize, when non-zero, is reported through conn.Limits.
	MaxTxSize int
	// FailTx makes the n-th Tx (1-based) fail with ErrInjected.
	FailTx int
	// ChipSelect adds a GPIO chip select line to Pins.
	ChipSelect bool
}

// Panel is a simulated panel. All its methods are safe for concurrent use.
type Panel struct {
	model epd.Model
	cfg   Config

	DC    *gpiotest.Pin
	Reset *RecordingPin
	Busy  *BusyPin
	CS    *RecordingPin
	Bus   *Bus

	mu       sync.Mutex
	events   []Event
	pending  int
	txCount  int
	csHeld   bool
	joinData bool
	target   *[]byte
	primary  []byte
	accent   []byte
}

// New builds a simulated panel speaking the protocol of m.
func New(m epd.Model, cfg Config) *Panel {
	p := &Panel{model: m, cfg: cfg}
	p.DC = &gpiotest.Pin{N: "DC", Num: 25}
	p.Reset = &RecordingPin{Pin: &gpiotest.Pin{N: "RST", Num: 17, L: gpio.High}, onOut: p.resetOut}
	p.Busy = &BusyPin{Pin: &gpiotest.Pin{N: "BUSY", Num: 24}, p: p}
	p.CS = &RecordingPin{Pin: &gpiotest.Pin{N: "CS", Num: 8, L: gpio.High}, onOut: p.csOut}
	p.Bus = &Bus{p: p}
	return p
}

// Pins returns the control lines to hand to epd.New.
func (p *Panel) Pins() epd.Pins {
	pins := epd.Pins{DC: p.DC, Reset: p.Reset, Busy: p.Busy}
	if p.cfg.ChipSelect {
		pins.CS = p.CS
	}
	return pins
}

// SetStuck changes whether BUSY is held asserted.
func (p *Panel) SetStuck(stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Stuck = stuck
}

// SetLatency changes the number of busy reads after each command.
func (p *Panel) SetLatency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Latency = n
}

// SetFailTx arms a bus fault on the n-th Tx from now; 0 disarms it.
func (p *Panel) SetFailTx(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.cfg.FailTx = p.txCount + n
	} else {
		p.cfg.FailTx = 0
	}
}

// Events returns a copy of the wire log.
func (p *Panel) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ClearEvents empties the wire log. The received frame is kept.
func (p *Panel) ClearEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// Commands returns the opcodes sent so far, in order.
func (p *Panel) Commands() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ops []byte
	for _, e := range p.events {
		if e.Kind == EventCommand {
			ops = append(ops, e.Opcode)
		}
	}
	return ops
}

// Frame returns copies of the last primary and accent planes received.
func (p *Panel) Frame() (primary, accent []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.primary...), append([]byte(nil), p.accent...)
}

// String renders the wire log, one event per line.
func (p *Panel) String() string {
	var b strings.Builder
	for _, e := range p.Events() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func (p *Panel) busyLevels() (active, idle gpio.Level) {
	if p.model.BusyActiveLow {
		return gpio.Low, gpio.High
	}
	return gpio.High, gpio.Low
}

func (p *Panel) readBusy() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.events); n > 0 && p.events[n-1].Kind == EventWait {
		p.events[n-1].Polls++
	} else {
		p.events = append(p.events, Event{Kind: EventWait, Polls: 1})
	}

	active, idle := p.busyLevels()
	if p.cfg.Stuck {
		return active
	}
	if p.pending > 0 {
		p.pending--
		return active
	}
	return idle
}

func (p *Panel) resetOut(l gpio.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Kind: EventReset, Level: l})
}

func (p *Panel) csOut(l gpio.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.csHeld = l == gpio.Low
	p.joinData = false
}

func (p *Panel) tx(w []byte) error {
	dc := p.DC.Read()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.countTx(); err != nil {
		return err
	}
	p.record(dc, w)
	p.joinData = p.csHeld
	return nil
}

// txPackets is one kernel transfer: packets marked KeepCS run into the next
// one without releasing chip select, so their payloads form one burst.
func (p *Panel) txPackets(pkts []spi.Packet) error {
	dc := p.DC.Read()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.countTx(); err != nil {
		return err
	}
	for _, pk := range pkts {
		p.record(dc, pk.W)
		p.joinData = p.csHeld || pk.KeepCS
	}
	p.joinData = p.csHeld
	return nil
}

func (p *Panel) countTx() error {
	p.txCount++
	if p.cfg.FailTx > 0 && p.txCount == p.cfg.FailTx {
		return ErrInjected
	}
	return nil
}

// record logs w as commands or data depending on the D/C level. Callers
// hold mu.
func (p *Panel) record(dc gpio.Level, w []byte) {
	if len(w) == 0 {
		return
	}
	if dc == gpio.Low {
		for _, op := range w {
			p.events = append(p.events, Event{Kind: EventCommand, Opcode: op})
			p.command(op)
		}
		p.joinData = false
		return
	}

	if n := len(p.events); p.joinData && n > 0 && p.events[n-1].Kind == EventData {
		p.events[n-1].Data = append(p.events[n-1].Data, w...)
	} else {
		p.events = append(p.events, Event{Kind: EventData, Data: append([]byte(nil), w...)})
	}
	if p.target != nil {
		*p.target = append(*p.target, w...)
	}
}

func (p *Panel) command(op byte) {
	p.pending = p.cfg.Latency
	switch op {
	case p.model.PrimaryStart:
		p.primary = p.primary[:0]
		p.target = &p.primary
	case p.model.AccentStart:
		p.accent = p.accent[:0]
		p.target = &p.accent
	default:
		p.target = nil
	}
}

// Bus is the simulated SPI connection. It implements conn.Conn, conn.Limits
// and the TxPackets method of spi.Conn.
type Bus struct {
	p *Panel
}

func (b *Bus) String() string {
	return "epdsim"
}

// Tx records w. Reads are not supported by the panel and r is ignored.
func (b *Bus) Tx(w, r []byte) error {
	return b.p.tx(w)
}

// TxPackets records the packets as one transfer. It counts as a single Tx
// for Config.FailTx.
func (b *Bus) TxPackets(pkts []spi.Packet) error {
	return b.p.txPackets(pkts)
}

func (b *Bus) Duplex() conn.Duplex {
	return conn.Half
}

func (b *Bus) MaxTxSize() int {
	return b.p.cfg.MaxTxSize
}

var (
	_ conn.Conn   = (*Bus)(nil)
	_ conn.Limits = (*Bus)(nil)
)

// RecordingPin is an output pin that reports every write to the panel.
type RecordingPin struct {
	*gpiotest.Pin
	onOut func(gpio.Level)
}

func (r *RecordingPin) Out(l gpio.Level) error {
	if err := r.Pin.Out(l); err != nil {
		return err
	}
	r.onOut(l)
	return nil
}

// BusyPin is the simulated BUSY output of the panel.
type BusyPin struct {
	*gpiotest.Pin
	p *Panel
}

func (b *BusyPin) Read() gpio.Level {
	return b.p.readBusy()
}
