package epd_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"epdframe/internal/epd"
	"epdframe/internal/epd/epdsim"
	"epdframe/internal/raster"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

// tenByTen is a small model with the opcodes of the built-in UC81xx model.
func tenByTen() epd.Model {
	m := epd.UC81xx2in9B
	m.Name = "test-10x10"
	m.Geometry = raster.Geometry{Width: 10, Height: 10}
	m.Init = []epd.Command{
		{Opcode: 0x04, WaitIdle: true},
		{Opcode: 0x00, Data: []byte{0x0F, 0x89}},
	}
	m.Timing = epd.Timing{
		PollInterval: 10 * time.Millisecond,
		Init:         time.Second,
		Refresh:      2 * time.Second,
		PowerOff:     time.Second,
	}
	return m
}

func newPanel(t *testing.T, m epd.Model, cfg epdsim.Config) (*epd.Panel, *epdsim.Panel) {
	t.Helper()
	sim := epdsim.New(m, cfg)
	p, err := epd.New(sim.Bus, sim.Pins(), &m, epd.WithClock(&fakeClock{}))
	require.NoError(t, err)
	return p, sim
}

func initialize(t *testing.T, p *epd.Panel) *epd.ReadyPanel {
	t.Helper()
	r, err := p.Initialize(context.Background())
	require.NoError(t, err)
	return r
}

func TestNewValidates(t *testing.T) {
	m := tenByTen()
	sim := epdsim.New(m, epdsim.Config{})

	_, err := epd.New(nil, sim.Pins(), &m)
	assert.Error(t, err)

	_, err = epd.New(sim.Bus, epd.Pins{DC: sim.DC}, &m)
	assert.Error(t, err)

	bad := m
	bad.Geometry = raster.Geometry{}
	_, err = epd.New(sim.Bus, sim.Pins(), &bad)
	assert.ErrorIs(t, err, raster.ErrInvalidGeometry)

	bad = m
	bad.AccentStart = bad.PrimaryStart
	_, err = epd.New(sim.Bus, sim.Pins(), &bad)
	assert.Error(t, err)

	_, err = epd.New(sim.Bus, sim.Pins(), nil)
	assert.Error(t, err)

	assert.Empty(t, sim.Events(), "New performs no I/O")
}

func TestInitializeSequence(t *testing.T) {
	p, sim := newPanel(t, tenByTen(), epdsim.Config{Latency: 3})
	initialize(t, p)

	ev := sim.Events()
	require.Len(t, ev, 8, sim.String())
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventReset, Level: gpio.High}, ev[0])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventReset, Level: gpio.Low}, ev[1])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventReset, Level: gpio.High}, ev[2])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventCommand, Opcode: 0x04}, ev[3])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventWait, Polls: 4}, ev[4])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventCommand, Opcode: 0x00}, ev[5])
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventData, Data: []byte{0x0F, 0x89}}, ev[6])
	assert.Equal(t, epdsim.EventWait, ev[7].Kind)
}

func TestInitializeTimeout(t *testing.T) {
	p, sim := newPanel(t, tenByTen(), epdsim.Config{Stuck: true})

	r, err := p.Initialize(context.Background())
	assert.Nil(t, r)
	require.ErrorIs(t, err, epd.ErrTimeout)

	var de *epd.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, epd.Uninitialized, de.State)
	assert.Equal(t, "initialize", de.Op)

	// The panel stays uninitialized and can be retried from scratch.
	sim.SetStuck(false)
	sim.ClearEvents()
	r = initialize(t, p)
	assert.NotNil(t, r)
	assert.Equal(t, epdsim.EventReset, sim.Events()[0].Kind, "retry starts with a reset pulse")
}

func TestInitializeBusFault(t *testing.T) {
	p, _ := newPanel(t, tenByTen(), epdsim.Config{FailTx: 1})
	_, err := p.Initialize(context.Background())
	assert.ErrorIs(t, err, epd.ErrBusFault)
	assert.ErrorIs(t, err, epdsim.ErrInjected)

	_, err = p.Initialize(context.Background())
	assert.NoError(t, err)
}

func TestUpdateEndToEnd(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)

	store, err := m.NewStore()
	require.NoError(t, err)
	store.Clear(raster.White)
	store.SetPixel(0, 0, raster.Black)
	store.SetPixel(9, 9, raster.Red)

	sim.ClearEvents()
	r, err = r.Update(context.Background(), store)
	require.NoError(t, err)
	require.NotNil(t, r)

	ev := sim.Events()
	require.Len(t, ev, 6, sim.String())
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventCommand, Opcode: 0x10}, ev[0])
	assert.Equal(t, epdsim.EventData, ev[1].Kind)
	assert.Len(t, ev[1].Data, 20)
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventCommand, Opcode: 0x13}, ev[2])
	assert.Equal(t, epdsim.EventData, ev[3].Kind)
	assert.Len(t, ev[3].Data, 20)
	assert.Equal(t, epdsim.Event{Kind: epdsim.EventCommand, Opcode: 0x12}, ev[4])
	assert.Equal(t, epdsim.EventWait, ev[5].Kind)

	primary, accent := store.Planes()
	gotP, gotA := sim.Frame()
	assert.Equal(t, primary, gotP)
	assert.Equal(t, accent, gotA)
	assert.Equal(t, byte(0x7F), gotP[0])
	assert.Equal(t, byte(0x40), gotA[19])
}

func TestUpdateChunkedUnderChipSelect(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{MaxTxSize: 8, ChipSelect: true})
	r := initialize(t, p)

	store, err := m.NewStore()
	require.NoError(t, err)
	sim.ClearEvents()
	_, err = r.Update(context.Background(), store)
	require.NoError(t, err)

	ev := sim.Events()
	require.Len(t, ev, 6, sim.String())
	assert.Len(t, ev[1].Data, 20, "chunks under one CS assertion form one burst")
	assert.Len(t, ev[3].Data, 20)
}

func TestUpdateChunkedUnderKernelChipSelect(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{MaxTxSize: 8})
	r := initialize(t, p)

	store, err := m.NewStore()
	require.NoError(t, err)
	store.SetPixel(9, 9, raster.Red)
	sim.ClearEvents()
	_, err = r.Update(context.Background(), store)
	require.NoError(t, err)

	ev := sim.Events()
	require.Len(t, ev, 6, sim.String())
	assert.Len(t, ev[1].Data, 20, "one burst per plane")
	assert.Len(t, ev[3].Data, 20)

	primary, accent := store.Planes()
	gotP, gotA := sim.Frame()
	assert.Equal(t, primary, gotP)
	assert.Equal(t, accent, gotA)
}

func TestUpdateInvalidGeometry(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)

	wrong, err := raster.NewStore(raster.Geometry{Width: 8, Height: 10}, m.Encoding)
	require.NoError(t, err)

	sim.ClearEvents()
	next, err := r.Update(context.Background(), wrong)
	assert.Nil(t, next)
	require.ErrorIs(t, err, epd.ErrInvalidGeometry)
	assert.Empty(t, sim.Events(), "no bus activity on a rejected raster")

	_, err = r.Update(context.Background(), nil)
	assert.ErrorIs(t, err, epd.ErrInvalidGeometry)

	// r was not consumed.
	right, err := m.NewStore()
	require.NoError(t, err)
	_, err = r.Update(context.Background(), right)
	assert.NoError(t, err)
}

func TestUpdateTimeoutLeavesBusy(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)
	store, err := m.NewStore()
	require.NoError(t, err)

	sim.SetStuck(true)
	next, err := r.Update(context.Background(), store)
	assert.Nil(t, next)
	require.ErrorIs(t, err, epd.ErrTimeout)

	var be *epd.BusyError
	require.True(t, errors.As(err, &be))
	require.NotNil(t, be.Busy)
	assert.Equal(t, "update", be.Op)

	// The old ready handle is gone.
	_, err = r.Update(context.Background(), store)
	assert.ErrorIs(t, err, epd.ErrConsumed)

	// Still stuck: re-polling fails but the busy handle stays usable.
	_, err = be.Busy.WaitIdle(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, epd.ErrTimeout)

	sim.SetStuck(false)
	ready, err := be.Busy.WaitIdle(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	_, err = ready.Update(context.Background(), store)
	assert.NoError(t, err)
}

func TestUpdateNotRetried(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)
	store, err := m.NewStore()
	require.NoError(t, err)

	sim.SetStuck(true)
	sim.ClearEvents()
	_, err = r.Update(context.Background(), store)
	require.Error(t, err)
	assert.Equal(t, []byte{0x10, 0x13, 0x12}, sim.Commands(), "refresh is issued exactly once")
}

func TestUpdateBusFaultAbandon(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)
	store, err := m.NewStore()
	require.NoError(t, err)

	sim.SetFailTx(2) // primary plane payload
	_, err = r.Update(context.Background(), store)
	require.ErrorIs(t, err, epd.ErrBusFault)

	var be *epd.BusyError
	require.True(t, errors.As(err, &be))

	fresh, err := be.Busy.Abandon()
	require.NoError(t, err)
	_, err = be.Busy.WaitIdle(context.Background(), time.Second)
	assert.ErrorIs(t, err, epd.ErrConsumed)

	sim.ClearEvents()
	r = initialize(t, fresh)
	assert.Equal(t, epdsim.EventReset, sim.Events()[0].Kind)
	_, err = r.Update(context.Background(), store)
	assert.NoError(t, err)
}

func TestPowerOffAndWake(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{Latency: 1})
	r := initialize(t, p)

	sim.ClearEvents()
	off, err := r.PowerOff(context.Background())
	require.NoError(t, err)
	require.NotNil(t, off)
	assert.Equal(t, []byte{0x02, 0x07}, sim.Commands())

	store, err := m.NewStore()
	require.NoError(t, err)
	_, err = r.Update(context.Background(), store)
	assert.ErrorIs(t, err, epd.ErrConsumed, "no transfer after power off through the old handle")
	_, err = r.PowerOff(context.Background())
	assert.ErrorIs(t, err, epd.ErrConsumed)

	p2, err := off.Wake()
	require.NoError(t, err)
	_, err = off.Wake()
	assert.ErrorIs(t, err, epd.ErrConsumed)

	// The original uninitialized handle was consumed by the first Initialize.
	_, err = p.Initialize(context.Background())
	assert.ErrorIs(t, err, epd.ErrConsumed)

	r2 := initialize(t, p2)
	_, err = r2.Update(context.Background(), store)
	assert.NoError(t, err)
}

func TestPowerOffTimeout(t *testing.T) {
	m := tenByTen()
	p, sim := newPanel(t, m, epdsim.Config{})
	r := initialize(t, p)

	sim.SetStuck(true)
	off, err := r.PowerOff(context.Background())
	assert.Nil(t, off)
	var be *epd.BusyError
	require.True(t, errors.As(err, &be))
	assert.ErrorIs(t, err, epd.ErrTimeout)
	assert.Equal(t, []byte{0x02}, sim.Commands()[len(sim.Commands())-1:], "deep sleep not sent while busy")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", epd.Uninitialized.String())
	assert.Equal(t, "ready", epd.Ready.String())
	assert.Equal(t, "busy", epd.Busy.String())
	assert.Equal(t, "off", epd.Off.String())
}

// flakyPin fails writes of one level once armed.
type flakyPin struct {
	*gpiotest.Pin
	failOn gpio.Level
	armed  bool
}

var errLine = errors.New("gpio: write failed")

func (f *flakyPin) Out(l gpio.Level) error {
	if f.armed && l == f.failOn {
		return errLine
	}
	return f.Pin.Out(l)
}

// failingClock fails the n-th Sleep.
type failingClock struct {
	fakeClock
	n, calls int
}

func (c *failingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.calls++
	if c.calls == c.n {
		return context.Canceled
	}
	return c.fakeClock.Sleep(ctx, d)
}

func TestUpdateControlLineFailureIsBusyError(t *testing.T) {
	m := tenByTen()
	sim := epdsim.New(m, epdsim.Config{})
	dc := &flakyPin{Pin: sim.DC, failOn: gpio.Low}
	pins := sim.Pins()
	pins.DC = dc
	p, err := epd.New(sim.Bus, pins, &m, epd.WithClock(&fakeClock{}))
	require.NoError(t, err)
	r := initialize(t, p)

	store, err := m.NewStore()
	require.NoError(t, err)
	dc.armed = true
	sim.ClearEvents()
	_, err = r.Update(context.Background(), store)
	require.ErrorIs(t, err, epd.ErrBusFault)
	require.ErrorIs(t, err, errLine)
	var be *epd.BusyError
	require.True(t, errors.As(err, &be), "the update had begun")
	assert.Empty(t, sim.Events(), "nothing reached the panel")

	dc.armed = false
	fresh, err := be.Busy.Abandon()
	require.NoError(t, err)
	initialize(t, fresh)
}

// stuckLowPin cannot be driven high again once it went low.
type stuckLowPin struct {
	*gpiotest.Pin
	wentLow bool
}

func (s *stuckLowPin) Out(l gpio.Level) error {
	if l == gpio.Low {
		s.wentLow = true
	} else if s.wentLow {
		return errLine
	}
	return s.Pin.Out(l)
}

func TestResetReleaseFailureIsReported(t *testing.T) {
	m := tenByTen()
	sim := epdsim.New(m, epdsim.Config{})
	pins := sim.Pins()
	pins.Reset = &stuckLowPin{Pin: &gpiotest.Pin{N: "RST", L: gpio.High}}
	// Sleep 1 is the lead time, sleep 2 the low pulse.
	p, err := epd.New(sim.Bus, pins, &m, epd.WithClock(&failingClock{n: 2}))
	require.NoError(t, err)

	_, err = p.Initialize(context.Background())
	assert.ErrorIs(t, err, epd.ErrTimeout, "interrupted pulse")
	assert.ErrorIs(t, err, epd.ErrBusFault, "release attempted and failed")
	assert.ErrorIs(t, err, errLine)
}
