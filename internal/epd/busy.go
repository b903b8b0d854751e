package epd

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Clock is the time source used for reset pulses, command delays and busy
// polling.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock. time.Now carries a monotonic reading, so
// elapsed-time checks are not affected by wall clock steps.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// busyLine polls the panel's BUSY output.
type busyLine struct {
	pin      gpio.PinIn
	active   gpio.Level
	clock    Clock
	interval time.Duration
}

func (b *busyLine) busy() bool {
	return b.pin.Read() == b.active
}

// waitIdle returns nil as soon as the busy line reads idle. Being a level
// signal, no transition can be missed; the interval only bounds how late
// the idle state is noticed.
func (b *busyLine) waitIdle(ctx context.Context, timeout time.Duration) error {
	start := b.clock.Now()
	for {
		if !b.busy() {
			return nil
		}
		elapsed := b.clock.Now().Sub(start)
		if elapsed >= timeout {
			return fmt.Errorf("%w: still busy after %s", ErrTimeout, elapsed)
		}
		step := b.interval
		if rem := timeout - elapsed; rem < step {
			step = rem
		}
		if err := b.clock.Sleep(ctx, step); err != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
}
