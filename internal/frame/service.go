// Package frame runs the refresh cycle: render a source into the raster,
// push it to the panel, and keep track of the driver state in between.
package frame

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"sync"
	"time"

	"epdframe/internal/convert"
	"epdframe/internal/epd"
	"epdframe/internal/log"
	"epdframe/internal/raster"
	"epdframe/internal/source"
)

// Options tunes the refresh cycle.
type Options struct {
	Convert convert.Options

	// BusyRetries is how many extra busy waits a failed refresh gets before
	// the panel is abandoned; the next refresh then starts with a reset.
	BusyRetries int

	// RetryTimeout bounds each extra busy wait. Zero uses the model's
	// refresh timeout.
	RetryTimeout time.Duration

	// PowerOff puts the panel into deep sleep after every refresh.
	PowerOff bool

	// DumpDir, if set, receives the planes and a preview after every render.
	DumpDir string

	// RenderOnly skips the panel entirely.
	RenderOnly bool
}

// Status is a snapshot of the service, safe to serialize.
type Status struct {
	Panel       string    `json:"panel"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	State       string    `json:"state"`
	Source      string    `json:"source"`
	Refreshes   int       `json:"refreshes"`
	Failures    int       `json:"failures"`
	Refreshing  bool      `json:"refreshing"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastTook    string    `json:"last_took,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// ErrSourceFailed wraps errors from the frame source or the conversion; the
// panel is not touched in that case.
var ErrSourceFailed = errors.New("frame: render failed")

// Service owns the panel driver. Refreshes are serialized; Status, Preview
// and Subscribe may be called concurrently with a refresh.
type Service struct {
	src  source.Source
	opts Options
	geo  raster.Geometry
	name string

	// mu serializes refreshes and guards the driver handles and work.
	mu    sync.Mutex
	panel *epd.Panel
	ready *epd.ReadyPanel
	off   *epd.OffPanel
	work  *raster.Store

	// smu guards everything a reader may see during a refresh.
	smu    sync.RWMutex
	status Status
	shown  *raster.Store
	subs   map[chan Status]struct{}
}

// New builds a service around an uninitialized panel. The panel is not
// touched until the first Refresh.
func New(p *epd.Panel, src source.Source, opts Options) (*Service, error) {
	if p == nil {
		return nil, errors.New("frame: panel is nil")
	}
	if src == nil {
		return nil, errors.New("frame: source is nil")
	}
	m := p.Model()
	work, err := m.NewStore()
	if err != nil {
		return nil, err
	}
	shown, err := m.NewStore()
	if err != nil {
		return nil, err
	}
	if opts.BusyRetries < 0 {
		opts.BusyRetries = 0
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = m.Timing.Refresh
	}

	s := &Service{
		src:   src,
		opts:  opts,
		geo:   m.Geometry,
		name:  m.Name,
		panel: p,
		work:  work,
		shown: shown,
		subs:  map[chan Status]struct{}{},
	}
	s.status = Status{
		Panel:  m.Name,
		Width:  m.Geometry.Width,
		Height: m.Geometry.Height,
		State:  epd.Uninitialized.String(),
		Source: src.String(),
	}
	return s, nil
}

// sourceGeometry is the size the source should render at, before rotation.
func (s *Service) sourceGeometry() raster.Geometry {
	switch s.opts.Convert.Rotate {
	case 90, 270:
		return raster.Geometry{Width: s.geo.Height, Height: s.geo.Width}
	}
	return s.geo
}

// Refresh renders the source and pushes it to the panel.
func (s *Service) Refresh(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.setStatus(func(st *Status) { st.Refreshing = true })

	err := s.refresh(ctx)

	took := time.Since(start)
	st := s.setStatus(func(st *Status) {
		st.Refreshing = false
		st.State = s.state().String()
		st.LastTook = took.Round(time.Millisecond).String()
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
			return
		}
		st.Refreshes++
		st.LastRefresh = start
		st.LastError = ""
	})
	if err != nil {
		log.Error("refresh failed", err, "state", st.State, "took", took)
	} else {
		log.Info("refresh done", "source", s.src, "state", st.State, "took", took)
	}
	s.notify(st)
	return st, err
}

func (s *Service) refresh(ctx context.Context) error {
	if err := s.render(ctx); err != nil {
		return err
	}
	if s.opts.RenderOnly {
		return nil
	}

	ready, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}

	next, err := ready.Update(ctx, s.work)
	if err != nil {
		var be *epd.BusyError
		if !errors.As(err, &be) {
			// Rejected before any bus activity; ready is still ours.
			return err
		}
		s.ready = nil
		if next, err = s.recover(ctx, be); err != nil {
			return err
		}
	}
	s.ready = next

	if s.opts.PowerOff {
		return s.powerOff(ctx)
	}
	return nil
}

// render draws the source into the work raster and publishes it as the
// preview.
func (s *Service) render(ctx context.Context) error {
	img, err := s.src.Frame(ctx, s.sourceGeometry())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSourceFailed, s.src, err)
	}
	s.work.Clear(raster.White)
	if err := convert.Draw(s.work, img, s.opts.Convert); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}

	primary, accent := s.work.Planes()
	s.smu.Lock()
	err = s.shown.Load(primary, accent)
	s.smu.Unlock()
	if err != nil {
		return err
	}

	if s.opts.DumpDir != "" {
		if err := Dump(s.opts.DumpDir, s.work); err != nil {
			log.Error("dump failed", err, "dir", s.opts.DumpDir)
		}
	}
	return nil
}

// ensureReady brings the driver to Ready, waking and initializing as needed.
// A failed initialization leaves the panel uninitialized for the next try.
func (s *Service) ensureReady(ctx context.Context) (*epd.ReadyPanel, error) {
	if s.ready != nil {
		return s.ready, nil
	}
	if s.off != nil {
		p, err := s.off.Wake()
		if err != nil {
			return nil, err
		}
		s.off, s.panel = nil, p
	}
	if s.panel == nil {
		return nil, errors.New("frame: panel handle lost")
	}
	log.Debug("initializing panel", "panel", s.name)
	r, err := s.panel.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	s.ready, s.panel = r, nil
	return r, nil
}

// recover re-polls a busy panel up to BusyRetries times, then abandons it.
func (s *Service) recover(ctx context.Context, be *epd.BusyError) (*epd.ReadyPanel, error) {
	busy := be.Busy
	err := error(be)
	if errors.Is(err, epd.ErrTimeout) {
		for i := 0; i < s.opts.BusyRetries; i++ {
			if ctx.Err() != nil {
				break
			}
			log.Warn("panel still busy, waiting again", "attempt", i+1, "of", s.opts.BusyRetries)
			r, werr := busy.WaitIdle(ctx, s.opts.RetryTimeout)
			if werr == nil {
				return r, nil
			}
			err = werr
		}
	}

	p, aerr := busy.Abandon()
	if aerr != nil {
		return nil, errors.Join(err, aerr)
	}
	s.panel = p
	log.Warn("panel abandoned, it will be reset on the next refresh", "panel", s.name)
	return nil, err
}

func (s *Service) powerOff(ctx context.Context) error {
	off, err := s.ready.PowerOff(ctx)
	s.ready = nil
	if err != nil {
		var be *epd.BusyError
		if errors.As(err, &be) {
			if p, aerr := be.Busy.Abandon(); aerr == nil {
				s.panel = p
			}
		}
		return err
	}
	s.off = off
	return nil
}

// Shutdown powers the panel off if it is ready. It waits for a running
// refresh to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.ready != nil {
		err = s.powerOff(ctx)
	}
	st := s.setStatus(func(st *Status) { st.State = s.state().String() })
	s.notify(st)
	if err != nil {
		return fmt.Errorf("frame: shutdown: %w", err)
	}
	return nil
}

// state is the driver state; callers hold mu.
func (s *Service) state() epd.State {
	switch {
	case s.ready != nil:
		return epd.Ready
	case s.off != nil:
		return epd.Off
	default:
		return epd.Uninitialized
	}
}

// Status returns the current snapshot.
func (s *Service) Status() Status {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.status
}

func (s *Service) setStatus(f func(*Status)) Status {
	s.smu.Lock()
	defer s.smu.Unlock()
	f(&s.status)
	return s.status
}

// Preview writes the last rendered raster as a PNG, in the three panel
// colors.
func (s *Service) Preview(w io.Writer) error {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return png.Encode(w, s.shown)
}

// Subscribe returns a channel receiving the status after every refresh and
// a function to cancel the subscription. Slow subscribers miss updates;
// only the latest status is kept.
func (s *Service) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	s.smu.Lock()
	s.subs[ch] = struct{}{}
	s.smu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.smu.Lock()
			delete(s.subs, ch)
			s.smu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) notify(st Status) {
	s.smu.RLock()
	defer s.smu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Drop the stale update and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
