// Package loop drives a frame source and decoder at a bounded rate until
// the first symbol is found, the source is exhausted, or the scan is
// cancelled.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/failure"
	"github.com/carescan/carescan/internal/scan/frame"
	"github.com/carescan/carescan/internal/scan/optic"
)

// Decoder is the single-frame decode contract the loop schedules.
type Decoder interface {
	Decode(f *frame.Frame) *optic.DecodedSymbol
}

// State of the detection machine.
type State string

const (
	StateSearching State = "searching"
	StateFound     State = "found"
	StateStopped   State = "stopped"
)

// Config assembles a controller. OnFound fires at most once per Start; an
// OnError fires instead when the scan ends without a symbol (exhausted
// image, device failure). Neither fires after Cancel.
type Config struct {
	Source   frame.Source
	Decoder  Decoder
	Interval time.Duration
	OnFound  func(sym optic.DecodedSymbol)
	OnError  func(err error)
	Logger   zerolog.Logger
}

// Controller owns one scan attempt. It runs a single cooperative goroutine
// that ticks at the configured interval; only one attempt may be active at
// a time and a controller cannot be restarted.
type Controller struct {
	src      frame.Source
	dec      Decoder
	interval time.Duration
	onFound  func(sym optic.DecodedSymbol)
	onError  func(err error)
	log      zerolog.Logger

	mu      sync.Mutex
	state   State
	started bool
	fired   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("loop: source is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("loop: decoder is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / 15
	}
	return &Controller{
		src:      cfg.Source,
		dec:      cfg.Decoder,
		interval: cfg.Interval,
		onFound:  cfg.OnFound,
		onError:  cfg.OnError,
		log:      cfg.Logger,
		state:    StateSearching,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop goroutine. A controller starts at most once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("loop: already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Cancel stops scheduling within one tick and releases the source. Safe to
// call at any time, including before Start and after completion.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	if c.state == StateSearching {
		c.state = StateStopped
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		// Never ran; release the source here since run() won't.
		_ = c.src.Close()
	}
}

// State returns the current detection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the loop goroutine has fully exited and the source
// has been released.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.src.Close()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return
		case <-ticker.C:
			if c.tick(ctx) {
				return
			}
		}
	}
}

// tick advances the machine by one frame. It returns true when the loop
// must stop scheduling.
func (c *Controller) tick(ctx context.Context) bool {
	f, err := c.src.Next(ctx)
	if err != nil {
		if errors.Is(err, frame.ErrExhausted) {
			// Single-shot source consumed without a decode: distinct
			// terminal outcome, not a device error.
			c.finish(failure.New(failure.NoSymbolFound, "no symbol in image"))
			return true
		}
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return true
		}
		c.finish(err)
		return true
	}
	if f == nil {
		// Source not producing data yet; skip this tick.
		return false
	}

	sym := c.dec.Decode(f)
	if sym == nil {
		return false
	}

	c.mu.Lock()
	if c.fired || c.state != StateSearching {
		c.mu.Unlock()
		return true
	}
	c.fired = true
	c.state = StateFound
	onFound := c.onFound
	c.mu.Unlock()

	// Release the device before handing the symbol on, so no capture
	// overlaps the resolution that follows.
	_ = c.src.Close()

	c.log.Debug().Uint64("frame_seq", f.Seq).Msg("symbol found")
	if onFound != nil {
		onFound(*sym)
	}
	return true
}

// finish ends the scan with a terminal error, firing OnError at most once
// and never after a symbol was already emitted.
func (c *Controller) finish(err error) {
	c.mu.Lock()
	if c.fired || c.state != StateSearching {
		c.mu.Unlock()
		return
	}
	c.fired = true
	c.state = StateStopped
	onError := c.onError
	c.mu.Unlock()

	c.log.Debug().Str("kind", string(failure.KindOf(err))).Msg("scan ended without symbol")
	if onError != nil {
		onError(err)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == StateSearching {
		c.state = s
	}
	c.mu.Unlock()
}
