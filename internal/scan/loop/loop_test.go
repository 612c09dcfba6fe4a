package loop

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/failure"
	"github.com/carescan/carescan/internal/scan/frame"
	"github.com/carescan/carescan/internal/scan/optic"
)

// fakeSource replays a fixed frame forever and records Close calls.
type fakeSource struct {
	mu       sync.Mutex
	seq      uint64
	closes   int
	notReady int // number of leading ticks with no frame
}

func (s *fakeSource) Next(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notReady > 0 {
		s.notReady--
		return nil, nil
	}
	s.seq++
	return &frame.Frame{Seq: s.seq, Width: 40, Height: 40, Pix: make([]uint8, 1600)}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) Mode() frame.Mode { return frame.ModeCamera }

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// alwaysDecoder finds the same symbol in every frame.
type alwaysDecoder struct{}

func (alwaysDecoder) Decode(*frame.Frame) *optic.DecodedSymbol {
	return &optic.DecodedSymbol{Text: "hit"}
}

// neverDecoder finds nothing.
type neverDecoder struct{}

func (neverDecoder) Decode(*frame.Frame) *optic.DecodedSymbol { return nil }

func testInterval() time.Duration { return 2 * time.Millisecond }

func TestEmitsExactlyOnce(t *testing.T) {
	src := &fakeSource{}
	var found int32
	c, err := New(Config{
		Source:   src,
		Decoder:  alwaysDecoder{},
		Interval: testInterval(),
		OnFound:  func(optic.DecodedSymbol) { atomic.AddInt32(&found, 1) },
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after first hit")
	}

	if n := atomic.LoadInt32(&found); n != 1 {
		t.Fatalf("found fired %d times", n)
	}
	if c.State() != StateFound {
		t.Fatalf("state = %q", c.State())
	}
	if src.closeCount() == 0 {
		t.Fatal("source not released after found")
	}
}

func TestSkipsTicksUntilFrameReady(t *testing.T) {
	src := &fakeSource{notReady: 3}
	var found int32
	c, _ := New(Config{
		Source:   src,
		Decoder:  alwaysDecoder{},
		Interval: testInterval(),
		OnFound:  func(optic.DecodedSymbol) { atomic.AddInt32(&found, 1) },
		Logger:   zerolog.Nop(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-c.Done()
	if atomic.LoadInt32(&found) != 1 {
		t.Fatal("loop should survive warmup ticks and still find the symbol")
	}
}

func TestCancelStopsAndReleases(t *testing.T) {
	src := &fakeSource{}
	c, _ := New(Config{
		Source:   src,
		Decoder:  neverDecoder{},
		Interval: testInterval(),
		OnFound:  func(optic.DecodedSymbol) { t.Error("found after cancel") },
		Logger:   zerolog.Nop(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	c.Cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	if c.State() != StateStopped {
		t.Fatalf("state = %q", c.State())
	}
	if src.closeCount() == 0 {
		t.Fatal("source not released on cancel")
	}
}

func TestCancelBeforeStartReleasesSource(t *testing.T) {
	src := &fakeSource{}
	c, _ := New(Config{Source: src, Decoder: neverDecoder{}, Logger: zerolog.Nop()})
	c.Cancel()
	if src.closeCount() != 1 {
		t.Fatal("source not released when cancelled before start")
	}
}

func TestStartTwiceRejected(t *testing.T) {
	src := &fakeSource{}
	c, _ := New(Config{Source: src, Decoder: alwaysDecoder{}, Interval: testInterval(), Logger: zerolog.Nop()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	<-c.Done()
}

func TestImageModeNoSymbol(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatal(err)
	}
	src, err := frame.NewImageSource(&buf)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	c, _ := New(Config{
		Source:   src,
		Decoder:  neverDecoder{},
		Interval: testInterval(),
		OnFound:  func(optic.DecodedSymbol) { t.Error("unexpected symbol") },
		OnError:  func(err error) { errs <- err },
		Logger:   zerolog.Nop(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if failure.KindOf(err) != failure.NoSymbolFound {
			t.Fatalf("kind = %q, want no_symbol_found", failure.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal outcome for undecodable image")
	}
	<-c.Done()
}

func TestDeviceErrorTerminates(t *testing.T) {
	src := &errSource{}
	errs := make(chan error, 1)
	c, _ := New(Config{
		Source:   src,
		Decoder:  neverDecoder{},
		Interval: testInterval(),
		OnError:  func(err error) { errs <- err },
		Logger:   zerolog.Nop(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if failure.KindOf(err) != failure.DeviceUnavailable {
			t.Fatalf("kind = %q", failure.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("device error never surfaced")
	}
	<-c.Done()
}

type errSource struct{ closes int32 }

func (s *errSource) Next(context.Context) (*frame.Frame, error) {
	return nil, failure.New(failure.DeviceUnavailable, "device fell over")
}
func (s *errSource) Close() error { atomic.AddInt32(&s.closes, 1); return nil }
func (s *errSource) Mode() frame.Mode { return frame.ModeCamera }
