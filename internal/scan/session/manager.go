package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/failure"
	"github.com/carescan/carescan/internal/scan/frame"
	"github.com/carescan/carescan/internal/scan/loop"
	"github.com/carescan/carescan/internal/scan/optic"
	"github.com/carescan/carescan/internal/scan/payload"
	"github.com/carescan/carescan/internal/scan/resolver"
)

// Resolver is the token exchange the manager depends on. Each call
// consumes one use server-side, so the manager never calls it
// speculatively and never concurrently for the same session.
type Resolver interface {
	Resolve(ctx context.Context, token, pin string) (*resolver.Grant, error)
}

// LegacyLookup handles inline legacy records outside the token protocol.
type LegacyLookup interface {
	Lookup(fields map[string]string) (*resolver.Grant, error)
}

// Config assembles a Manager.
type Config struct {
	Resolver Resolver
	Legacy   LegacyLookup
	Sink     Sink
	// DecoderFor supplies the single-frame decoder for a source mode.
	// Image sources get the inverted-polarity fallback, camera sources
	// the faster normal-only path.
	DecoderFor func(mode frame.Mode) loop.Decoder
	// Interval bounds the scan loop rate.
	Interval time.Duration
	// Timeout ends a scan that never finds a symbol. Zero disables it.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// DefaultDecoderFor is the production decoder factory.
func DefaultDecoderFor(mode frame.Mode) loop.Decoder {
	if mode == frame.ModeImage {
		return optic.NewWithInversion()
	}
	return optic.New()
}

// Manager owns one ScanSession and is the only writer of its state. All
// mutation happens under one mutex, and callbacks from the loop or a
// resolver goroutine are re-validated against the session generation, so
// a reset can never be overwritten by a stale result.
type Manager struct {
	id       uuid.UUID
	resolver Resolver
	legacy   LegacyLookup
	sink     Sink
	decFor   func(mode frame.Mode) loop.Decoder
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu           sync.Mutex
	state        State
	payload      payload.Payload
	pendingToken string
	grant        *resolver.Grant
	redirectURL  string
	lastError    failure.Kind

	generation  uint64
	loopCtl     *loop.Controller
	pinInFlight bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("session: resolver is required")
	}
	if cfg.DecoderFor == nil {
		cfg.DecoderFor = DefaultDecoderFor
	}
	if cfg.Legacy == nil {
		cfg.Legacy = InlineLegacy{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / 15
	}
	id := uuid.New()
	return &Manager{
		id:       id,
		resolver: cfg.Resolver,
		legacy:   cfg.Legacy,
		sink:     cfg.Sink,
		decFor:   cfg.DecoderFor,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      cfg.Logger.With().Str("component", "session").Str("session_id", id.String()).Logger(),
		state:    StateIdle,
	}, nil
}

// ID identifies the session to the presentation layer.
func (m *Manager) ID() uuid.UUID { return m.id }

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current projection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          m.id,
		State:       m.state,
		LastError:   m.lastError,
		Grant:       m.grant,
		RedirectURL: m.redirectURL,
	}
	if m.payload != nil {
		snap.PayloadKind = m.payload.Kind()
	}
	return snap
}

// Start begins scanning frames from src. A new scan is accepted from idle
// or, as the "try again" path after a terminal failure, from failed; every
// other state requires an explicit reset first. The manager takes
// ownership of src and releases it on every exit path.
func (m *Manager) Start(ctx context.Context, src frame.Source) error {
	m.mu.Lock()

	if m.state != StateIdle && m.state != StateFailed {
		state := m.state
		m.mu.Unlock()
		_ = src.Close()
		return fmt.Errorf("session: cannot start scan in state %q", state)
	}

	gen := m.generation
	m.state = StateScanning
	m.lastError = ""
	m.payload = nil
	m.grant = nil
	m.redirectURL = ""
	m.pendingToken = ""
	m.pinInFlight = false

	ctl, err := loop.New(loop.Config{
		Source:   src,
		Decoder:  m.decFor(src.Mode()),
		Interval: m.interval,
		OnFound:  func(sym optic.DecodedSymbol) { m.onSymbol(gen, sym.Text) },
		OnError:  func(err error) { m.onScanError(gen, err) },
		Logger:   m.log,
	})
	if err != nil {
		m.state = StateIdle
		m.mu.Unlock()
		_ = src.Close()
		return err
	}
	m.loopCtl = ctl

	if err := ctl.Start(ctx); err != nil {
		m.state = StateIdle
		m.loopCtl = nil
		m.mu.Unlock()
		ctl.Cancel()
		return err
	}

	if m.timeout > 0 {
		timeout := m.timeout
		time.AfterFunc(timeout, func() { m.onScanTimeout(gen) })
	}

	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info().Str("mode", string(src.Mode())).Msg("scan started")
	m.emit(snap)
	return nil
}

// SubmitPin re-invokes the resolver with the pending token and the user's
// PIN. Submissions are strictly sequential: a second submit while one is
// in flight is rejected, which prevents double-consuming the use counter.
func (m *Manager) SubmitPin(pin string) error {
	m.mu.Lock()

	if m.state != StatePinRequired {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: no PIN expected in state %q", state)
	}
	if m.pinInFlight {
		m.mu.Unlock()
		return fmt.Errorf("session: a PIN submission is already in flight")
	}
	if pin == "" {
		m.mu.Unlock()
		return fmt.Errorf("session: pin is required")
	}

	gen := m.generation
	token := m.pendingToken
	m.pinInFlight = true
	m.state = StateResolving
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
	go m.resolve(gen, token, pin)
	return nil
}

// Cancel stops whatever the session is doing, releases any held camera
// device, and returns the session to idle.
func (m *Manager) Cancel() { m.reset("cancelled") }

// Reset is the "scan another" path: a full return to idle.
func (m *Manager) Reset() { m.reset("reset") }

func (m *Manager) reset(why string) {
	m.mu.Lock()
	m.generation++
	ctl := m.loopCtl
	m.loopCtl = nil
	m.state = StateIdle
	m.payload = nil
	m.pendingToken = ""
	m.grant = nil
	m.redirectURL = ""
	m.lastError = ""
	m.pinInFlight = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if ctl != nil {
		ctl.Cancel()
	}
	m.log.Info().Str("reason", why).Msg("session reset")
	m.emit(snap)
}

// onSymbol handles the single decoded symbol of a scan attempt.
func (m *Manager) onSymbol(gen uint64, text string) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateScanning {
		m.mu.Unlock()
		return
	}

	m.state = StateClassifying
	p := payload.Classify(text)
	m.payload = p

	var snaps []Snapshot
	snaps = append(snaps, m.snapshotLocked())

	switch p := p.(type) {
	case payload.Redirect:
		// Terminal hand-off to navigation; the resolver is never called.
		m.state = StateRedirecting
		m.redirectURL = p.URL
		snaps = append(snaps, m.snapshotLocked())
		m.mu.Unlock()
		m.emitAll(snaps)
		return

	case payload.Token:
		m.state = StateResolving
		snaps = append(snaps, m.snapshotLocked())
		m.mu.Unlock()
		m.emitAll(snaps)
		go m.resolve(gen, p.Token, "")
		return

	case payload.Legacy:
		// Inline record: bypass the resolver entirely.
		m.state = StateResolving
		snaps = append(snaps, m.snapshotLocked())
		m.mu.Unlock()
		m.emitAll(snaps)
		m.finishLegacy(gen, p.Fields)
		return

	case payload.Unrecognized:
		// Unreachable from Classify, handled for exhaustiveness.
		m.state = StateFailed
		m.lastError = failure.Unexpected
		snaps = append(snaps, m.snapshotLocked())
		m.mu.Unlock()
		m.emitAll(snaps)
		return
	}

	m.mu.Unlock()
}

func (m *Manager) finishLegacy(gen uint64, fields map[string]string) {
	grant, err := m.legacy.Lookup(fields)

	m.mu.Lock()
	if gen != m.generation || m.state != StateResolving {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.state = StateFailed
		m.lastError = failure.KindOf(err)
	} else {
		m.state = StateResolved
		m.grant = grant
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// resolve runs one resolver call and applies the outcome unless the
// session has been reset since the call was issued.
func (m *Manager) resolve(gen uint64, token, pin string) {
	grant, err := m.resolver.Resolve(context.Background(), token, pin)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.log.Debug().Msg("discarding stale resolution result")
		return
	}
	if m.state != StateResolving {
		m.mu.Unlock()
		return
	}
	m.pinInFlight = false

	if err == nil {
		m.state = StateResolved
		m.grant = grant
		m.pendingToken = ""
		m.lastError = ""
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.log.Info().Msg("token resolved")
		m.emit(snap)
		return
	}

	kind := failure.KindOf(err)
	switch kind {
	case failure.PinRequired:
		// Recoverable: hold the token and wait for the user's PIN.
		m.state = StatePinRequired
		m.pendingToken = token
		m.lastError = failure.PinRequired
	case failure.InvalidPin:
		// Recoverable: stay in the PIN sub-protocol, token untouched.
		m.state = StatePinRequired
		m.lastError = failure.InvalidPin
	default:
		m.state = StateFailed
		m.lastError = kind
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info().Str("kind", string(kind)).Msg("resolution did not complete")
	m.emit(snap)
}

func (m *Manager) onScanError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.lastError = failure.KindOf(err)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *Manager) onScanTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	ctl := m.loopCtl
	m.loopCtl = nil
	m.state = StateFailed
	m.lastError = failure.NoSymbolFound
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if ctl != nil {
		ctl.Cancel()
	}
	m.log.Info().Msg("scan timed out without a symbol")
	m.emit(snap)
}

func (m *Manager) emit(snap Snapshot) {
	if m.sink != nil {
		m.sink.SessionChanged(snap)
	}
}

func (m *Manager) emitAll(snaps []Snapshot) {
	for _, s := range snaps {
		m.emit(s)
	}
}
