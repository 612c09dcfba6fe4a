// Package scanner is the presentation surface for scan sessions: it
// creates sessions over camera or image sources, exposes their state
// over REST, and forwards every transition to WebSocket subscribers.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/frame"
	"github.com/carescan/carescan/internal/scan/session"
)

// RegistryConfig assembles a Registry.
type RegistryConfig struct {
	Resolver session.Resolver
	// Opener supplies camera devices. Nil means camera sessions are
	// rejected, which is the usual server deployment; kiosks embed the
	// binary with a real opener.
	Opener   frame.DeviceOpener
	Interval time.Duration
	Timeout  time.Duration
	// ReapAfter drops a session this long after it reaches a terminal
	// state, so clients that never send DELETE do not accumulate
	// sessions forever. Zero disables reaping.
	ReapAfter time.Duration
	Logger    zerolog.Logger
}

// Registry tracks live scan sessions by id. Sessions outlive the HTTP
// request that created them; their scan loops stop only on cancel,
// removal or a terminal outcome.
type Registry struct {
	resolver  session.Resolver
	opener    frame.DeviceOpener
	interval  time.Duration
	timeout   time.Duration
	reapAfter time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Manager
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		resolver:  cfg.Resolver,
		opener:    cfg.Opener,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		reapAfter: cfg.ReapAfter,
		log:       cfg.Logger.With().Str("component", "scanner").Logger(),
		sessions:  make(map[uuid.UUID]*session.Manager),
	}
}

// StartCamera creates a session scanning a live camera device.
func (r *Registry) StartCamera(deviceID string, sink session.Sink) (*session.Manager, error) {
	src, err := frame.OpenCamera(r.opener, deviceID)
	if err != nil {
		return nil, err
	}
	return r.start(src, sink)
}

// StartImage creates a session decoding a single uploaded image.
func (r *Registry) StartImage(imageData []byte, sink session.Sink) (*session.Manager, error) {
	src, err := frame.NewImageSource(bytes.NewReader(imageData))
	if err != nil {
		return nil, err
	}
	return r.start(src, sink)
}

func (r *Registry) start(src frame.Source, sink session.Sink) (*session.Manager, error) {
	mgr, err := session.NewManager(session.Config{
		Resolver: r.resolver,
		Sink:     r.watch(sink),
		Interval: r.interval,
		Timeout:  r.timeout,
		Logger:   r.log,
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	// The loop must not die with the creating request, so it runs under
	// the registry's own lifetime. Cancel, Remove and reaping stop it.
	if err := mgr.Start(context.Background(), src); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[mgr.ID()] = mgr
	r.mu.Unlock()
	return mgr, nil
}

// watch tees snapshots to the caller's sink and schedules reaping once
// a session reaches a terminal state.
func (r *Registry) watch(next session.Sink) session.Sink {
	return session.SinkFunc(func(snap session.Snapshot) {
		if next != nil {
			next.SessionChanged(snap)
		}
		if r.reapAfter > 0 && snap.State.Terminal() {
			id := snap.ID
			time.AfterFunc(r.reapAfter, func() { r.reapIfTerminal(id) })
		}
	})
}

// reapIfTerminal drops the session unless it was reset or restarted in
// the meantime.
func (r *Registry) reapIfTerminal(id uuid.UUID) {
	r.mu.Lock()
	mgr, ok := r.sessions[id]
	if ok && mgr.State().Terminal() {
		delete(r.sessions, id)
	} else {
		mgr, ok = nil, false
	}
	r.mu.Unlock()

	if ok {
		mgr.Cancel()
		r.log.Debug().Str("session_id", id.String()).Msg("terminal session reaped")
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(id uuid.UUID) (*session.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mgr, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("scanner: session %s not found", id)
	}
	return mgr, nil
}

// Remove cancels a session and drops it from the registry.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	mgr, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		mgr.Cancel()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
