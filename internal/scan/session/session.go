// Package session orchestrates one user-visible scan attempt: it drives
// the scan loop, classifies the decoded symbol, runs token resolution with
// its PIN sub-protocol, and publishes every state change to subscribers.
package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/carescan/carescan/internal/scan/failure"
	"github.com/carescan/carescan/internal/scan/payload"
	"github.com/carescan/carescan/internal/scan/resolver"
)

// State of a scan session. classifying is instantaneous and never observed
// across an await point, but it exists so every transition is explicit.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateClassifying State = "classifying"
	StateResolving   State = "resolving"
	StatePinRequired State = "pin_required"
	StateResolved    State = "resolved"
	StateRedirecting State = "redirecting"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends the current attempt. The only
// way out of a terminal state is a full reset.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateRedirecting || s == StateFailed
}

// Snapshot is the projection of a session handed to the presentation
// layer on every state change.
type Snapshot struct {
	ID          uuid.UUID       `json:"id"`
	State       State           `json:"state"`
	PayloadKind payload.Kind    `json:"payload_kind,omitempty"`
	LastError   failure.Kind    `json:"last_error,omitempty"`
	Grant       *resolver.Grant `json:"grant,omitempty"`
	RedirectURL string          `json:"redirect_url,omitempty"`
}

// Sink receives session snapshots. Implementations must not block; the
// manager calls them synchronously on every transition.
type Sink interface {
	SessionChanged(snap Snapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(snap Snapshot)

func (f SinkFunc) SessionChanged(snap Snapshot) { f(snap) }

// InlineLegacy turns an inline legacy record into a grant without a
// service round trip: the embedded fields are the patient snapshot and the
// grant is view-only. It stands in for the external legacy lookup.
type InlineLegacy struct{}

func (InlineLegacy) Lookup(fields map[string]string) (*resolver.Grant, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, failure.Wrap(failure.Unexpected, "encode legacy record", err)
	}
	return &resolver.Grant{
		Patient: raw,
		Scopes:  map[resolver.ScopeTag]struct{}{resolver.ScopeViewOnly: {}},
		Policy:  resolver.SharePolicy{ShareType: "legacy"},
	}, nil
}
