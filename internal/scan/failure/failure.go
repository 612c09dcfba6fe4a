// Package failure defines the closed taxonomy of scan and resolution
// failures surfaced to the presentation layer. Internally every failing
// component wraps its cause in an *Error carrying a Kind; the presentation
// layer only ever sees the Kind, never free text.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Frame source failures.
	DeviceUnavailable   Kind = "device_unavailable"
	PermissionDenied    Kind = "permission_denied"
	DecodeSourceInvalid Kind = "decode_source_invalid"

	// Scan loop failures.
	NoSymbolFound Kind = "no_symbol_found"

	// Resolution outcomes. PinRequired and InvalidPin keep the session
	// alive for user retry; the rest are terminal for the attempt.
	PinRequired           Kind = "pin_required"
	InvalidPin            Kind = "invalid_pin"
	Expired               Kind = "expired"
	UsageLimitReached     Kind = "usage_limit_reached"
	FacilityNotAuthorized Kind = "facility_not_authorized"
	NotFound              Kind = "not_found"
	InvalidToken          Kind = "invalid_token"
	NetworkUnavailable    Kind = "network_unavailable"

	Unexpected Kind = "unexpected"
)

// Recoverable reports whether the failure keeps the session in the PIN
// sub-protocol rather than ending the attempt.
func (k Kind) Recoverable() bool {
	return k == PinRequired || k == InvalidPin
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind from an error chain. Errors that carry
// no *Error anywhere in the chain classify as Unexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}
