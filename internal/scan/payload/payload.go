// Package payload classifies decoded symbol text into the closed set of
// scan payload variants. Classification is a pure, total function: it
// performs no I/O and never fails, so it can be tested exhaustively in
// isolation from the network.
package payload

// Kind tags the payload variants.
type Kind string

const (
	KindRedirect     Kind = "prescription_redirect"
	KindToken        Kind = "access_token"
	KindLegacy       Kind = "legacy_inline"
	KindUnrecognized Kind = "unrecognized"
)

// Payload is the closed variant set produced by Classify. Adding a variant
// forces every switch over Kind through compile-time review.
type Payload interface {
	Kind() Kind
}

// Redirect is a prescription-view link carrying its own token; the session
// hands it straight to navigation without calling the resolver.
type Redirect struct {
	Token string
	URL   string
}

func (Redirect) Kind() Kind { return KindRedirect }

// Token is an access token to exchange with the resolution service.
type Token struct {
	Token string
}

func (Token) Kind() Kind { return KindToken }

// Legacy is an inline record: patient fields embedded directly in the
// symbol, kept for backward compatibility with codes that predate token
// indirection.
type Legacy struct {
	Fields map[string]string
}

func (Legacy) Kind() Kind { return KindLegacy }

// Unrecognized exists for exhaustiveness but is never produced: input that
// matches nothing falls through to a Legacy payload wrapping the raw text.
type Unrecognized struct {
	Raw string
}

func (Unrecognized) Kind() Kind { return KindUnrecognized }
