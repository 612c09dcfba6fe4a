// Package resolver is the client side of the access resolution contract:
// it exchanges decoded tokens (plus an optional PIN) for scoped patient
// data and normalizes every service failure into the closed taxonomy.
package resolver

import (
	"encoding/json"
	"time"
)

// ScopeTag names a category of patient data a token may reveal.
type ScopeTag string

const (
	ScopeViewOnly      ScopeTag = "view_only"
	ScopeAllergies     ScopeTag = "allergies"
	ScopePrescriptions ScopeTag = "prescriptions"
	ScopeVaccinations  ScopeTag = "vaccinations"
	ScopeAppointments  ScopeTag = "appointments"
	ScopeVitals        ScopeTag = "vitals"
	ScopeFullAccess    ScopeTag = "full_access"
)

// SharePolicy carries the sharing terms the grant was issued under.
type SharePolicy struct {
	ShareType     string    `json:"share_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	UsesRemaining *int      `json:"uses_remaining,omitempty"`
	GeneratedBy   string    `json:"generated_by,omitempty"`
}

// Grant is the result of a successful resolution. It is owned by the scan
// session that requested it and discarded on reset.
type Grant struct {
	Patient json.RawMessage       `json:"patient"`
	Scopes  map[ScopeTag]struct{} `json:"-"`
	Policy  SharePolicy           `json:"policy"`
}

// HasScope reports whether the grant authorizes the given data category,
// directly or through full access.
func (g *Grant) HasScope(tag ScopeTag) bool {
	if _, ok := g.Scopes[ScopeFullAccess]; ok {
		return true
	}
	_, ok := g.Scopes[tag]
	return ok
}

// ScopeList returns the granted scopes in stable request order; used for
// presentation only.
func (g *Grant) ScopeList() []ScopeTag {
	order := []ScopeTag{ScopeViewOnly, ScopeAllergies, ScopePrescriptions,
		ScopeVaccinations, ScopeAppointments, ScopeVitals, ScopeFullAccess}
	var out []ScopeTag
	for _, tag := range order {
		if _, ok := g.Scopes[tag]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// --- wire types of the access resolution contract ---

// GenerateRequest asks the service to issue a new sharing token. Used by
// the issuance flow, not by scanning; carried here for contract
// completeness.
type GenerateRequest struct {
	PatientID string     `json:"patient_id"`
	Scope     []ScopeTag `json:"scope"`
	ShareType string     `json:"share_type"`
	ExpiresIn string     `json:"expires_in,omitempty"`
	MaxUses   int        `json:"max_uses,omitempty"`
	PIN       string     `json:"pin,omitempty"`
}

type GenerateResponse struct {
	Token     string    `json:"token"`
	AccessURL string    `json:"access_url"`
	QRID      string    `json:"qr_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type accessRequest struct {
	Token string `json:"token"`
	PIN   string `json:"pin,omitempty"`
}

// QRMetadata is the policy block the service attaches to an access grant.
type QRMetadata struct {
	Scope           []ScopeTag `json:"scope"`
	ExpiresAt       time.Time  `json:"expires_at"`
	UseCount        int        `json:"use_count"`
	MaxUses         int        `json:"max_uses"`
	ShareType       string     `json:"share_type"`
	GeneratedByName string     `json:"generated_by_name"`
}

type accessResponse struct {
	PatientData json.RawMessage `json:"patient_data"`
	AccessType  string          `json:"access_type"`
	QRMetadata  QRMetadata      `json:"qr_metadata"`
}

// serviceError is the machine-discriminable error body the service
// returns alongside an HTTP status.
type serviceError struct {
	Error       string `json:"error"`
	RequiresPIN bool   `json:"requires_pin"`
}

// CodeSummary is one issued code in a list response.
type CodeSummary struct {
	QRID      string     `json:"qr_id"`
	PatientID string     `json:"patient_id"`
	Scope     []ScopeTag `json:"scope"`
	ShareType string     `json:"share_type"`
	Status    string     `json:"status"`
	ExpiresAt time.Time  `json:"expires_at"`
	UseCount  int        `json:"use_count"`
	MaxUses   int        `json:"max_uses"`
}

type listResponse struct {
	QRCodes []CodeSummary `json:"qr_codes"`
}

// AccessLogEntry is one audited access of a code.
type AccessLogEntry struct {
	AccessedAt    time.Time `json:"accessed_at"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// AuditResponse pairs a code with its access history.
type AuditResponse struct {
	QRCode     CodeSummary      `json:"qr_code"`
	AccessLogs []AccessLogEntry `json:"access_logs"`
}

func grantFromAccess(resp *accessResponse) *Grant {
	scopes := make(map[ScopeTag]struct{}, len(resp.QRMetadata.Scope))
	for _, tag := range resp.QRMetadata.Scope {
		scopes[tag] = struct{}{}
	}

	policy := SharePolicy{
		ShareType:   resp.QRMetadata.ShareType,
		ExpiresAt:   resp.QRMetadata.ExpiresAt,
		GeneratedBy: resp.QRMetadata.GeneratedByName,
	}
	if resp.QRMetadata.MaxUses > 0 {
		remaining := resp.QRMetadata.MaxUses - resp.QRMetadata.UseCount
		if remaining < 0 {
			remaining = 0
		}
		policy.UsesRemaining = &remaining
	}

	return &Grant{
		Patient: resp.PatientData,
		Scopes:  scopes,
		Policy:  policy,
	}
}
