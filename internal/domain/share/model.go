// Package share issues and redeems QR sharing codes: opaque tokens that
// grant scoped, time-bound access to a patient record.
package share

import (
	"time"

	"github.com/google/uuid"
)

// Share types control how a code expires.
const (
	TypeViewOnce    = "view_once"
	TypeTimeLimited = "time_limited"
	TypeMultiUse    = "multi_use"
)

// Code statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Scope tags a code may carry. full_access implies all others.
const (
	ScopeViewOnly      = "view_only"
	ScopeAllergies     = "allergies"
	ScopePrescriptions = "prescriptions"
	ScopeVaccinations  = "vaccinations"
	ScopeAppointments  = "appointments"
	ScopeVitals        = "vitals"
	ScopeFullAccess    = "full_access"
)

var validScopes = map[string]bool{
	ScopeViewOnly:      true,
	ScopeAllergies:     true,
	ScopePrescriptions: true,
	ScopeVaccinations:  true,
	ScopeAppointments:  true,
	ScopeVitals:        true,
	ScopeFullAccess:    true,
}

var validShareTypes = map[string]bool{
	TypeViewOnce:    true,
	TypeTimeLimited: true,
	TypeMultiUse:    true,
}

// ShareCode is one issued sharing token and its redemption policy.
type ShareCode struct {
	ID              uuid.UUID `json:"qr_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	Token           string    `json:"-"`
	PINHash         []byte    `json:"-"`
	Scope           []string  `json:"scope"`
	ShareType       string    `json:"share_type"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxUses         int       `json:"max_uses"`
	UseCount        int       `json:"use_count"`
	GeneratedByID   uuid.UUID `json:"generated_by_id"`
	GeneratedByName string    `json:"generated_by_name"`
	FacilityID      string    `json:"facility_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PINProtected reports whether redemption requires a PIN.
func (c *ShareCode) PINProtected() bool {
	return len(c.PINHash) > 0
}

// Expired reports whether the code's validity window has passed.
func (c *ShareCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// UsesExhausted reports whether the code has reached its use limit.
// MaxUses of 0 means unlimited within the validity window.
func (c *ShareCode) UsesExhausted() bool {
	return c.MaxUses > 0 && c.UseCount >= c.MaxUses
}

// AccessLog records one redemption attempt, successful or not.
type AccessLog struct {
	ID            uuid.UUID `json:"id"`
	ShareCodeID   uuid.UUID `json:"share_code_id"`
	AccessedAt    time.Time `json:"accessed_at"`
	AccessorIP    string    `json:"accessor_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	FacilityID    string    `json:"facility_id,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
}
