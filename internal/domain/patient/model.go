// Package patient stores the pediatric records that share codes
// resolve to, and renders scope-filtered snapshots of them.
package patient

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Patient is a pediatric record. The clinical sections are stored as
// JSONB documents so issuing systems with richer schemas can pass them
// through untouched.
type Patient struct {
	ID            uuid.UUID       `json:"id"`
	MRN           string          `json:"mrn"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	DateOfBirth   time.Time       `json:"date_of_birth"`
	Gender        string          `json:"gender,omitempty"`
	BloodType     string          `json:"blood_type,omitempty"`
	GuardianName  string          `json:"guardian_name,omitempty"`
	GuardianPhone string          `json:"guardian_phone,omitempty"`
	Allergies     json.RawMessage `json:"allergies,omitempty"`
	Prescriptions json.RawMessage `json:"prescriptions,omitempty"`
	Vaccinations  json.RawMessage `json:"vaccinations,omitempty"`
	Appointments  json.RawMessage `json:"appointments,omitempty"`
	Vitals        json.RawMessage `json:"vitals,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
