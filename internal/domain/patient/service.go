package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.DateOfBirth.IsZero() {
		return fmt.Errorf("date_of_birth is required")
	}
	if p.DateOfBirth.After(time.Now()) {
		return fmt.Errorf("date_of_birth is in the future")
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	return s.repo.Update(ctx, p)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// snapshot is the demographics block every grant includes regardless
// of scope.
type snapshot struct {
	ID            string          `json:"id"`
	MRN           string          `json:"mrn"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	DateOfBirth   time.Time       `json:"date_of_birth"`
	Gender        string          `json:"gender,omitempty"`
	BloodType     string          `json:"blood_type,omitempty"`
	GuardianName  string          `json:"guardian_name,omitempty"`
	Allergies     json.RawMessage `json:"allergies,omitempty"`
	Prescriptions json.RawMessage `json:"prescriptions,omitempty"`
	Vaccinations  json.RawMessage `json:"vaccinations,omitempty"`
	Appointments  json.RawMessage `json:"appointments,omitempty"`
	Vitals        json.RawMessage `json:"vitals,omitempty"`
}

// Snapshot renders a patient filtered to the given scope tags.
// Demographics are always included; clinical sections only when their
// tag (or full_access) is present.
func (s *Service) Snapshot(ctx context.Context, patientID uuid.UUID, scopes []string) (json.RawMessage, error) {
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", patientID, err)
	}

	granted := make(map[string]bool, len(scopes))
	for _, tag := range scopes {
		granted[tag] = true
	}
	full := granted["full_access"]

	snap := snapshot{
		ID:           p.ID.String(),
		MRN:          p.MRN,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		DateOfBirth:  p.DateOfBirth,
		Gender:       p.Gender,
		BloodType:    p.BloodType,
		GuardianName: p.GuardianName,
	}
	if full || granted["allergies"] {
		snap.Allergies = p.Allergies
	}
	if full || granted["prescriptions"] {
		snap.Prescriptions = p.Prescriptions
	}
	if full || granted["vaccinations"] {
		snap.Vaccinations = p.Vaccinations
	}
	if full || granted["appointments"] {
		snap.Appointments = p.Appointments
	}
	if full || granted["vitals"] {
		snap.Vitals = p.Vitals
	}

	return json.Marshal(snap)
}
