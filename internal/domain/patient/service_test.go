package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}

func (m *mockRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	for _, p := range m.patients {
		if p.MRN == mrn {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	var result []*Patient
	for _, p := range m.patients {
		result = append(result, p)
	}
	return result, len(result), nil
}

func testPatient() *Patient {
	return &Patient{
		MRN:           "MRN-1001",
		FirstName:     "Maya",
		LastName:      "Okafor",
		DateOfBirth:   time.Date(2018, 4, 2, 0, 0, 0, 0, time.UTC),
		Gender:        "female",
		BloodType:     "O+",
		GuardianName:  "Ada Okafor",
		Allergies:     json.RawMessage(`[{"substance":"penicillin","severity":"high"}]`),
		Prescriptions: json.RawMessage(`[{"drug":"amoxicillin","dose":"250mg"}]`),
		Vaccinations:  json.RawMessage(`[{"vaccine":"MMR","date":"2019-05-01"}]`),
		Appointments:  json.RawMessage(`[{"date":"2026-10-01","with":"Dr. Chen"}]`),
		Vitals:        json.RawMessage(`[{"height_cm":110,"weight_kg":19}]`),
	}
}

func TestCreatePatientValidation(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Patient)
	}{
		{"missing mrn", func(p *Patient) { p.MRN = "" }},
		{"missing first name", func(p *Patient) { p.FirstName = "" }},
		{"missing last name", func(p *Patient) { p.LastName = "" }},
		{"missing dob", func(p *Patient) { p.DateOfBirth = time.Time{} }},
		{"future dob", func(p *Patient) { p.DateOfBirth = time.Now().Add(24 * time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPatient()
			tc.mutate(p)
			if err := svc.CreatePatient(ctx, p); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := svc.CreatePatient(ctx, testPatient()); err != nil {
		t.Fatalf("valid patient rejected: %v", err)
	}
}

func snapshotFields(t *testing.T, raw json.RawMessage) map[string]json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	return fields
}

func TestSnapshotViewOnly(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	p := testPatient()
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatal(err)
	}

	raw, err := svc.Snapshot(ctx, p.ID, []string{"view_only"})
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	fields := snapshotFields(t, raw)

	for _, key := range []string{"id", "mrn", "first_name", "last_name", "date_of_birth"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("demographics field %q missing", key)
		}
	}
	for _, key := range []string{"allergies", "prescriptions", "vaccinations", "appointments", "vitals"} {
		if _, ok := fields[key]; ok {
			t.Errorf("clinical section %q leaked under view_only", key)
		}
	}
}

func TestSnapshotScopedSections(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	p := testPatient()
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatal(err)
	}

	raw, err := svc.Snapshot(ctx, p.ID, []string{"allergies", "vitals"})
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	fields := snapshotFields(t, raw)

	if _, ok := fields["allergies"]; !ok {
		t.Error("allergies missing despite scope")
	}
	if _, ok := fields["vitals"]; !ok {
		t.Error("vitals missing despite scope")
	}
	if _, ok := fields["prescriptions"]; ok {
		t.Error("prescriptions leaked without scope")
	}
}

func TestSnapshotFullAccess(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	p := testPatient()
	if err := svc.CreatePatient(ctx, p); err != nil {
		t.Fatal(err)
	}

	raw, err := svc.Snapshot(ctx, p.ID, []string{"full_access"})
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	fields := snapshotFields(t, raw)

	for _, key := range []string{"allergies", "prescriptions", "vaccinations", "appointments", "vitals"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("section %q missing under full_access", key)
		}
	}
}

func TestSnapshotUnknownPatient(t *testing.T) {
	svc := NewService(newMockRepo())
	if _, err := svc.Snapshot(context.Background(), uuid.New(), []string{"view_only"}); err == nil {
		t.Error("expected error for unknown patient")
	}
}
