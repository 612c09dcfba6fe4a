package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Redemption failures. The handler maps each to a distinct HTTP status
// so scanners can react without parsing free text.
var (
	ErrNotFound      = errors.New("share code not found")
	ErrRevoked       = errors.New("share code has been revoked")
	ErrExpired       = errors.New("share code has expired")
	ErrUsageLimit    = errors.New("share code usage limit reached")
	ErrPINRequired   = errors.New("PIN required")
	ErrInvalidPIN    = errors.New("invalid PIN")
	ErrNotAuthorized = errors.New("share code is not valid at this facility")
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// Duration defaults per share type.
const (
	defaultViewOnceTTL    = 24 * time.Hour
	defaultTimeLimitedTTL = 24 * time.Hour
	defaultMultiUseTTL    = 7 * 24 * time.Hour
	maxTTL                = 30 * 24 * time.Hour
	defaultMultiUses      = 10
)

// PatientSource supplies scope-filtered patient snapshots.
type PatientSource interface {
	Snapshot(ctx context.Context, patientID uuid.UUID, scopes []string) (json.RawMessage, error)
}

type Service struct {
	repo     Repository
	patients PatientSource
	baseURL  string
	log      zerolog.Logger
}

func NewService(repo Repository, patients PatientSource, baseURL string, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		baseURL:  baseURL,
		log:      log.With().Str("component", "share").Logger(),
	}
}

// GenerateInput describes a code issuance request.
type GenerateInput struct {
	PatientID       uuid.UUID
	Scope           []string
	ShareType       string
	ExpiresIn       string // Go duration string, optional
	MaxUses         int
	PIN             string
	GeneratedByID   uuid.UUID
	GeneratedByName string
	FacilityID      string
}

// Generated is the issued code plus the artifacts a caller embeds in a
// QR image.
type Generated struct {
	Code      *ShareCode
	Token     string
	AccessURL string
}

// Generate issues a new sharing code for a patient.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*Generated, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if in.ShareType == "" {
		in.ShareType = TypeTimeLimited
	}
	if !validShareTypes[in.ShareType] {
		return nil, fmt.Errorf("invalid share_type: %s", in.ShareType)
	}
	if len(in.Scope) == 0 {
		in.Scope = []string{ScopeViewOnly}
	}
	for _, tag := range in.Scope {
		if !validScopes[tag] {
			return nil, fmt.Errorf("invalid scope: %s", tag)
		}
	}

	ttl, err := resolveTTL(in.ShareType, in.ExpiresIn)
	if err != nil {
		return nil, err
	}

	maxUses := in.MaxUses
	switch in.ShareType {
	case TypeViewOnce:
		maxUses = 1
	case TypeMultiUse:
		if maxUses <= 0 {
			maxUses = defaultMultiUses
		}
	case TypeTimeLimited:
		// Unlimited within the window unless the caller capped it.
	}

	var pinHash []byte
	if in.PIN != "" {
		if !pinPattern.MatchString(in.PIN) {
			return nil, fmt.Errorf("pin must be 4 to 6 digits")
		}
		pinHash, err = bcrypt.GenerateFromPassword([]byte(in.PIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash pin: %w", err)
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	code := &ShareCode{
		PatientID:       in.PatientID,
		Token:           token,
		PINHash:         pinHash,
		Scope:           in.Scope,
		ShareType:       in.ShareType,
		Status:          StatusActive,
		ExpiresAt:       time.Now().UTC().Add(ttl),
		MaxUses:         maxUses,
		GeneratedByID:   in.GeneratedByID,
		GeneratedByName: in.GeneratedByName,
		FacilityID:      in.FacilityID,
	}
	if err := s.repo.Create(ctx, code); err != nil {
		return nil, fmt.Errorf("store share code: %w", err)
	}

	s.log.Info().
		Str("qr_id", code.ID.String()).
		Str("patient_id", code.PatientID.String()).
		Str("share_type", code.ShareType).
		Bool("pin_protected", code.PINProtected()).
		Msg("share code issued")

	return &Generated{
		Code:      code,
		Token:     token,
		AccessURL: fmt.Sprintf("%s/share?token=%s", s.baseURL, url.QueryEscape(token)),
	}, nil
}

func resolveTTL(shareType, expiresIn string) (time.Duration, error) {
	if expiresIn != "" {
		d, err := time.ParseDuration(expiresIn)
		if err != nil {
			return 0, fmt.Errorf("invalid expires_in: %w", err)
		}
		if d <= 0 || d > maxTTL {
			return 0, fmt.Errorf("expires_in must be positive and at most %s", maxTTL)
		}
		return d, nil
	}
	switch shareType {
	case TypeViewOnce:
		return defaultViewOnceTTL, nil
	case TypeMultiUse:
		return defaultMultiUseTTL, nil
	default:
		return defaultTimeLimitedTTL, nil
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AccessInput describes a redemption attempt.
type AccessInput struct {
	Token      string
	PIN        string
	FacilityID string
	AccessorIP string
	UserAgent  string
}

// AccessResult is a granted redemption.
type AccessResult struct {
	Code        *ShareCode
	PatientData json.RawMessage
}

// Access redeems a token. Every successful redemption consumes one use
// and every attempt, granted or denied, is written to the audit log.
func (s *Service) Access(ctx context.Context, in AccessInput) (*AccessResult, error) {
	if in.Token == "" {
		return nil, ErrNotFound
	}

	code, err := s.repo.GetByToken(ctx, in.Token)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("look up share code: %w", err)
	}

	if denied := s.checkPolicy(code, in); denied != nil {
		s.audit(ctx, code, in, false, denied.Error())
		return nil, denied
	}

	entry := &AccessLog{
		ShareCodeID: code.ID,
		AccessorIP:  in.AccessorIP,
		UserAgent:   in.UserAgent,
		FacilityID:  in.FacilityID,
		Success:     true,
	}
	if err := s.repo.RecordAccess(ctx, entry, true); err != nil {
		// A concurrent redemption may take the last use between the
		// policy check and the consume; that attempt is denied like any
		// other exhausted code.
		if errors.Is(err, ErrUsageLimit) {
			s.audit(ctx, code, in, false, ErrUsageLimit.Error())
			return nil, ErrUsageLimit
		}
		return nil, fmt.Errorf("record access: %w", err)
	}
	code.UseCount++

	data, err := s.patients.Snapshot(ctx, code.PatientID, code.Scope)
	if err != nil {
		return nil, fmt.Errorf("load patient snapshot: %w", err)
	}

	s.log.Info().
		Str("qr_id", code.ID.String()).
		Str("patient_id", code.PatientID.String()).
		Int("use_count", code.UseCount).
		Msg("share code redeemed")

	return &AccessResult{Code: code, PatientData: data}, nil
}

func (s *Service) checkPolicy(code *ShareCode, in AccessInput) error {
	switch {
	case code.Status == StatusRevoked:
		return ErrRevoked
	case code.Expired(time.Now().UTC()):
		return ErrExpired
	case code.UsesExhausted():
		return ErrUsageLimit
	case code.FacilityID != "" && in.FacilityID != "" && code.FacilityID != in.FacilityID:
		return ErrNotAuthorized
	case code.PINProtected() && in.PIN == "":
		return ErrPINRequired
	case code.PINProtected():
		if bcrypt.CompareHashAndPassword(code.PINHash, []byte(in.PIN)) != nil {
			return ErrInvalidPIN
		}
	}
	return nil
}

// audit records a denied attempt. Best effort: an audit write failure
// must not change the caller-visible outcome.
func (s *Service) audit(ctx context.Context, code *ShareCode, in AccessInput, success bool, reason string) {
	entry := &AccessLog{
		ShareCodeID:   code.ID,
		AccessorIP:    in.AccessorIP,
		UserAgent:     in.UserAgent,
		FacilityID:    in.FacilityID,
		Success:       success,
		FailureReason: reason,
	}
	if err := s.repo.RecordAccess(ctx, entry, false); err != nil {
		s.log.Warn().Err(err).Str("qr_id", code.ID.String()).Msg("audit write failed")
	}
}

// List returns issued codes, optionally restricted to one patient.
func (s *Service) List(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ShareCode, int, error) {
	if patientID != uuid.Nil {
		return s.repo.ListByPatient(ctx, patientID, limit, offset)
	}
	return s.repo.List(ctx, limit, offset)
}

// Revoke permanently deactivates a code.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Revoke(ctx, id); err != nil {
		if IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	s.log.Info().Str("qr_id", id.String()).Msg("share code revoked")
	return nil
}

// Audit returns a code together with its redemption history.
func (s *Service) Audit(ctx context.Context, id uuid.UUID) (*ShareCode, []*AccessLog, error) {
	code, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	logs, err := s.repo.GetAccessLogs(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return code, logs, nil
}
