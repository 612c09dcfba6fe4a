package share

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carescan/carescan/internal/platform/auth"
	"github.com/carescan/carescan/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the share endpoints. Redemption is open so
// scanning kiosks can call it without credentials; issuance and
// management require a clinical role.
func (h *Handler) RegisterRoutes(public, protected *echo.Group) {
	public.POST("/share/access", h.Access)

	staff := protected.Group("", auth.RequireRole("doctor", "pediatrician", "nurse"))
	staff.POST("/share/generate", h.Generate)
	staff.GET("/share/codes", h.ListCodes)
	staff.DELETE("/share/codes/:qr_id", h.RevokeCode)
	staff.GET("/share/codes/:qr_id/audit", h.AuditCode)
}

type generateRequest struct {
	PatientID string   `json:"patient_id"`
	Scope     []string `json:"scope"`
	ShareType string   `json:"share_type"`
	ExpiresIn string   `json:"expires_in,omitempty"`
	MaxUses   int      `json:"max_uses,omitempty"`
	PIN       string   `json:"pin,omitempty"`
}

type generateResponse struct {
	Token     string    `json:"token"`
	AccessURL string    `json:"access_url"`
	QRID      string    `json:"qr_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) Generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}

	ctx := c.Request().Context()
	var generatedByID uuid.UUID
	if sub := auth.UserIDFromContext(ctx); sub != "" {
		generatedByID, _ = uuid.Parse(sub)
	}

	out, err := h.svc.Generate(ctx, GenerateInput{
		PatientID:       patientID,
		Scope:           req.Scope,
		ShareType:       req.ShareType,
		ExpiresIn:       req.ExpiresIn,
		MaxUses:         req.MaxUses,
		PIN:             req.PIN,
		GeneratedByID:   generatedByID,
		GeneratedByName: auth.UserNameFromContext(ctx),
		FacilityID:      auth.FacilityFromContext(ctx),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, generateResponse{
		Token:     out.Token,
		AccessURL: out.AccessURL,
		QRID:      out.Code.ID.String(),
		ExpiresAt: out.Code.ExpiresAt,
	})
}

type accessRequest struct {
	Token string `json:"token"`
	PIN   string `json:"pin,omitempty"`
}

type qrMetadata struct {
	Scope           []string  `json:"scope"`
	ExpiresAt       time.Time `json:"expires_at"`
	UseCount        int       `json:"use_count"`
	MaxUses         int       `json:"max_uses"`
	ShareType       string    `json:"share_type"`
	GeneratedByName string    `json:"generated_by_name"`
}

type accessResponse struct {
	PatientData interface{} `json:"patient_data"`
	AccessType  string      `json:"access_type"`
	QRMetadata  qrMetadata  `json:"qr_metadata"`
}

type accessError struct {
	Error       string `json:"error"`
	RequiresPIN bool   `json:"requires_pin,omitempty"`
}

func (h *Handler) Access(c echo.Context) error {
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, accessError{Error: "invalid request body"})
	}

	result, err := h.svc.Access(c.Request().Context(), AccessInput{
		Token:      req.Token,
		PIN:        req.PIN,
		FacilityID: c.Request().Header.Get("X-Facility-ID"),
		AccessorIP: c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	})
	if err != nil {
		return h.deny(c, err)
	}

	code := result.Code
	return c.JSON(http.StatusOK, accessResponse{
		PatientData: result.PatientData,
		AccessType:  code.ShareType,
		QRMetadata: qrMetadata{
			Scope:           code.Scope,
			ExpiresAt:       code.ExpiresAt,
			UseCount:        code.UseCount,
			MaxUses:         code.MaxUses,
			ShareType:       code.ShareType,
			GeneratedByName: code.GeneratedByName,
		},
	})
}

// deny translates redemption failures into the statuses and bodies
// scanning clients discriminate on.
func (h *Handler) deny(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrPINRequired):
		return c.JSON(http.StatusUnauthorized, accessError{Error: "PIN required", RequiresPIN: true})
	case errors.Is(err, ErrInvalidPIN):
		return c.JSON(http.StatusUnauthorized, accessError{Error: "Invalid PIN"})
	case errors.Is(err, ErrExpired):
		return c.JSON(http.StatusGone, accessError{Error: "Share code has expired"})
	case errors.Is(err, ErrUsageLimit):
		return c.JSON(http.StatusTooManyRequests, accessError{Error: "Share code usage limit reached"})
	case errors.Is(err, ErrNotAuthorized):
		return c.JSON(http.StatusForbidden, accessError{Error: "Share code is not valid at this facility"})
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, accessError{Error: "Share code not found"})
	case errors.Is(err, ErrRevoked):
		return c.JSON(http.StatusBadRequest, accessError{Error: "Share code has been revoked"})
	default:
		return c.JSON(http.StatusInternalServerError, accessError{Error: "internal error"})
	}
}

type codeSummary struct {
	QRID      string    `json:"qr_id"`
	PatientID string    `json:"patient_id"`
	Scope     []string  `json:"scope"`
	ShareType string    `json:"share_type"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	UseCount  int       `json:"use_count"`
	MaxUses   int       `json:"max_uses"`
}

func summarize(code *ShareCode) codeSummary {
	return codeSummary{
		QRID:      code.ID.String(),
		PatientID: code.PatientID.String(),
		Scope:     code.Scope,
		ShareType: code.ShareType,
		Status:    code.Status,
		ExpiresAt: code.ExpiresAt,
		UseCount:  code.UseCount,
		MaxUses:   code.MaxUses,
	}
}

func (h *Handler) ListCodes(c echo.Context) error {
	pg := pagination.FromContext(c)

	var patientID uuid.UUID
	if raw := c.QueryParam("patient_id"); raw != "" {
		var err error
		patientID, err = uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
	}

	codes, _, err := h.svc.List(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	summaries := make([]codeSummary, 0, len(codes))
	for _, code := range codes {
		summaries = append(summaries, summarize(code))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"qr_codes": summaries})
}

func (h *Handler) RevokeCode(c echo.Context) error {
	id, err := uuid.Parse(c.Param("qr_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid qr_id")
	}
	if err := h.svc.Revoke(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "share code not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type accessLogEntry struct {
	AccessedAt    time.Time `json:"accessed_at"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

func (h *Handler) AuditCode(c echo.Context) error {
	id, err := uuid.Parse(c.Param("qr_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid qr_id")
	}
	code, logs, err := h.svc.Audit(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "share code not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	entries := make([]accessLogEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, accessLogEntry{
			AccessedAt:    l.AccessedAt,
			Success:       l.Success,
			FailureReason: l.FailureReason,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"qr_code":     summarize(code),
		"access_logs": entries,
	})
}
