package scanner

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/platform/events"
	"github.com/carescan/carescan/internal/scan/failure"
	"github.com/carescan/carescan/internal/scan/resolver"
	"github.com/carescan/carescan/internal/scan/route"
	"github.com/carescan/carescan/internal/scan/session"
)

type Handler struct {
	registry *Registry
	hub      *events.Hub
	log      zerolog.Logger
}

func NewHandler(registry *Registry, hub *events.Hub, log zerolog.Logger) *Handler {
	return &Handler{registry: registry, hub: hub, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/:id", h.GetSession)
	g.POST("/sessions/:id/pin", h.SubmitPin)
	g.POST("/sessions/:id/cancel", h.CancelSession)
	g.POST("/sessions/:id/reset", h.ResetSession)
	g.DELETE("/sessions/:id", h.DeleteSession)
}

type createRequest struct {
	Mode     string `json:"mode"`
	DeviceID string `json:"device_id,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// sessionView is the snapshot shape returned to REST callers and pushed
// over the WebSocket: the raw snapshot plus presentation extras.
type sessionView struct {
	session.Snapshot
	Scopes    []resolver.ScopeTag `json:"scopes,omitempty"`
	NextRoute string              `json:"next_route,omitempty"`
}

func viewOf(snap session.Snapshot, role route.Role) sessionView {
	v := sessionView{Snapshot: snap}
	if snap.Grant != nil {
		v.Scopes = snap.Grant.ScopeList()
		if role != "" {
			if pid := patientIDFromGrant(snap.Grant); pid != "" {
				if path, ok := route.ForRole(role, pid); ok {
					v.NextRoute = path
				}
			}
		}
	}
	return v
}

// patientIDFromGrant digs the patient identifier out of the grant's
// opaque patient document.
func patientIDFromGrant(g *resolver.Grant) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(g.Patient, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"id", "patient_id", "patientId"} {
		if raw, ok := fields[key]; ok {
			var id string
			if err := json.Unmarshal(raw, &id); err == nil && id != "" {
				return id
			}
		}
	}
	return ""
}

// sink publishes every session transition to the hub.
func (h *Handler) sink() session.Sink {
	return session.SinkFunc(func(snap session.Snapshot) {
		data, err := json.Marshal(viewOf(snap, ""))
		if err != nil {
			return
		}
		h.hub.Broadcast(events.Event{
			Type:      "session.state",
			Session:   snap.ID.String(),
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
	})
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var (
		mgr *session.Manager
		err error
	)
	switch req.Mode {
	case "camera", "":
		mgr, err = h.registry.StartCamera(req.DeviceID, h.sink())
	case "image":
		data, decErr := decodeImageB64(req.ImageB64)
		if decErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid image_b64")
		}
		mgr, err = h.registry.StartImage(data, h.sink())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be camera or image")
	}
	if err != nil {
		return h.scanError(c, err)
	}

	return c.JSON(http.StatusCreated, viewOf(mgr.Snapshot(), roleOf(c)))
}

// decodeImageB64 accepts plain base64 and data URLs.
func decodeImageB64(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

func roleOf(c echo.Context) route.Role {
	if r, ok := route.Parse(c.QueryParam("role")); ok {
		return r
	}
	return ""
}

func (h *Handler) session(c echo.Context) (*session.Manager, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	mgr, err := h.registry.Get(id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return mgr, nil
}

func (h *Handler) GetSession(c echo.Context) error {
	mgr, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(mgr.Snapshot(), roleOf(c)))
}

type pinRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) SubmitPin(c echo.Context) error {
	mgr, err := h.session(c)
	if err != nil {
		return err
	}
	var req pinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := mgr.SubmitPin(req.PIN); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, viewOf(mgr.Snapshot(), roleOf(c)))
}

func (h *Handler) CancelSession(c echo.Context) error {
	mgr, err := h.session(c)
	if err != nil {
		return err
	}
	mgr.Cancel()
	return c.JSON(http.StatusOK, viewOf(mgr.Snapshot(), roleOf(c)))
}

func (h *Handler) ResetSession(c echo.Context) error {
	mgr, err := h.session(c)
	if err != nil {
		return err
	}
	mgr.Reset()
	return c.JSON(http.StatusOK, viewOf(mgr.Snapshot(), roleOf(c)))
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	h.registry.Remove(id)
	return c.NoContent(http.StatusNoContent)
}

// scanError maps source failures to HTTP statuses for session creation.
func (h *Handler) scanError(c echo.Context, err error) error {
	switch failure.KindOf(err) {
	case failure.DeviceUnavailable:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case failure.PermissionDenied:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case failure.DecodeSourceInvalid:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
