package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/failure"
)

// Client talks to the access resolution service over HTTP.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve exchanges a token (and optional PIN) for a grant.
//
// Every call consumes one use on the service side, so callers must never
// invoke it speculatively. No failure is retried automatically: the PIN
// sub-protocol is user-driven, and network failures are surfaced for a
// manual retry.
func (c *Client) Resolve(ctx context.Context, token, pin string) (*Grant, error) {
	body, status, err := c.post(ctx, "/api/share/access", accessRequest{Token: token, PIN: pin})
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var resp accessResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, failure.Wrap(failure.Unexpected, "decode access response", err)
		}
		return grantFromAccess(&resp), nil
	}

	return nil, c.mapError(status, body, pin != "")
}

// mapError normalizes a non-200 access response. The requires_pin flag is
// authoritative; message matching covers services that only set free text;
// the HTTP status is the last resort.
func (c *Client) mapError(status int, body []byte, pinSupplied bool) error {
	var svcErr serviceError
	_ = json.Unmarshal(body, &svcErr)
	msg := svcErr.Error
	lower := strings.ToLower(msg)

	kind := failure.Unexpected
	switch {
	case svcErr.RequiresPIN && !pinSupplied,
		strings.Contains(lower, "pin required"):
		kind = failure.PinRequired
	case strings.Contains(lower, "invalid pin"),
		svcErr.RequiresPIN && pinSupplied:
		kind = failure.InvalidPin
	case strings.Contains(lower, "expired"):
		kind = failure.Expired
	case strings.Contains(lower, "usage limit"), strings.Contains(lower, "use limit"):
		kind = failure.UsageLimitReached
	case strings.Contains(lower, "facility"):
		kind = failure.FacilityNotAuthorized
	case strings.Contains(lower, "not found"):
		kind = failure.NotFound
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "revoked"):
		kind = failure.InvalidToken
	default:
		switch status {
		case http.StatusNotFound:
			kind = failure.NotFound
		case http.StatusGone:
			kind = failure.Expired
		case http.StatusTooManyRequests:
			kind = failure.UsageLimitReached
		case http.StatusForbidden:
			kind = failure.FacilityNotAuthorized
		case http.StatusBadRequest:
			kind = failure.InvalidToken
		case http.StatusUnauthorized:
			if pinSupplied {
				kind = failure.InvalidPin
			} else {
				kind = failure.PinRequired
			}
		}
	}

	c.log.Debug().Int("status", status).Str("kind", string(kind)).Msg("access denied")
	if msg == "" {
		msg = fmt.Sprintf("service returned status %d", status)
	}
	return failure.New(kind, msg)
}

// Generate issues a new sharing token. Part of the issuance flow rather
// than scanning; exposed so one client covers the whole contract.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body, status, err := c.post(ctx, "/api/share/generate", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, c.mapError(status, body, false)
	}
	var resp GenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, failure.Wrap(failure.Unexpected, "decode generate response", err)
	}
	return &resp, nil
}

// List returns issued codes, optionally restricted to one patient.
func (c *Client) List(ctx context.Context, patientID string) ([]CodeSummary, error) {
	path := "/api/share/codes"
	if patientID != "" {
		path += "?patient_id=" + url.QueryEscape(patientID)
	}
	body, status, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.mapError(status, body, false)
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, failure.Wrap(failure.Unexpected, "decode list response", err)
	}
	return resp.QRCodes, nil
}

// Revoke permanently deactivates a code.
func (c *Client) Revoke(ctx context.Context, qrID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.base+"/api/share/codes/"+url.PathEscape(qrID), nil)
	if err != nil {
		return failure.Wrap(failure.Unexpected, "build revoke request", err)
	}
	body, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return c.mapError(status, body, false)
	}
	return nil
}

// Audit returns a code together with its access history.
func (c *Client) Audit(ctx context.Context, qrID string) (*AuditResponse, error) {
	body, status, err := c.get(ctx, "/api/share/codes/"+url.PathEscape(qrID)+"/audit")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.mapError(status, body, false)
	}
	var resp AuditResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, failure.Wrap(failure.Unexpected, "decode audit response", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, failure.Wrap(failure.Unexpected, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, failure.Wrap(failure.Unexpected, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, 0, failure.Wrap(failure.Unexpected, "build request", err)
	}
	return c.do(req)
}

// do executes the request. A transport-level error means the request never
// reached the service, which callers may retry manually.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, failure.Wrap(failure.NetworkUnavailable, "reach resolution service", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, failure.Wrap(failure.NetworkUnavailable, "read response", err)
	}
	return body, resp.StatusCode, nil
}
