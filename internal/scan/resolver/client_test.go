package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carescan/carescan/internal/scan/failure"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, 5*time.Second, zerolog.Nop()), srv
}

func accessFixture(status int, body interface{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
}

func TestResolveSuccess(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/share/access" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req accessRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Token != "tok-1" || req.PIN != "" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"patient_data": map[string]string{"name": "Ada"},
			"access_type":  "shared",
			"qr_metadata": map[string]interface{}{
				"scope":             []string{"allergies", "vitals"},
				"share_type":        "multi_use",
				"use_count":         1,
				"max_uses":          5,
				"generated_by_name": "Dr. Byrne",
			},
		})
	}))
	defer srv.Close()

	grant, err := client.Resolve(context.Background(), "tok-1", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !grant.HasScope(ScopeAllergies) || !grant.HasScope(ScopeVitals) {
		t.Fatalf("scopes = %v", grant.ScopeList())
	}
	if grant.HasScope(ScopePrescriptions) {
		t.Fatal("prescriptions should not be granted")
	}
	if grant.Policy.UsesRemaining == nil || *grant.Policy.UsesRemaining != 4 {
		t.Fatalf("uses remaining = %v", grant.Policy.UsesRemaining)
	}
	if grant.Policy.GeneratedBy != "Dr. Byrne" {
		t.Fatalf("generated by = %q", grant.Policy.GeneratedBy)
	}
}

func TestFullAccessImpliesEveryScope(t *testing.T) {
	g := &Grant{Scopes: map[ScopeTag]struct{}{ScopeFullAccess: {}}}
	for _, tag := range []ScopeTag{ScopeAllergies, ScopeVitals, ScopePrescriptions} {
		if !g.HasScope(tag) {
			t.Errorf("full access should imply %s", tag)
		}
	}
}

func TestResolveErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   interface{}
		pin    string
		want   failure.Kind
	}{
		{"requires pin flag", http.StatusUnauthorized, map[string]interface{}{"error": "This code is protected", "requires_pin": true}, "", failure.PinRequired},
		{"pin required message", http.StatusUnauthorized, map[string]interface{}{"error": "PIN required"}, "", failure.PinRequired},
		{"invalid pin message", http.StatusUnauthorized, map[string]interface{}{"error": "Invalid PIN", "requires_pin": true}, "9999", failure.InvalidPin},
		{"expired", http.StatusGone, map[string]interface{}{"error": "QR code has expired"}, "", failure.Expired},
		{"usage limit", http.StatusTooManyRequests, map[string]interface{}{"error": "Usage limit reached"}, "", failure.UsageLimitReached},
		{"facility", http.StatusForbidden, map[string]interface{}{"error": "Facility not authorized for this code"}, "", failure.FacilityNotAuthorized},
		{"not found", http.StatusNotFound, map[string]interface{}{"error": "Code not found"}, "", failure.NotFound},
		{"revoked", http.StatusBadRequest, map[string]interface{}{"error": "Invalid or revoked token"}, "", failure.InvalidToken},
		{"status fallback 404", http.StatusNotFound, map[string]interface{}{}, "", failure.NotFound},
		{"status fallback 401 with pin", http.StatusUnauthorized, map[string]interface{}{}, "1234", failure.InvalidPin},
		{"opaque 500", http.StatusInternalServerError, map[string]interface{}{"error": "boom"}, "", failure.Unexpected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newTestClient(accessFixture(tc.status, tc.body))
			defer srv.Close()

			_, err := client.Resolve(context.Background(), "tok", tc.pin)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.KindOf(err); got != tc.want {
				t.Fatalf("kind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // immediately unreachable
	client := NewClient(srv.URL, time.Second, zerolog.Nop())

	_, err := client.Resolve(context.Background(), "tok", "")
	if failure.KindOf(err) != failure.NetworkUnavailable {
		t.Fatalf("kind = %q, want network_unavailable", failure.KindOf(err))
	}
}

func TestGenerate(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/share/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(GenerateResponse{
			Token:     "new-token",
			AccessURL: "https://carescan.example.com/share/view?token=new-token",
			QRID:      "qr-1",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}))
	defer srv.Close()

	resp, err := client.Generate(context.Background(), GenerateRequest{
		PatientID: "p1",
		Scope:     []ScopeTag{ScopeViewOnly},
		ShareType: "view_once",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Token != "new-token" || resp.QRID != "qr-1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListRevokeAudit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/share/codes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("patient_id"); got != "p1" {
			t.Errorf("patient_id = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"qr_codes": []CodeSummary{{QRID: "qr-1", PatientID: "p1", Status: "active"}},
		})
	})
	mux.HandleFunc("/api/share/codes/qr-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %q", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/share/codes/qr-1/audit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AuditResponse{
			QRCode:     CodeSummary{QRID: "qr-1"},
			AccessLogs: []AccessLogEntry{{Success: true}},
		})
	})

	client, srv := newTestClient(mux)
	defer srv.Close()

	codes, err := client.List(context.Background(), "p1")
	if err != nil || len(codes) != 1 || codes[0].QRID != "qr-1" {
		t.Fatalf("List: %v %v", codes, err)
	}
	if err := client.Revoke(context.Background(), "qr-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	audit, err := client.Audit(context.Background(), "qr-1")
	if err != nil || len(audit.AccessLogs) != 1 {
		t.Fatalf("Audit: %v %v", audit, err)
	}
}
