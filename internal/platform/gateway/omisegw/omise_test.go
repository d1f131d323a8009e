package omisegw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omise/omise-go"

	"github.com/clinic/clinic/internal/platform/gateway"
)

func newTestGateway(t *testing.T, srv *httptest.Server) *Gateway {
	t.Helper()
	g, err := New(Config{PublicKey: "pkey_test_123", SecretKey: "skey_test_123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		g.apiBase = srv.URL
		g.http = srv.Client()
	}
	return g
}

func TestToSession(t *testing.T) {
	tests := []struct {
		status string
		want   gateway.SessionStatus
		charge bool
	}{
		{"pending", gateway.SessionOpen, false},
		{"successful", gateway.SessionPaid, true},
		{"failed", gateway.SessionExpired, false},
		{"expired", gateway.SessionExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ch := &omise.Charge{Status: omise.ChargeStatus(tt.status)}
			ch.ID = "chrg_test_1"
			s := toSession(ch)
			if s.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, s.Status)
			}
			if tt.charge && s.ChargeID != "chrg_test_1" {
				t.Errorf("expected charge handle chrg_test_1, got %q", s.ChargeID)
			}
			if !tt.charge && s.ChargeID != "" {
				t.Errorf("expected no charge handle, got %q", s.ChargeID)
			}
		})
	}
}

func TestExpireSession_CallsExpireEndpoint(t *testing.T) {
	var gotPath, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"object":"charge","id":"chrg_test_1","status":"expired"}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv)
	if err := g.ExpireSession(context.Background(), "chrg_test_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/charges/chrg_test_1/expire" {
		t.Errorf("expected expire path, got %s", gotPath)
	}
	if gotUser != "skey_test_123" {
		t.Errorf("expected secret key as basic auth user, got %q", gotUser)
	}
}

func TestExpireSession_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		transient bool
	}{
		{"already expired", http.StatusBadRequest, false},
		{"server error", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(`{"object":"error","code":"failed_expire"}`))
			}))
			defer srv.Close()

			g := newTestGateway(t, srv)
			err := g.ExpireSession(context.Background(), "chrg_test_1")
			if err == nil {
				t.Fatal("expected error")
			}
			if gateway.IsTransient(err) != tt.transient {
				t.Errorf("expected transient=%v, got %v", tt.transient, err)
			}
		})
	}
}

func TestRefund_RejectsZero(t *testing.T) {
	g := newTestGateway(t, nil)
	if _, err := g.Refund(context.Background(), "chrg_test_1", 0); err == nil {
		t.Error("expected error for zero refund")
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	g := newTestGateway(t, nil)
	if _, err := g.ParseEvent(context.Background(), []byte(`not json`), http.Header{}); err == nil {
		t.Error("expected error for malformed body")
	}
}
