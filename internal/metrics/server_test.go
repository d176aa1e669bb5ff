package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/surveyor/internal/runner"
)

func TestParseNetworks(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{name: "empty list", allowedIPs: nil, wantCount: 0},
		{name: "single IP", allowedIPs: []string{"192.168.1.1"}, wantCount: 1},
		{name: "CIDR notation", allowedIPs: []string{"192.168.0.0/16", "10.0.0.0/8"}, wantCount: 2},
		{name: "IPv6", allowedIPs: []string{"::1", "fd00::/8"}, wantCount: 2},
		{name: "with invalid", allowedIPs: []string{"192.168.1.1", "invalid", "10.0.0.0/33", " "}, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(parseNetworks(tt.allowedIPs, testLogger())); got != tt.wantCount {
				t.Errorf("parseNetworks() count = %d, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestServerEndpoints(t *testing.T) {
	m := New("surveyor")
	m.Observe(runner.Outcome{SurveyType: "intake", Kind: runner.Sent})
	s := NewServer(m, "", []string{"10.0.0.0/8"}, testLogger())

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		forwarded  string
		wantStatus int
		wantBody   string
	}{
		{name: "health", path: "/health", remoteAddr: "192.0.2.1:4000", wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "metrics allowed", path: "/metrics", remoteAddr: "10.1.2.3:4000", wantStatus: http.StatusOK, wantBody: "surveyor_emails_sent_total"},
		{name: "metrics denied", path: "/metrics", remoteAddr: "192.0.2.1:4000", wantStatus: http.StatusForbidden},
		{name: "metrics via proxy", path: "/metrics", remoteAddr: "192.0.2.1:4000", forwarded: "10.9.9.9", wantStatus: http.StatusOK},
		{name: "unknown path", path: "/nope", remoteAddr: "10.1.2.3:4000", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Real-IP", tt.forwarded)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q:\n%s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestServerShutdownWithoutStart(t *testing.T) {
	s := NewServer(New(""), ":0", nil, testLogger())
	if err := s.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
