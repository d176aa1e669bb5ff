package limesurvey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeServer struct {
	mu       sync.Mutex
	calls    map[string]int
	keys     []string
	handlers map[string]func(params []json.RawMessage) (any, any)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		calls:    make(map[string]int),
		handlers: make(map[string]func(params []json.RawMessage) (any, any)),
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     int64             `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	n := f.calls[req.Method]
	h := f.handlers[req.Method]
	if req.Method != "get_session_key" && len(req.Params) > 0 {
		var key string
		json.Unmarshal(req.Params[0], &key)
		f.keys = append(f.keys, key)
	}
	f.mu.Unlock()

	var result, rpcErr any
	switch {
	case h != nil:
		result, rpcErr = h(req.Params)
	case req.Method == "get_session_key":
		result = "key-" + string(rune('0'+n))
	case req.Method == "release_session_key":
		result = "OK"
	default:
		rpcErr = "unknown method"
	}

	json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
}

func (f *fakeServer) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{URL: srv.URL}, StaticCredentials{Username: "u", Password: "p"}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestCallPrependsSessionKey(t *testing.T) {
	f := newFakeServer()
	f.handlers["get_survey_properties"] = func(params []json.RawMessage) (any, any) {
		return map[string]string{"active": "Y", "anonymized": "N"}, nil
	}
	c := newTestClient(t, f)

	props, err := c.GetSurveyProperties(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSurveyProperties() error = %v", err)
	}
	if !props.Active() || props.Anonymized() {
		t.Errorf("props = %v", props)
	}
	if len(f.keys) != 1 || f.keys[0] != "key-1" {
		t.Errorf("session keys sent = %v, want [key-1]", f.keys)
	}
}

func TestCallReauthenticatesOnce(t *testing.T) {
	f := newFakeServer()
	attempts := 0
	f.handlers["activate_survey"] = func(params []json.RawMessage) (any, any) {
		attempts++
		if attempts == 1 {
			return map[string]string{"status": "Invalid session key"}, nil
		}
		return map[string]string{"status": "OK"}, nil
	}
	c := newTestClient(t, f)

	if err := c.ActivateSurvey(context.Background(), 7); err != nil {
		t.Fatalf("ActivateSurvey() error = %v", err)
	}
	if got := f.count("get_session_key"); got != 2 {
		t.Errorf("get_session_key calls = %d, want 2", got)
	}
	if f.keys[1] != "key-2" {
		t.Errorf("retry used key %s, want key-2", f.keys[1])
	}
}

func TestCallSessionExpired(t *testing.T) {
	f := newFakeServer()
	f.handlers["activate_survey"] = func(params []json.RawMessage) (any, any) {
		return map[string]string{"status": "Invalid session key"}, nil
	}
	c := newTestClient(t, f)

	err := c.ActivateSurvey(context.Background(), 7)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("ActivateSurvey() error = %v, want ErrSessionExpired", err)
	}
	if got := f.count("activate_survey"); got != 2 {
		t.Errorf("activate_survey calls = %d, want 2", got)
	}
}

func TestFault(t *testing.T) {
	f := newFakeServer()
	f.handlers["activate_tokens"] = func(params []json.RawMessage) (any, any) {
		return nil, "Survey participants table already exists"
	}
	c := newTestClient(t, f)

	err := c.ActivateTokens(context.Background(), 7)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("ActivateTokens() error = %v, want *Fault", err)
	}
	if fault.Op != "activate_tokens" {
		t.Errorf("Fault.Op = %s", fault.Op)
	}
}

func TestFaultLogging(t *testing.T) {
	f := newFakeServer()
	f.handlers["activate_tokens"] = func(params []json.RawMessage) (any, any) {
		return nil, "Survey participants table already exists"
	}
	f.handlers["copy_survey"] = func(params []json.RawMessage) (any, any) {
		return nil, "Survey not found"
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	c, err := New(context.Background(), Config{URL: srv.URL}, StaticCredentials{Username: "u", Password: "p"}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := c.ActivateTokens(context.Background(), 7); err == nil {
		t.Fatal("ActivateTokens() expected error")
	}
	if errorRecords(buf.String()) != 0 {
		t.Errorf("activate_tokens fault logged as error:\n%s", buf.String())
	}

	buf.Reset()
	if _, err := c.CopySurvey(context.Background(), 1, "Intake - SP1"); err == nil {
		t.Fatal("CopySurvey() expected error")
	}
	out := buf.String()
	if got := errorRecords(out); got != 1 {
		t.Errorf("copy_survey fault error records = %d, want 1:\n%s", got, out)
	}
	if !strings.Contains(out, `"op":"copy_survey"`) || !strings.Contains(out, "Survey not found") {
		t.Errorf("copy_survey error record lacks op or message:\n%s", out)
	}
}

func errorRecords(out string) int {
	return strings.Count(out, `"level":"ERROR"`)
}

func TestActivateSurveyAlreadyActive(t *testing.T) {
	f := newFakeServer()
	f.handlers["activate_survey"] = func(params []json.RawMessage) (any, any) {
		return map[string]string{"status": "Error: Survey already active"}, nil
	}
	c := newTestClient(t, f)

	if err := c.ActivateSurvey(context.Background(), 7); err != nil {
		t.Errorf("ActivateSurvey() error = %v", err)
	}
}

func TestCopySurvey(t *testing.T) {
	f := newFakeServer()
	f.handlers["copy_survey"] = func(params []json.RawMessage) (any, any) {
		var name string
		json.Unmarshal(params[2], &name)
		if name != "Intake - SP1" {
			return map[string]string{"status": "bad name " + name}, nil
		}
		return map[string]any{"status": "OK", "newsid": "815"}, nil
	}
	c := newTestClient(t, f)

	id, err := c.CopySurvey(context.Background(), 1, "Intake - SP1")
	if err != nil {
		t.Fatalf("CopySurvey() error = %v", err)
	}
	if id != 815 {
		t.Errorf("CopySurvey() = %d, want 815", id)
	}
}

func TestAddParticipantAsTokenExists(t *testing.T) {
	f := newFakeServer()
	f.handlers["add_participants"] = func(params []json.RawMessage) (any, any) {
		return []map[string]any{{"token": "SP1", "errors": map[string][]string{"token": {"already exists"}}}}, nil
	}
	c := newTestClient(t, f)

	err := c.AddParticipantAsToken(context.Background(), 7, "SP1")
	if !errors.Is(err, ErrTokenExists) {
		t.Errorf("AddParticipantAsToken() error = %v, want ErrTokenExists", err)
	}
}

func TestAddParticipantAsTokenRejected(t *testing.T) {
	tests := []struct {
		name   string
		errors any
	}{
		{"token too long", map[string][]string{"token": {"Token is too long (maximum is 35 characters)."}}},
		{"other attribute", map[string][]string{"email": {"Email must be unique"}}},
		{"unstructured", "Cannot save participant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeServer()
			f.handlers["add_participants"] = func(params []json.RawMessage) (any, any) {
				return []map[string]any{{"token": "SP1", "errors": tt.errors}}, nil
			}
			c := newTestClient(t, f)

			err := c.AddParticipantAsToken(context.Background(), 7, "SP1")
			if errors.Is(err, ErrTokenExists) {
				t.Fatalf("AddParticipantAsToken() error = %v, must not be ErrTokenExists", err)
			}
			var status *StatusError
			if !errors.As(err, &status) {
				t.Fatalf("AddParticipantAsToken() error = %v, want *StatusError", err)
			}
			if status.Op != "add_participants" {
				t.Errorf("StatusError.Op = %s", status.Op)
			}
		})
	}
}

func TestAddParticipantAsTokenDuplicateMessages(t *testing.T) {
	for _, msg := range []string{
		`Access code "SP1" has already been taken.`,
		"Token must be unique",
	} {
		errs, _ := json.Marshal(map[string][]string{"token": {msg}})
		if !duplicateToken(errs) {
			t.Errorf("duplicateToken(%q) = false, want true", msg)
		}
	}
}

func TestExportResponseByToken(t *testing.T) {
	f := newFakeServer()
	f.handlers["export_responses_by_token"] = func(params []json.RawMessage) (any, any) {
		var token []string
		json.Unmarshal(params[3], &token)
		if token[0] == "none" {
			return map[string]string{"status": "No Response found for Token"}, nil
		}
		doc := `{"responses":[{"id":"1","token":"SP1","Q1":"yes"}]}`
		return base64.StdEncoding.EncodeToString([]byte(doc)), nil
	}
	c := newTestClient(t, f)

	resp, err := c.ExportResponseByToken(context.Background(), 7, "SP1", "nl", "complete")
	if err != nil {
		t.Fatalf("ExportResponseByToken() error = %v", err)
	}
	if resp["Q1"] != "yes" {
		t.Errorf("response = %v", resp)
	}

	resp, err = c.ExportResponseByToken(context.Background(), 7, "none", "nl", "complete")
	if err != nil || resp != nil {
		t.Errorf("ExportResponseByToken(none) = %v, %v; want nil, nil", resp, err)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	f := newFakeServer()
	c := newTestClient(t, f)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := f.count("release_session_key"); got != 1 {
		t.Errorf("release_session_key calls = %d, want 1", got)
	}

	var never *Client
	if err := never.Close(context.Background()); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := (&Client{logger: testLogger()}).Close(context.Background()); err != nil {
		t.Errorf("unauthenticated Close() error = %v", err)
	}
}

func TestNewStatusIsError(t *testing.T) {
	f := newFakeServer()
	f.handlers["get_session_key"] = func(params []json.RawMessage) (any, any) {
		return map[string]string{"status": "Invalid user name or password"}, nil
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	if _, err := New(context.Background(), Config{URL: srv.URL}, StaticCredentials{Username: "u", Password: "x"}, testLogger()); err == nil {
		t.Error("New() expected error for status result")
	}
}

func TestFileCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte(`{"username":"alice","password":"s3cret"}`), 0600); err != nil {
		t.Fatalf("failed to write credentials: %v", err)
	}
	cr, err := FileCredentials(path).Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if cr.Username != "alice" || cr.Password != "s3cret" || cr.AuthPlugin != "" {
		t.Errorf("Credentials() = %+v", cr)
	}

	if _, err := FileCredentials(filepath.Join(t.TempDir(), "missing.json")).Credentials(context.Background()); err == nil {
		t.Error("Credentials() expected error for missing file")
	}
}
