package allocator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/foxzi/surveyor/internal/ledger"
	"github.com/foxzi/surveyor/internal/limesurvey"
)

type fakeAPI struct {
	props        limesurvey.Properties
	nextID       int
	calls        map[string]int
	tokenExists  bool
	activateFail error
	tokensFail   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		props:  limesurvey.Properties{"active": "Y", "anonymized": "N"},
		nextID: 500,
		calls:  make(map[string]int),
	}
}

func (f *fakeAPI) GetSurveyProperties(ctx context.Context, id int, names ...string) (limesurvey.Properties, error) {
	f.calls["get_survey_properties"]++
	return f.props, nil
}

func (f *fakeAPI) CopySurvey(ctx context.Context, id int, name string) (int, error) {
	f.calls["copy_survey"]++
	f.nextID++
	return f.nextID, nil
}

func (f *fakeAPI) ActivateSurvey(ctx context.Context, id int) error {
	f.calls["activate_survey"]++
	return f.activateFail
}

func (f *fakeAPI) ActivateTokens(ctx context.Context, id int) error {
	f.calls["activate_tokens"]++
	return f.tokensFail
}

func (f *fakeAPI) AddParticipantAsToken(ctx context.Context, id int, token string) error {
	f.calls["add_participants"]++
	if f.tokenExists {
		return limesurvey.ErrTokenExists
	}
	return nil
}

type fakeWriter struct {
	writes map[string]string
	err    error
}

func (w *fakeWriter) Write(ctx context.Context, sp, column string, data []byte, ext string) error {
	if w.err != nil {
		return w.err
	}
	if w.writes == nil {
		w.writes = make(map[string]string)
	}
	w.writes[sp+"/"+column+ext] = string(data)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(pos int) Request {
	return Request{
		ShortPseudonym: "SP1",
		SurveyType:     "weekly",
		Position:       pos,
		TemplateID:     100 + pos,
		CopySurvey:     true,
		Column:         "SurveyIDs",
	}
}

func TestEnsureSurveyIdempotent(t *testing.T) {
	api := newFakeAPI()
	w := &fakeWriter{}
	a := New(api, w, false, testLogger())
	ctx := context.Background()

	id1, ids, err := a.EnsureSurvey(ctx, request(0), ledger.SurveyIDs{})
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if w.writes["SP1/SurveyIDs.json"] != `{"weekly":[501]}` {
		t.Errorf("persisted = %q", w.writes["SP1/SurveyIDs.json"])
	}

	id2, _, err := a.EnsureSurvey(ctx, request(0), ids)
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("EnsureSurvey() ids differ: %d != %d", id1, id2)
	}
	if api.calls["copy_survey"] != 1 {
		t.Errorf("copy_survey calls = %d, want 1", api.calls["copy_survey"])
	}
}

func TestEnsureSurveyTemplate(t *testing.T) {
	api := newFakeAPI()
	api.props = limesurvey.Properties{"active": "N", "anonymized": "N"}
	api.tokensFail = &limesurvey.Fault{Op: "activate_tokens", Message: "table exists"}
	api.tokenExists = true
	a := New(api, &fakeWriter{}, false, testLogger())

	req := request(0)
	req.CopySurvey = false
	id, _, err := a.EnsureSurvey(context.Background(), req, ledger.SurveyIDs{})
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if id != 100 {
		t.Errorf("EnsureSurvey() = %d, want template id 100", id)
	}
	if api.calls["activate_survey"] != 1 {
		t.Errorf("activate_survey calls = %d, want 1", api.calls["activate_survey"])
	}
}

func TestEnsureSurveyAnonymized(t *testing.T) {
	api := newFakeAPI()
	api.props = limesurvey.Properties{"active": "Y", "anonymized": "Y"}
	w := &fakeWriter{}
	a := New(api, w, false, testLogger())

	req := request(0)
	req.CopySurvey = false
	_, ids, err := a.EnsureSurvey(context.Background(), req, ledger.SurveyIDs{})
	if !errors.Is(err, ErrAllocationSkip) {
		t.Fatalf("EnsureSurvey() error = %v, want ErrAllocationSkip", err)
	}
	if len(ids["weekly"]) != 0 || len(w.writes) != 0 {
		t.Error("skipped allocation must not be recorded")
	}
}

func TestEnsureSurveyUnactivatable(t *testing.T) {
	api := newFakeAPI()
	api.props = limesurvey.Properties{"active": "N", "anonymized": "N"}
	api.activateFail = &limesurvey.StatusError{Op: "activate_survey", Status: "Error: No permission"}
	a := New(api, &fakeWriter{}, false, testLogger())

	req := request(0)
	req.CopySurvey = false
	if _, _, err := a.EnsureSurvey(context.Background(), req, ledger.SurveyIDs{}); !errors.Is(err, ErrAllocationSkip) {
		t.Errorf("EnsureSurvey() error = %v, want ErrAllocationSkip", err)
	}
}

func TestEnsureSurveyReportAndDryRun(t *testing.T) {
	api := newFakeAPI()
	w := &fakeWriter{}

	req := request(2)
	req.IsReport = true
	id, _, err := New(api, w, false, testLogger()).EnsureSurvey(context.Background(), req, ledger.SurveyIDs{})
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if id != 102 {
		t.Errorf("report id = %d, want 102", id)
	}
	if len(api.calls) != 0 {
		t.Errorf("report allocation made remote calls: %v", api.calls)
	}

	w = &fakeWriter{}
	id, ids, err := New(api, w, true, testLogger()).EnsureSurvey(context.Background(), request(1), ledger.SurveyIDs{})
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if id != 2 {
		t.Errorf("dry run id = %d, want 2", id)
	}
	if got, _ := ids.At("weekly", 1); got != 2 {
		t.Errorf("dry run ledger = %v", ids)
	}
	if len(w.writes) != 0 || len(api.calls) != 0 {
		t.Error("dry run must not persist or call remote")
	}
}

func TestEnsureSurveyPersistFailure(t *testing.T) {
	api := newFakeAPI()
	a := New(api, &fakeWriter{err: errors.New("disk full")}, false, testLogger())

	_, ids, err := a.EnsureSurvey(context.Background(), request(0), ledger.SurveyIDs{})
	if err == nil {
		t.Fatal("EnsureSurvey() expected error")
	}
	if _, ok := ids.At("weekly", 0); ok {
		t.Error("failed persist must return the previous ledger")
	}
}

func TestEnsureSurveyResumesFailedCopy(t *testing.T) {
	api := newFakeAPI()
	api.tokensFail = errors.New("connection reset by peer")
	w := &fakeWriter{}
	a := New(api, w, false, testLogger())
	ctx := context.Background()

	_, ids, err := a.EnsureSurvey(ctx, request(0), ledger.SurveyIDs{})
	if err == nil {
		t.Fatal("EnsureSurvey() expected error")
	}
	if got, ok := ids.At("weekly", 0); !ok || got != 501 {
		t.Fatalf("ledger after failed setup = %v, want copy 501 recorded", ids)
	}
	if w.writes["SP1/SurveyIDs.json"] != `{"weekly":[501]}` {
		t.Errorf("persisted = %q", w.writes["SP1/SurveyIDs.json"])
	}

	// The copy is still inactive; the next run finishes its setup.
	api.tokensFail = &limesurvey.Fault{Op: "activate_tokens", Message: "table exists"}
	api.props = limesurvey.Properties{"active": "N", "anonymized": "N"}
	id, ids, err := a.EnsureSurvey(ctx, request(0), ids)
	if err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if id != 501 {
		t.Errorf("EnsureSurvey() = %d, want 501", id)
	}
	if api.calls["add_participants"] != 1 || api.calls["activate_survey"] != 1 {
		t.Errorf("setup calls = %v, want one enrollment and one activation", api.calls)
	}

	api.props = limesurvey.Properties{"active": "Y", "anonymized": "N"}
	if _, _, err := a.EnsureSurvey(ctx, request(0), ids); err != nil {
		t.Fatalf("EnsureSurvey() error = %v", err)
	}
	if api.calls["copy_survey"] != 1 {
		t.Errorf("copy_survey calls = %d, want 1", api.calls["copy_survey"])
	}
	if api.calls["activate_survey"] != 1 {
		t.Errorf("active copy was set up again: %v", api.calls)
	}
}

func TestSurveyName(t *testing.T) {
	if got := SurveyName("WEEKLY", "SP1", 0); got != "Weekly - SP1" {
		t.Errorf("SurveyName(0) = %q", got)
	}
	if got := SurveyName("weekly", "SP1", 2); got != "Weekly 3 - SP1" {
		t.Errorf("SurveyName(2) = %q", got)
	}
}
