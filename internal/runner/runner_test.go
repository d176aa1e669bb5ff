package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/surveyor/internal/campaign"
	"github.com/foxzi/surveyor/internal/condition"
	"github.com/foxzi/surveyor/internal/ledger"
	"github.com/foxzi/surveyor/internal/limesurvey"
	"github.com/foxzi/surveyor/internal/mailer"
	"github.com/foxzi/surveyor/internal/repository"
)

const spColumn = "ShortPseudonym.Intake"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSurveys struct {
	mu    sync.Mutex
	props limesurvey.Properties
	calls int
}

func (f *fakeSurveys) GetSurveyProperties(ctx context.Context, id int, names ...string) (limesurvey.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.props, nil
}

func (f *fakeSurveys) CopySurvey(ctx context.Context, id int, name string) (int, error) {
	return 0, errors.New("not used")
}

func (f *fakeSurveys) ActivateSurvey(ctx context.Context, id int) error { return nil }

func (f *fakeSurveys) ActivateTokens(ctx context.Context, id int) error { return nil }

func (f *fakeSurveys) AddParticipantAsToken(ctx context.Context, id int, token string) error {
	return nil
}

type recordingTransport struct {
	sent []*mailer.Message
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, msg *mailer.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// failingHistory fails every write of the history column.
type failingHistory struct {
	repository.Client
}

func (f failingHistory) Write(ctx context.Context, sp, column string, data []byte, ext string) error {
	if column == "EmailsSent" {
		return errors.New("repository unavailable")
	}
	return f.Client.Write(ctx, sp, column, data, ext)
}

type fixture struct {
	store     *repository.BoltStore
	surveys   *fakeSurveys
	transport *recordingTransport
	now       time.Time
	slept     []time.Duration
	outcomes  []Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewBoltStore(filepath.Join(t.TempDir(), "repo.db"), []string{spColumn})
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{
		store:     store,
		surveys:   &fakeSurveys{props: limesurvey.Properties{"active": "Y", "anonymized": "N"}},
		transport: &recordingTransport{},
		now:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local),
	}
}

func (f *fixture) participant(t *testing.T, id string, cols map[string]string) {
	t.Helper()
	for col, val := range cols {
		if err := f.store.Put(context.Background(), id, col, val); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
}

func (f *fixture) runner(repo repository.Client, dryRun bool) *Runner {
	return New(Options{
		Repository: repo,
		Surveys:    f.surveys,
		Transport:  f.transport,
		From:       "study@example.org",
		Cooldown:   100 * time.Second,
		DryRun:     dryRun,
		Observer:   ObserverFunc(func(o Outcome) { f.outcomes = append(f.outcomes, o) }),
		Logger:     testLogger(),
		Now:        func() time.Time { return f.now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		},
	})
}

func intPtr(v int) *int {
	return &v
}

func onceCampaign() *campaign.Config {
	return &campaign.Config{
		Enabled:              true,
		TemplateSurveyIDs:    []int{100},
		MaxReminders:         intPtr(1),
		DaysBetweenReminders: intPtr(7),
		ShortPseudonymColumn: spColumn,
		EmailColumn:          "Email",
		HistoryColumn:        "EmailsSent",
		SurveyIDsColumn:      "SurveyIDs",
		NameColumn:           "Name",
		SurveyBaseURL:        "https://survey.example.org",
		EmailSubject:         "Your survey",
		EmailTemplate:        "Dear {{.recipient_name}}, {{.survey_link}}",
	}
}

func (f *fixture) last() Outcome {
	return f.outcomes[len(f.outcomes)-1]
}

func TestRunReminderLifecycle(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "anna@example.com", "Name": "Anna"})
	r := f.runner(f.store, false)
	cfg := onceCampaign()
	ctx := context.Background()

	// Run 1: initial invitation.
	s, err := r.Run(ctx, "intake", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Sent != 1 || s.Reminders != 0 || s.Emailed != 1 {
		t.Fatalf("run 1 summary = %+v", s)
	}
	if got := f.transport.sent[0]; got.Subject != "Your survey" || !strings.Contains(got.Text, "https://survey.example.org/100?token=SP1") {
		t.Errorf("run 1 message = %q / %q", got.Subject, got.Text)
	}

	// Run 2, same day: too soon.
	if _, err := r.Run(ctx, "intake", cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("run 2 sent %d messages, want 1 in total", len(f.transport.sent))
	}
	if o := f.last(); o.Kind != Skipped || !strings.Contains(o.Reason, "days since last send") {
		t.Errorf("run 2 outcome = %+v", o)
	}

	// Run 3, eight days later: reminder.
	f.now = f.now.AddDate(0, 0, 8)
	s, err = r.Run(ctx, "intake", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Reminders != 1 || len(f.transport.sent) != 2 {
		t.Fatalf("run 3 summary = %+v", s)
	}
	if o := f.last(); o.Kind != Sent || !o.Reminder || o.SurveyID != 100 {
		t.Errorf("run 3 outcome = %+v", o)
	}
	if got := f.transport.sent[1].Subject; got != "Reminder: Your survey" {
		t.Errorf("run 3 subject = %q", got)
	}

	// Run 4: limit reached.
	f.now = f.now.AddDate(0, 0, 30)
	if _, err := r.Run(ctx, "intake", cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.transport.sent) != 2 {
		t.Errorf("run 4 sent a message")
	}
	if o := f.last(); o.Kind != Skipped || !strings.Contains(o.Reason, "Maximum sends (2: 1 initial + 1 reminders) reached") {
		t.Errorf("run 4 outcome = %+v", o)
	}

	cols, err := f.store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	h, err := ledger.ParseHistory(cols["EmailsSent"])
	if err != nil {
		t.Fatalf("ParseHistory() error = %v", err)
	}
	sends, _ := h.Sends("intake", 100)
	if len(sends) != 2 {
		t.Errorf("recorded sends = %d, want 2", len(sends))
	}
	if h.HashedEmail != ledger.HashEmail("anna@example.com") {
		t.Errorf("hashed_email = %q", h.HashedEmail)
	}
	if cols["SurveyIDs"] != `{"intake":[100]}` {
		t.Errorf("SurveyIDs = %q", cols["SurveyIDs"])
	}
	if len(f.slept) != 2 || f.slept[0] != 100*time.Second {
		t.Errorf("cool-downs = %v, want two of 100s", f.slept)
	}
}

func TestRunIdempotent(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "anna@example.com"})
	f.participant(t, "p2", map[string]string{spColumn: "SP2", "Email": "bob@example.com"})
	r := f.runner(f.store, false)
	cfg := onceCampaign()
	cfg.TemplateSurveyIDs = []int{100, 101}
	cfg.RepetitionType = "sequence"
	cfg.IntervalDays = intPtr(7)
	cfg.StartDates = []string{"2024-01-01"}

	first, err := r.Run(context.Background(), "weekly", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.Sent != 4 {
		t.Fatalf("first run sent %d, want 4", first.Sent)
	}
	calls := f.surveys.calls

	second, err := r.Run(context.Background(), "weekly", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if second.Sent != 0 {
		t.Errorf("second run sent %d, want 0", second.Sent)
	}
	if f.surveys.calls != calls {
		t.Errorf("second run made %d allocation calls", f.surveys.calls-calls)
	}
}

func TestRunNeverExceedsLimit(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "anna@example.com"})
	r := f.runner(f.store, false)
	cfg := onceCampaign()
	cfg.MaxReminders = intPtr(2)
	cfg.DaysBetweenReminders = intPtr(1)

	for i := 0; i < 10; i++ {
		if _, err := r.Run(context.Background(), "intake", cfg); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		f.now = f.now.AddDate(0, 0, 3)
	}
	if len(f.transport.sent) != 3 {
		t.Errorf("sent %d messages over 10 runs, want 3", len(f.transport.sent))
	}
}

func TestRunSkipsParticipants(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1"})
	f.participant(t, "p2", map[string]string{spColumn: "SP2", "Email": "b@example.com", "EmailsSent": "{not json"})
	f.participant(t, "p3", map[string]string{spColumn: "SP3", "Email": "c@example.com", "SurveyIDs": "[1, 2]"})
	f.participant(t, "p4", map[string]string{spColumn: "SP4", "Email": "d@example.com"})
	r := f.runner(f.store, false)

	s, err := r.Run(context.Background(), "intake", onceCampaign())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Participants != 4 || s.Skipped != 3 || s.Processed() != 1 || s.Emailed != 1 {
		t.Errorf("summary = %+v", s)
	}

	var format *ledger.FormatError
	skipped := 0
	for _, o := range f.outcomes {
		if o.Position == NoPosition && o.Kind == Skipped {
			skipped++
			if o.ShortPseudonym != "SP1" && !errors.As(o.Err, &format) {
				t.Errorf("outcome %+v, want FormatError", o)
			}
		}
	}
	if skipped != 3 {
		t.Errorf("participant skips = %d, want 3", skipped)
	}
}

func TestRunConditions(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com", "Status": "B"})
	f.participant(t, "p2", map[string]string{spColumn: "SP2", "Email": "b@example.com", "Status": "C"})
	f.participant(t, "p3", map[string]string{spColumn: "SP3", "Email": "c@example.com", "Status": "A", "Withdrawn": "yes"})
	r := f.runner(f.store, false)

	cfg := onceCampaign()
	cfg.Conditions = []condition.Condition{
		{Column: "Status", Operator: condition.OpIsOneOf, Value: []any{"A", "B"}},
		{Column: "Withdrawn", Operator: condition.OpIsEmpty},
	}

	s, err := r.Run(context.Background(), "intake", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Sent != 1 || s.OccurrencesSkipped != 2 {
		t.Errorf("summary = %+v", s)
	}
	for _, o := range f.outcomes {
		if o.ShortPseudonym == "SP2" && !strings.Contains(o.Reason, "Status") {
			t.Errorf("SP2 reason = %q", o.Reason)
		}
		if o.ShortPseudonym == "SP3" && !strings.Contains(o.Reason, "Withdrawn") {
			t.Errorf("SP3 reason = %q", o.Reason)
		}
	}
	if f.surveys.calls != 1 {
		t.Errorf("allocation calls = %d, gated occurrences must not allocate", f.surveys.calls)
	}
}

func TestRunSchedule(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com"})
	r := f.runner(f.store, false)

	cfg := onceCampaign()
	cfg.RepetitionType = "schedule"
	cfg.TemplateSurveyIDs = []int{100, 101}
	cfg.StartDates = []string{"2024-02-01", "2024-04-01"}

	s, err := r.Run(context.Background(), "intake", cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Sent != 1 || s.OccurrencesSkipped != 1 {
		t.Errorf("summary = %+v", s)
	}
	if o := f.last(); o.Position != 1 || !strings.Contains(o.Reason, "not yet reached") {
		t.Errorf("outcome = %+v", o)
	}
}

func TestRunCriticalLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com"})
	f.participant(t, "p2", map[string]string{spColumn: "SP2", "Email": "b@example.com"})
	r := f.runner(failingHistory{Client: f.store}, false)

	_, err := r.Run(context.Background(), "intake", onceCampaign())
	var critical *CriticalLedgerError
	if !errors.As(err, &critical) {
		t.Fatalf("Run() error = %v, want *CriticalLedgerError", err)
	}
	if critical.ShortPseudonym != "SP1" || critical.SurveyID != 100 {
		t.Errorf("critical = %+v", critical)
	}
	if !strings.Contains(err.Error(), "MANUAL ACTION REQUIRED") {
		t.Errorf("error = %q", err)
	}
	if len(f.transport.sent) != 1 {
		t.Errorf("run continued after ledger failure: %d sends", len(f.transport.sent))
	}
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com"})
	r := f.runner(f.store, true)

	s, err := r.Run(context.Background(), "intake", onceCampaign())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Sent != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(f.slept) != 0 {
		t.Error("dry run waited for the cool-down")
	}
	if f.surveys.calls != 0 {
		t.Error("dry run called the survey tool")
	}
	cols, err := f.store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cols["EmailsSent"] != "" || cols["SurveyIDs"] != "" {
		t.Errorf("dry run persisted ledgers: %v", cols)
	}
}

func TestRunTransmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com"})
	f.transport.err = errors.New("550 mailbox unavailable")
	r := f.runner(f.store, false)

	s, err := r.Run(context.Background(), "intake", onceCampaign())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.OccurrencesFailed != 1 || s.Sent != 0 {
		t.Errorf("summary = %+v", s)
	}
	cols, _ := f.store.Get(context.Background(), "p1")
	if cols["EmailsSent"] != "" {
		t.Error("failed transmission was recorded")
	}
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "p1", map[string]string{spColumn: "SP1", "Email": "a@example.com"})
	r := f.runner(f.store, false)

	disabled := onceCampaign()
	disabled.Enabled = false
	campaigns := map[string]*campaign.Config{
		"b_followup": onceCampaign(),
		"a_intake":   onceCampaign(),
		"c_off":      disabled,
	}
	campaigns["b_followup"].TemplateSurveyIDs = []int{200}

	s, err := r.RunAll(context.Background(), campaigns, "")
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if len(s.SurveyTypes) != 2 || s.SurveyTypes[0] != "a_intake" || s.Sent != 2 {
		t.Errorf("summary = %+v", s)
	}

	if _, err := r.RunAll(context.Background(), campaigns, "c_off"); err == nil {
		t.Error("RunAll() expected error for disabled campaign")
	}
	if _, err := r.RunAll(context.Background(), campaigns, "missing"); err == nil {
		t.Error("RunAll() expected error for unknown campaign")
	}

	bad := onceCampaign()
	bad.RepetitionType = "schedule"
	bad.TemplateSurveyIDs = []int{1, 2}
	bad.StartDates = []string{"2024-02-01", "2024-01-01"}
	campaigns["d_bad"] = bad
	sent := len(f.transport.sent)
	_, err = r.RunAll(context.Background(), campaigns, "")
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("RunAll() error = %v, want *campaign.ValidationError", err)
	}
	if len(f.transport.sent) != sent {
		t.Error("invalid configuration must fail before any participant is processed")
	}
}

func TestObservers(t *testing.T) {
	var got []Kind
	obs := Observers{
		ObserverFunc(func(o Outcome) { got = append(got, o.Kind) }),
		nil,
		NewLogObserver(testLogger()),
	}
	obs.Observe(Outcome{Kind: Failed, Position: 0, Err: errors.New("boom")})
	obs.Observe(Outcome{Kind: Skipped, Position: NoPosition, Reason: "Missing email"})
	if len(got) != 2 || got[0] != Failed || got[1] != Skipped {
		t.Errorf("observed %v", got)
	}
	if Sent.String() != "sent" {
		t.Errorf("Sent.String() = %q", Sent.String())
	}
}
