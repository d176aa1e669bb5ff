package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/foxzi/surveyor/internal/runner"
)

func TestObserve(t *testing.T) {
	m := New("")

	outcomes := []runner.Outcome{
		{SurveyType: "intake", Position: 0, Kind: runner.Sent},
		{SurveyType: "intake", Position: 0, Kind: runner.Sent, Reminder: true},
		{SurveyType: "intake", Position: 1, Kind: runner.Sent},
		{SurveyType: "intake", Position: 0, Kind: runner.Skipped, Reason: "Already sent"},
		{SurveyType: "intake", Position: runner.NoPosition, Kind: runner.Skipped, Reason: "Missing email"},
		{SurveyType: "followup", Position: 0, Kind: runner.Failed, Err: errors.New("smtp down")},
	}
	for _, o := range outcomes {
		m.Observe(o)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"invitations", testutil.ToFloat64(m.EmailsSentTotal.WithLabelValues("intake", "invitation")), 2},
		{"reminders", testutil.ToFloat64(m.EmailsSentTotal.WithLabelValues("intake", "reminder")), 1},
		{"skipped occurrences", testutil.ToFloat64(m.OccurrencesSkippedTotal.WithLabelValues("intake")), 1},
		{"failed occurrences", testutil.ToFloat64(m.OccurrencesFailedTotal.WithLabelValues("followup")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestObserveUploadAndSummary(t *testing.T) {
	m := New("")
	m.ObserveUpload("intake", "response")
	m.ObserveUpload("intake", "response")
	m.ObserveUpload("consent", "consent")
	m.ObserveSummary(runner.Summary{Participants: 12})

	if got := testutil.ToFloat64(m.ResponsesUploadedTotal.WithLabelValues("intake", "response")); got != 2 {
		t.Errorf("responses uploaded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ResponsesUploadedTotal.WithLabelValues("consent", "consent")); got != 1 {
		t.Errorf("consents uploaded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ParticipantsTotal); got != 12 {
		t.Errorf("participants = %v, want 12", got)
	}
}

func TestRunFinished(t *testing.T) {
	m := New("")
	start := time.Unix(1700000000, 0)
	m.RunFinished(start, start.Add(90*time.Second))

	if got := testutil.ToFloat64(m.LastRunTimestamp); got != 1700000090 {
		t.Errorf("last run timestamp = %v, want 1700000090", got)
	}
	if got := testutil.ToFloat64(m.RunDurationSeconds); got != 90 {
		t.Errorf("run duration = %v, want 90", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "textfiles")
	m := New("surveyor-test")
	m.Observe(runner.Outcome{SurveyType: "intake", Kind: runner.Sent})
	m.FatalError.Set(1)

	if err := m.WriteTextfile(dir, "prod"); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "prod_surveyor.prom"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `surveyor_emails_sent_total{job="surveyor-test",kind="invitation",survey_type="intake"} 1`) {
		t.Errorf("textfile missing sent counter:\n%s", text)
	}
	if strings.Contains(text, FatalErrorMetric+"{") {
		t.Errorf("textfile should not contain %s:\n%s", FatalErrorMetric, text)
	}
}

func TestTextfileName(t *testing.T) {
	if got := TextfileName(""); got != "surveyor.prom" {
		t.Errorf("TextfileName(\"\") = %q", got)
	}
	if got := TextfileName("acc"); got != "acc_surveyor.prom" {
		t.Errorf("TextfileName(acc) = %q", got)
	}
}
