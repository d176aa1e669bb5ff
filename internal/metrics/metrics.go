// Package metrics exposes campaign and collection counters to Prometheus,
// either as node_exporter textfiles or over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/foxzi/surveyor/internal/runner"
)

// Metrics holds all Prometheus metrics for Surveyor
type Metrics struct {
	// Campaign counters
	EmailsSentTotal         *prometheus.CounterVec
	OccurrencesSkippedTotal *prometheus.CounterVec
	OccurrencesFailedTotal  *prometheus.CounterVec
	ParticipantsTotal       prometheus.Counter

	// Collection counters
	ResponsesUploadedTotal *prometheus.CounterVec

	// Run state
	ErrorsTotal        prometheus.Counter
	FatalError         prometheus.Gauge
	LastRunTimestamp   prometheus.Gauge
	RunDurationSeconds prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered. A non-empty
// job is attached to every metric as the job label.
func New(job string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_emails_sent_total",
				Help: "Total number of transmitted invitations and reminders",
			},
			[]string{"survey_type", "kind"},
		),
		OccurrencesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_occurrences_skipped_total",
				Help: "Total number of occurrences skipped without sending",
			},
			[]string{"survey_type"},
		),
		OccurrencesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_occurrences_failed_total",
				Help: "Total number of occurrences that failed",
			},
			[]string{"survey_type"},
		),
		ParticipantsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "surveyor_participants_total",
				Help: "Total number of participants read by campaign runs",
			},
		),
		ResponsesUploadedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_responses_uploaded_total",
				Help: "Total number of survey responses, answers and files stored in the repository",
			},
			[]string{"survey_type", "kind"},
		),
		ErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "surveyor_errors_total",
				Help: "Number of error level log records",
			},
		),
		FatalError: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: FatalErrorMetric,
				Help: fatalErrorHelp,
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveyor_last_run_timestamp_seconds",
				Help: "Unix timestamp of the last finished run",
			},
		),
		RunDurationSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveyor_run_duration_seconds",
				Help: "Duration of the last finished run",
			},
		),
		registry: reg,
	}

	var r prometheus.Registerer = reg
	if job != "" {
		r = prometheus.WrapRegistererWith(prometheus.Labels{"job": job}, reg)
	}
	r.MustRegister(
		m.EmailsSentTotal,
		m.OccurrencesSkippedTotal,
		m.OccurrencesFailedTotal,
		m.ParticipantsTotal,
		m.ResponsesUploadedTotal,
		m.ErrorsTotal,
		m.FatalError,
		m.LastRunTimestamp,
		m.RunDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe counts a campaign outcome. It implements runner.Observer.
func (m *Metrics) Observe(o runner.Outcome) {
	switch o.Kind {
	case runner.Sent:
		kind := "invitation"
		if o.Reminder {
			kind = "reminder"
		}
		m.EmailsSentTotal.WithLabelValues(o.SurveyType, kind).Inc()
	case runner.Skipped:
		if o.Position != runner.NoPosition {
			m.OccurrencesSkippedTotal.WithLabelValues(o.SurveyType).Inc()
		}
	case runner.Failed:
		m.OccurrencesFailedTotal.WithLabelValues(o.SurveyType).Inc()
	}
}

// ObserveUpload counts one stored response, answer, file or consent.
func (m *Metrics) ObserveUpload(surveyType, kind string) {
	m.ResponsesUploadedTotal.WithLabelValues(surveyType, kind).Inc()
}

// ObserveSummary counts the participants of a run.
func (m *Metrics) ObserveSummary(s runner.Summary) {
	m.ParticipantsTotal.Add(float64(s.Participants))
}

// RunFinished records the end of a run that began at start.
func (m *Metrics) RunFinished(start, end time.Time) {
	m.LastRunTimestamp.Set(float64(end.Unix()))
	m.RunDurationSeconds.Set(end.Sub(start).Seconds())
}

// TextfileName is the file written by WriteTextfile for prefix.
func TextfileName(prefix string) string {
	return prefixed(prefix, "surveyor.prom")
}

// WriteTextfile writes all metrics to dir for the node_exporter textfile
// collector. The file is replaced atomically. The fatal error flag is left
// out because FatalGate owns its own file in the same directory.
func (m *Metrics) WriteTextfile(dir, prefix string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	path := filepath.Join(dir, TextfileName(prefix))
	if err := prometheus.WriteToTextfile(path, withoutFatalError(m.registry)); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func withoutFatalError(g prometheus.Gatherer) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		mfs, err := g.Gather()
		out := mfs[:0]
		for _, mf := range mfs {
			if mf.GetName() != FatalErrorMetric {
				out = append(out, mf)
			}
		}
		return out, err
	})
}

func prefixed(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
