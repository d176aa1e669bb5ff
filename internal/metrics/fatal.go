package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// FatalErrorMetric is set to 1 after a fatal error until an operator resets it.
const FatalErrorMetric = "surveyor_fatal_error"

const (
	fatalTimestampMetric = "surveyor_fatal_error_timestamp_seconds"
	fatalErrorHelp       = "Indicates if a fatal error has occurred (1=yes, 0=no). Must be manually reset from 1."
)

// ErrFatalErrorSet is returned by Check while the gate is tripped.
var ErrFatalErrorSet = errors.New("fatal error flag is set; reset it before running again")

// FatalGate is a textfile that blocks runs after a fatal error.
type FatalGate struct {
	path   string
	job    string
	now    func() time.Time
	logger *slog.Logger
}

// NewFatalGate creates a gate stored in dir.
func NewFatalGate(dir, prefix, job string, logger *slog.Logger) *FatalGate {
	return &FatalGate{
		path:   filepath.Join(dir, prefixed(prefix, "surveyor_fatal_error.prom")),
		job:    job,
		now:    time.Now,
		logger: logger,
	}
}

// Path returns the textfile path.
func (g *FatalGate) Path() string {
	return g.path
}

// Check initializes the gate when missing and returns ErrFatalErrorSet while
// it is tripped.
func (g *FatalGate) Check() error {
	f, err := os.Open(g.path)
	if errors.Is(err, os.ErrNotExist) {
		g.logger.Info("initializing fatal error metric", "path", g.path)
		return g.write(0)
	}
	if err != nil {
		return fmt.Errorf("failed to open fatal error metric: %w", err)
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", g.path, err)
	}
	mf, ok := families[FatalErrorMetric]
	if !ok || len(mf.GetMetric()) == 0 {
		return fmt.Errorf("metric %s not found in %s", FatalErrorMetric, g.path)
	}

	switch v := mf.GetMetric()[0].GetGauge().GetValue(); v {
	case 0:
		return nil
	case 1:
		g.logger.Error("fatal error flag is set", "path", g.path)
		return ErrFatalErrorSet
	default:
		g.logger.Warn("unexpected fatal error value, assuming ok", "path", g.path, "value", v)
		return nil
	}
}

// Trip sets the gate.
func (g *FatalGate) Trip(reason string) error {
	if err := g.write(1); err != nil {
		return err
	}
	g.logger.Info("fatal error recorded", "path", g.path, "reason", reason)
	return nil
}

// Reset clears the gate.
func (g *FatalGate) Reset() error {
	return g.write(0)
}

func (g *FatalGate) write(value float64) error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	var labels prometheus.Labels
	if g.job != "" {
		labels = prometheus.Labels{"job": g.job}
	}
	flag := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        FatalErrorMetric,
		Help:        fatalErrorHelp,
		ConstLabels: labels,
	})
	ts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        fatalTimestampMetric,
		Help:        "Unix timestamp when the fatal error status was last set",
		ConstLabels: labels,
	})
	flag.Set(value)
	ts.Set(float64(g.now().Unix()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(flag, ts)
	if err := prometheus.WriteToTextfile(g.path, reg); err != nil {
		return fmt.Errorf("failed to write fatal error metric: %w", err)
	}
	return nil
}
