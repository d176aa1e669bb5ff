package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/surveyor/internal/collector"
	"github.com/foxzi/surveyor/internal/config"
	"github.com/foxzi/surveyor/internal/limesurvey"
	"github.com/foxzi/surveyor/internal/mailer"
	"github.com/foxzi/surveyor/internal/metrics"
	"github.com/foxzi/surveyor/internal/repository"
	"github.com/foxzi/surveyor/internal/runner"
)

// Options tune a single invocation.
type Options struct {
	// DryRun overrides mail.dry_run when set.
	DryRun bool
	// LogOutput defaults to stdout.
	LogOutput io.Writer
	// Credentials overrides the configured LimeSurvey credentials.
	Credentials limesurvey.CredentialSource
}

// App wires configuration to the campaign runner and the response collector
type App struct {
	config    *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	gate      *metrics.FatalGate
	store     repository.Store
	lime      *limesurvey.Client
	creds     limesurvey.CredentialSource
	transport mailer.Transport
	dryRun    bool
}

// New creates a new application. It fails when the fatal error flag from
// an earlier run is still set.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}

	m := metrics.New(cfg.Metrics.JobName)
	a := &App{
		config:  cfg,
		metrics: m,
		dryRun:  opts.DryRun || cfg.Mail.DryRun,
		creds:   opts.Credentials,
	}

	// The gate needs a logger and the logger trips the gate.
	var onCritical func(string)
	if cfg.Metrics.TextfileDir != "" {
		onCritical = func(msg string) {
			if err := a.gate.Trip(msg); err != nil {
				fmt.Fprintf(os.Stderr, "failed to record fatal error: %v\n", err)
			}
		}
	}
	a.logger = setupLogger(out, cfg.Logging, m, onCritical)

	if cfg.Metrics.TextfileDir != "" {
		a.gate = metrics.NewFatalGate(cfg.Metrics.TextfileDir, cfg.Metrics.EnvPrefix, cfg.Metrics.JobName,
			a.logger.With("component", "fatal_gate"))
		if err := a.gate.Check(); err != nil {
			return nil, err
		}
	}

	store, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Repository.Driver,
		Path:             cfg.Repository.Path,
		DSN:              cfg.Repository.DSN,
		PseudonymColumns: cfg.Repository.PseudonymColumns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	a.store = store

	if a.creds == nil {
		a.creds = credentialSource(cfg.LimeSurvey)
	}

	return a, nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Store returns the participant store
func (a *App) Store() repository.Store {
	return a.store
}

// Metrics returns the metrics registry
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Gate returns the fatal error gate, or nil when textfile metrics are disabled
func (a *App) Gate() *metrics.FatalGate {
	return a.gate
}

// Surveys connects to LimeSurvey on first use and reuses the session afterwards.
func (a *App) Surveys(ctx context.Context) (*limesurvey.Client, error) {
	if a.lime != nil {
		return a.lime, nil
	}
	client, err := limesurvey.New(ctx, limesurvey.Config{
		URL:        a.config.LimeSurvey.URL,
		Timeout:    a.config.LimeSurvey.Timeout,
		MaxRetries: a.config.LimeSurvey.MaxRetries,
	}, a.creds, a.logger.With("component", "limesurvey"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to limesurvey: %w", err)
	}
	a.lime = client
	return client, nil
}

// Send runs the enabled campaigns, or only the named one.
func (a *App) Send(ctx context.Context, only string) (runner.Summary, error) {
	start := time.Now()

	// Validate before touching anything remote.
	for name, cc := range a.config.Campaigns {
		if cc.Enabled && (only == "" || only == name) {
			if err := cc.Validate(name); err != nil {
				return runner.Summary{}, a.finish(start, err)
			}
		}
	}

	surveys, err := a.Surveys(ctx)
	if err != nil {
		return runner.Summary{}, a.finish(start, err)
	}
	transport, err := a.mailTransport()
	if err != nil {
		return runner.Summary{}, a.finish(start, err)
	}

	r := runner.New(runner.Options{
		Repository: a.store,
		Surveys:    surveys,
		Transport:  transport,
		From:       a.config.SMTP.Sender,
		ReplyTo:    a.config.SMTP.ReplyTo,
		Cooldown:   a.config.Mail.Cooldown,
		DryRun:     a.dryRun,
		Observer: runner.Observers{
			runner.NewLogObserver(a.logger.With("component", "runner")),
			a.metrics,
		},
		Logger: a.logger.With("component", "runner"),
	})

	summary, err := r.RunAll(ctx, a.config.Campaigns, only)
	a.metrics.ObserveSummary(summary)
	return summary, a.finish(start, err)
}

// Collect stores survey responses for the enabled collect entries, or only
// the named one.
func (a *App) Collect(ctx context.Context, only string) (collector.Summary, error) {
	start := time.Now()

	surveys, err := a.Surveys(ctx)
	if err != nil {
		return collector.Summary{}, a.finish(start, err)
	}

	c := collector.New(a.store, surveys, a.metrics.ObserveUpload, a.logger.With("component", "collector"))
	summary, err := c.CollectAll(ctx, a.config.Collect, only)
	return summary, a.finish(start, err)
}

// Daemon runs collect then send on the configured schedule until ctx is
// cancelled or a signal arrives. Runs never overlap.
func (a *App) Daemon(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var server *metrics.Server
	errCh := make(chan error, 1)
	if a.config.Metrics.ListenAddr != "" {
		server = metrics.NewServer(a.metrics, a.config.Metrics.ListenAddr, a.config.Metrics.AllowedIPs,
			a.logger.With("component", "metrics_server"))
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(a.config.Daemon.Schedule, func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid daemon.schedule: %w", err)
	}
	c.Start()
	a.logger.Info("starting daemon", "schedule", a.config.Daemon.Schedule, "dry_run", a.dryRun)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
	}

	// Wait for a running tick to finish.
	<-c.Stop().Done()

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	return runErr
}

// tick is one scheduled run.
func (a *App) tick(ctx context.Context) {
	if a.gate != nil {
		if err := a.gate.Check(); err != nil {
			a.logger.Error("skipping scheduled run", "error", err)
			return
		}
	}
	if len(a.config.Collect) > 0 {
		if _, err := a.Collect(ctx, ""); err != nil {
			a.logger.Error("collection failed", "error", err)
			return
		}
	}
	if _, err := a.Send(ctx, ""); err != nil {
		a.logger.Error("send run failed", "error", err)
	}
}

// finish records run metrics and writes the textfile.
func (a *App) finish(start time.Time, err error) error {
	a.metrics.RunFinished(start, time.Now())
	if dir := a.config.Metrics.TextfileDir; dir != "" {
		if werr := a.metrics.WriteTextfile(dir, a.config.Metrics.EnvPrefix); werr != nil {
			a.logger.Error("failed to write metrics", "error", werr)
		}
	}
	return err
}

// mailTransport creates the transport once.
func (a *App) mailTransport() (mailer.Transport, error) {
	if a.transport != nil {
		return a.transport, nil
	}
	if a.dryRun {
		a.transport = mailer.NewDryRunTransport(a.logger.With("component", "mailer"))
		return a.transport, nil
	}

	smtpCfg := a.config.SMTP
	var signer *mailer.Signer
	if smtpCfg.DKIM.Enabled {
		var err error
		signer, err = mailer.NewSignerFromFile(smtpCfg.DKIM.KeyFile, smtpCfg.DKIM.Domain, smtpCfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		a.logger.Info("DKIM signing enabled", "domain", smtpCfg.DKIM.Domain, "selector", smtpCfg.DKIM.Selector)
	}

	if smtpCfg.AuthRequired && smtpCfg.Password == "" {
		password, err := promptSecret(os.Stdin, os.Stderr, "Enter the SMTP password: ")
		if err != nil {
			return nil, err
		}
		smtpCfg.Password = password
	}

	a.transport = mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:         smtpCfg.Host,
		Port:         smtpCfg.Port,
		StartTLS:     smtpCfg.UseStartTLS(),
		AuthRequired: smtpCfg.AuthRequired,
		Username:     smtpCfg.Username,
		Password:     smtpCfg.Password,
	}, signer, a.logger.With("component", "smtp"))
	return a.transport, nil
}

// Close releases the LimeSurvey session and closes the store. It is safe to
// call on every exit path.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if a.lime != nil {
		if err := a.lime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// credentialSource prefers explicit credentials, then the credentials file,
// then an interactive prompt.
func credentialSource(cfg config.LimeSurveyConfig) limesurvey.CredentialSource {
	switch {
	case cfg.Username != "" && cfg.Password != "":
		return limesurvey.StaticCredentials{Username: cfg.Username, Password: cfg.Password}
	case cfg.CredentialsFile != "":
		return limesurvey.FileCredentials(cfg.CredentialsFile)
	}
	return limesurvey.PromptCredentials{}
}

// setupLogger creates a logger based on configuration. Error records are
// counted in m and critical ones are passed to onCritical.
func setupLogger(w io.Writer, cfg config.LoggingConfig, m *metrics.Metrics, onCritical func(string)) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(metrics.NewLogHandler(handler, m, onCritical))
}

// replaceLevel names runner.LevelCritical.
func replaceLevel(groups []string, attr slog.Attr) slog.Attr {
	if attr.Key != slog.LevelKey || len(groups) > 0 {
		return attr
	}
	if level, ok := attr.Value.Any().(slog.Level); ok && level >= runner.LevelCritical {
		attr.Value = slog.StringValue("CRITICAL")
	}
	return attr
}
