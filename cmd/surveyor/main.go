package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/app"
	"github.com/foxzi/surveyor/internal/collector"
	"github.com/foxzi/surveyor/internal/config"
	"github.com/foxzi/surveyor/internal/runner"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "surveyor",
	Short: "Surveyor - survey campaign mailer",
	Long: `Surveyor sends LimeSurvey invitations and reminders to study participants
and collects their responses into the participant repository.`,
	SilenceUsage: true,
}

var (
	sendDryRun     bool
	sendSurveyType string
	collectType    string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send survey invitations and reminders",
	Long: `Evaluate every enabled campaign once and send the invitations and
reminders that are due. With --dry-run nothing is mailed, allocated or recorded.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect survey responses into the repository",
	Args:  cobra.NoArgs,
	RunE:  runCollect,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run collection and sending on a schedule",
	Long:  `Run collect followed by send on the cron schedule from daemon.schedule.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("surveyor version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Log messages instead of sending them and persist nothing")
	sendCmd.Flags().StringVar(&sendSurveyType, "survey-type", "", "Only process this campaign")
	collectCmd.Flags().StringVar(&collectType, "survey-type", "", "Only collect this survey type")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(sendCmd, collectCmd, daemonCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, dryRun bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	application, err := app.New(ctx, cfg, app.Options{DryRun: dryRun || cfg.Mail.DryRun})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runSend(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	application, err := newApp(ctx, sendDryRun)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	summary, err := application.Send(ctx, sendSurveyType)
	if err != nil {
		return err
	}

	fmt.Print(formatSendSummary(summary))
	return nil
}

func runCollect(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	summary, err := application.Collect(ctx, collectType)
	if err != nil {
		return err
	}

	fmt.Print(formatCollectSummary(summary))
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return application.Daemon(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM so that a run stops at the
// next cancellation point and the deferred Close still releases the session.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func formatSendSummary(summary runner.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Survey types:        %s\n", strings.Join(summary.SurveyTypes, ", "))
	fmt.Fprintf(&b, "Participants:        %d\n", summary.Participants)
	fmt.Fprintf(&b, "Skipped:             %d\n", summary.Skipped)
	fmt.Fprintf(&b, "Emailed:             %d\n", summary.Emailed)
	fmt.Fprintf(&b, "Messages sent:       %d (reminders: %d)\n", summary.Sent, summary.Reminders)
	fmt.Fprintf(&b, "Occurrences skipped: %d\n", summary.OccurrencesSkipped)
	fmt.Fprintf(&b, "Occurrences failed:  %d\n", summary.OccurrencesFailed)
	return b.String()
}

func formatCollectSummary(summary collector.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Survey types: %s\n", strings.Join(summary.SurveyTypes, ", "))
	fmt.Fprintf(&b, "Participants: %d\n", summary.Participants)
	fmt.Fprintf(&b, "Skipped:      %d\n", summary.Skipped)
	fmt.Fprintf(&b, "Responses:    %d\n", summary.Responses)
	fmt.Fprintf(&b, "Questions:    %d\n", summary.Questions)
	fmt.Fprintf(&b, "Files:        %d\n", summary.Files)
	fmt.Fprintf(&b, "Consents:     %d\n", summary.Consents)
	return b.String()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Print(describeConfig(cfg))
	return nil
}

func describeConfig(cfg *config.Config) string {
	repo := cfg.Repository.Path
	if cfg.Repository.Driver == "postgres" {
		repo = "postgres"
	}

	out := fmt.Sprintf("  Repository: %s (%s)\n", repo, cfg.Repository.Driver)
	out += fmt.Sprintf("  LimeSurvey: %s\n", cfg.LimeSurvey.URL)
	out += fmt.Sprintf("  SMTP: %s:%d\n", cfg.SMTP.Host, cfg.SMTP.Port)
	out += fmt.Sprintf("  Schedule: %s\n", cfg.Daemon.Schedule)

	names := make([]string, 0, len(cfg.Campaigns))
	for name := range cfg.Campaigns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out += fmt.Sprintf("  Campaign %s: %s\n", name, status(cfg.Campaigns[name].Enabled))
	}

	names = names[:0]
	for name := range cfg.Collect {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out += fmt.Sprintf("  Collect %s: %s\n", name, status(cfg.Collect[name].Enabled))
	}
	return out
}

func status(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
