package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/surveyor/internal/campaign"
	"github.com/foxzi/surveyor/internal/collector"
)

// Config is the main configuration structure
type Config struct {
	Logging    LoggingConfig                `yaml:"logging"`
	Repository RepositoryConfig             `yaml:"repository"`
	LimeSurvey LimeSurveyConfig             `yaml:"limesurvey"`
	SMTP       SMTPConfig                   `yaml:"smtp"`
	Mail       MailConfig                   `yaml:"mail"`
	Metrics    MetricsConfig                `yaml:"metrics"`
	Daemon     DaemonConfig                 `yaml:"daemon"`
	Campaigns  map[string]*campaign.Config  `yaml:"campaigns"` // survey type -> campaign
	Collect    map[string]*collector.Config `yaml:"collect"`   // survey type -> response collection
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RepositoryConfig selects the participant store
type RepositoryConfig struct {
	Driver string `yaml:"driver"` // bolt, postgres
	Path   string `yaml:"path"`   // bolt database file
	DSN    string `yaml:"dsn"`    // postgres connection string
	// PseudonymColumns are indexed for lookups by short pseudonym.
	// Defaults to every sp_column used by campaigns and collection.
	PseudonymColumns []string `yaml:"pseudonym_columns"`
}

// LimeSurveyConfig contains RemoteControl settings
type LimeSurveyConfig struct {
	URL             string        `yaml:"url"`
	CredentialsFile string        `yaml:"credentials_file"` // JSON with username and password
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"` // re-authentications per call
}

// SMTPConfig contains outgoing mail settings
type SMTPConfig struct {
	Host         string     `yaml:"host"`
	Port         int        `yaml:"port"`
	StartTLS     *bool      `yaml:"starttls"` // Default: true unless port is 25
	Sender       string     `yaml:"sender"`
	ReplyTo      string     `yaml:"reply_to"`
	AuthRequired bool       `yaml:"auth_required"`
	Username     string     `yaml:"username"`
	Password     string     `yaml:"password"`
	DKIM         DKIMConfig `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// MailConfig contains campaign sending settings
type MailConfig struct {
	Cooldown time.Duration `yaml:"cooldown"` // wait after every transmitted message
	DryRun   bool          `yaml:"dry_run"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	TextfileDir string   `yaml:"textfile_dir"` // node_exporter textfile directory; empty disables files
	EnvPrefix   string   `yaml:"env_prefix"`   // prefix of the textfile names
	JobName     string   `yaml:"job_name"`
	ListenAddr  string   `yaml:"listen_addr"` // daemon mode only; empty disables the server
	AllowedIPs  []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to scrape (empty = allow all)
}

// DaemonConfig contains settings for periodic runs
type DaemonConfig struct {
	Schedule string `yaml:"schedule"` // cron expression
}

// Secrets are read from the environment and override the file.
type Secrets struct {
	LimeSurveyUsername string `env:"SURVEYOR_LIMESURVEY_USERNAME"`
	LimeSurveyPassword string `env:"SURVEYOR_LIMESURVEY_PASSWORD"`
	SMTPUsername       string `env:"SURVEYOR_SMTP_USERNAME"`
	SMTPPassword       string `env:"SURVEYOR_SMTP_PASSWORD"`
	PostgresDSN        string `env:"SURVEYOR_POSTGRES_DSN"`
}

// Load loads configuration from a YAML file. A .env file in the working
// directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applySecrets(secrets)

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applySecrets(s Secrets) {
	if s.LimeSurveyUsername != "" {
		c.LimeSurvey.Username = s.LimeSurveyUsername
	}
	if s.LimeSurveyPassword != "" {
		c.LimeSurvey.Password = s.LimeSurveyPassword
	}
	if s.SMTPUsername != "" {
		c.SMTP.Username = s.SMTPUsername
	}
	if s.SMTPPassword != "" {
		c.SMTP.Password = s.SMTPPassword
	}
	if s.PostgresDSN != "" {
		c.Repository.DSN = s.PostgresDSN
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Repository.Driver == "" {
		c.Repository.Driver = "bolt"
	}
	if c.Repository.Driver == "bolt" && c.Repository.Path == "" {
		c.Repository.Path = "/var/lib/surveyor/participants.db"
	}
	if len(c.Repository.PseudonymColumns) == 0 {
		c.Repository.PseudonymColumns = c.pseudonymColumns()
	}
	if c.LimeSurvey.Timeout == 0 {
		c.LimeSurvey.Timeout = 60 * time.Second
	}
	if c.LimeSurvey.MaxRetries == 0 {
		c.LimeSurvey.MaxRetries = 3
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Mail.Cooldown == 0 {
		c.Mail.Cooldown = 100 * time.Second
	}
	if c.Metrics.JobName == "" {
		c.Metrics.JobName = "surveyor"
	}
	if c.Daemon.Schedule == "" {
		c.Daemon.Schedule = "@daily"
	}
}

// pseudonymColumns returns every sp_column in use, sorted.
func (c *Config) pseudonymColumns() []string {
	seen := make(map[string]bool)
	for _, cc := range c.Campaigns {
		if cc != nil && cc.ShortPseudonymColumn != "" {
			seen[cc.ShortPseudonymColumn] = true
		}
	}
	for _, cc := range c.Collect {
		if cc != nil && cc.ShortPseudonymColumn != "" {
			seen[cc.ShortPseudonymColumn] = true
		}
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateRepository(); err != nil {
		return err
	}

	if c.LimeSurvey.URL == "" {
		return fmt.Errorf("limesurvey.url is required")
	}
	if c.LimeSurvey.MaxRetries < 0 {
		return fmt.Errorf("limesurvey.max_retries must not be negative")
	}

	if c.hasEnabledCampaigns() {
		if err := c.validateSMTP(); err != nil {
			return err
		}
	}

	if c.Mail.Cooldown < 0 {
		return fmt.Errorf("mail.cooldown must not be negative")
	}

	if _, err := cron.ParseStandard(c.Daemon.Schedule); err != nil {
		return fmt.Errorf("invalid daemon.schedule: %w", err)
	}

	for _, name := range sortedKeys(c.Campaigns) {
		cc := c.Campaigns[name]
		if cc == nil {
			return fmt.Errorf("campaigns.%s is empty", name)
		}
		if !cc.Enabled {
			continue
		}
		if err := cc.Validate(name); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(c.Collect) {
		cc := c.Collect[name]
		if cc == nil {
			return fmt.Errorf("collect.%s is empty", name)
		}
		if !cc.Enabled {
			continue
		}
		if err := cc.Validate(name); err != nil {
			return err
		}
	}

	return nil
}

// validateRepository validates the participant store configuration
func (c *Config) validateRepository() error {
	switch c.Repository.Driver {
	case "bolt":
		if c.Repository.Path == "" {
			return fmt.Errorf("repository.path is required for the bolt driver")
		}
	case "postgres":
		if c.Repository.DSN == "" {
			return fmt.Errorf("repository.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid repository.driver: %s (must be bolt or postgres)", c.Repository.Driver)
	}
	return nil
}

// validateSMTP validates the outgoing mail configuration
func (c *Config) validateSMTP() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}
	if c.SMTP.Sender == "" {
		return fmt.Errorf("smtp.sender is required")
	}

	if !c.SMTP.DKIM.Enabled {
		return nil
	}
	if c.SMTP.DKIM.Selector == "" {
		return fmt.Errorf("smtp.dkim.selector is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.KeyFile == "" {
		return fmt.Errorf("smtp.dkim.key_file is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.Domain == "" {
		return fmt.Errorf("smtp.dkim.domain is required when DKIM is enabled")
	}
	return nil
}

func (c *Config) hasEnabledCampaigns() bool {
	for _, cc := range c.Campaigns {
		if cc != nil && cc.Enabled {
			return true
		}
	}
	return false
}

// UseStartTLS reports whether the SMTP session is upgraded with STARTTLS.
func (s SMTPConfig) UseStartTLS() bool {
	if s.StartTLS != nil {
		return *s.StartTLS
	}
	return s.Port != 25
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
