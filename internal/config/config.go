package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

const envPrefix = "BULLETIN"

// Config holds all configuration for the application. It is loaded once at
// startup and not modified afterwards.
type Config struct {
	// Hostname is the public hostname where this service is reachable.
	Hostname string `yaml:"hostname" split_words:"true"`

	// Port is the HTTP server port.
	Port int `yaml:"port" envconfig:"PORT"`

	// AuthorizedSenders are the author ids allowed to post bulletins.
	AuthorizedSenders []uint64 `yaml:"authorizedSenders" envconfig:"BOT_ADMINS"`

	// SnapshotPath is the ledger snapshot file. A ".zst" suffix enables
	// compression.
	SnapshotPath string `yaml:"snapshotPath" split_words:"true"`

	// ChannelURL is the websocket endpoint delivering inbound events. Empty
	// disables the subscriber.
	ChannelURL string `yaml:"channelURL" split_words:"true"`

	// WebhookSecret enables POST /webhook when set.
	WebhookSecret string `yaml:"webhookSecret" split_words:"true"`

	// MirrorDriver is "postgres", "sqlite" or empty to disable mirroring.
	MirrorDriver string `yaml:"mirrorDriver" split_words:"true"`

	// MirrorDSN is the mirror connection string.
	MirrorDSN string `yaml:"mirrorDSN" envconfig:"MIRROR_DSN"`

	// MirrorTimeout bounds one mirror write including its reconnect.
	MirrorTimeout time.Duration `yaml:"mirrorTimeout" split_words:"true"`

	// ReadSource is "ledger" or "mirror".
	ReadSource string `yaml:"readSource" split_words:"true"`

	// ReconcileInterval is how often the mirror is reconciled with the
	// ledger. Zero disables reconciliation.
	ReconcileInterval time.Duration `yaml:"reconcileInterval" split_words:"true"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" split_words:"true"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Hostname:      "localhost",
		Port:          3000,
		SnapshotPath:  "data.json",
		MirrorTimeout: 10 * time.Second,
		ReadSource:    string(domain.ReadFromLedger),
		LogLevel:      "info",
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides and validates the result. Environment variables use the
// BULLETIN_ prefix, e.g. BULLETIN_BOT_ADMINS=1,2,3.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.E(domain.KindFatal, "load config", fmt.Errorf("read %s: %w", path, err))
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, domain.E(domain.KindFatal, "load config", fmt.Errorf("parse %s: %w", path, err))
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, domain.E(domain.KindFatal, "load config", fmt.Errorf("environment: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, domain.E(domain.KindFatal, "load config", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if len(c.AuthorizedSenders) == 0 {
		errs = append(errs, errors.New("at least one authorized sender is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.SnapshotPath == "" {
		errs = append(errs, errors.New("snapshot path is required"))
	}

	switch c.MirrorDriver {
	case "":
	case "postgres", "sqlite":
		if c.MirrorDSN == "" {
			errs = append(errs, fmt.Errorf("mirror driver %s requires a DSN", c.MirrorDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror driver %q", c.MirrorDriver))
	}

	switch domain.ReadSource(c.ReadSource) {
	case domain.ReadFromLedger:
	case domain.ReadFromMirror:
		if c.MirrorDriver == "" {
			errs = append(errs, errors.New("read source mirror requires a mirror driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown read source %q", c.ReadSource))
	}

	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("reconcile interval must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// MirrorEnabled reports whether a mirror is configured.
func (c *Config) MirrorEnabled() bool {
	return c.MirrorDriver != ""
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
