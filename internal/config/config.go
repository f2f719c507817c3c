// Package config loads the JobLog client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/joblog/joblog/internal/reconcile"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JOBLOG"

// Config is the root configuration structure. It is read-only after Load.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// APIConfig contains backend settings.
type APIConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"-"` // env or credentials file only
	Timeout Duration `yaml:"timeout"`
}

// DatabaseConfig contains the local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TrackerConfig contains reconciliation and polling settings.
type TrackerConfig struct {
	TickInterval     Duration `yaml:"tick_interval"`
	PollInterval     Duration `yaml:"poll_interval"`
	GraceWindow      Duration `yaml:"grace_window"`
	FailureThreshold int      `yaml:"failure_threshold"`
	ListCacheTTL     Duration `yaml:"list_cache_ttl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig contains the Prometheus listener settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Reconcile returns the engine configuration.
func (c *Config) Reconcile() reconcile.Config {
	return reconcile.Config{GraceWindow: time.Duration(c.Tracker.GraceWindow)}
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// envOverrides lists every JOBLOG_* variable. Unset variables stay nil so
// they do not clobber file values.
type envOverrides struct {
	APIURL           *string        `envconfig:"API_URL"`
	Token            *string        `envconfig:"TOKEN"`
	Timeout          *time.Duration `envconfig:"API_TIMEOUT"`
	DBPath           *string        `envconfig:"DB_PATH"`
	TickInterval     *time.Duration `envconfig:"TICK_INTERVAL"`
	PollInterval     *time.Duration `envconfig:"POLL_INTERVAL"`
	GraceWindow      *time.Duration `envconfig:"GRACE_WINDOW"`
	FailureThreshold *int           `envconfig:"FAILURE_THRESHOLD"`
	ListCacheTTL     *time.Duration `envconfig:"LIST_CACHE_TTL"`
	LogLevel         *string        `envconfig:"LOG_LEVEL"`
	LogFormat        *string        `envconfig:"LOG_FORMAT"`
	LogFile          *string        `envconfig:"LOG_FILE"`
	MetricsAddr      *string        `envconfig:"METRICS_ADDR"`
}

// DefaultPath returns ~/.config/joblog/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".joblog", "config.yaml")
	}
	return filepath.Join(home, ".config", "joblog", "config.yaml")
}

// Load loads configuration with precedence: defaults, YAML file, env vars.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := newDefaults()

	if err := loadYAMLFile(cfg, path); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	dbPath := filepath.Join(".joblog", "joblog.db")
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".joblog", "joblog.db")
	}
	return &Config{
		API: APIConfig{
			URL:     "http://127.0.0.1:7480",
			Timeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{Path: dbPath},
		Tracker: TrackerConfig{
			TickInterval:     Duration(time.Second),
			PollInterval:     Duration(5 * time.Second),
			GraceWindow:      Duration(reconcile.DefaultGraceWindow),
			FailureThreshold: 3,
			ListCacheTTL:     Duration(20 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	setString(&cfg.API.URL, env.APIURL)
	setString(&cfg.API.Token, env.Token)
	setDuration(&cfg.API.Timeout, env.Timeout)
	setString(&cfg.Database.Path, env.DBPath)
	setDuration(&cfg.Tracker.TickInterval, env.TickInterval)
	setDuration(&cfg.Tracker.PollInterval, env.PollInterval)
	setDuration(&cfg.Tracker.GraceWindow, env.GraceWindow)
	setDuration(&cfg.Tracker.ListCacheTTL, env.ListCacheTTL)
	if env.FailureThreshold != nil {
		cfg.Tracker.FailureThreshold = *env.FailureThreshold
	}
	setString(&cfg.Log.Level, env.LogLevel)
	setString(&cfg.Log.Format, env.LogFormat)
	setString(&cfg.Log.File, env.LogFile)
	setString(&cfg.Metrics.Addr, env.MetricsAddr)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *Duration, v *time.Duration) {
	if v != nil {
		*dst = Duration(*v)
	}
}

func (c *Config) validate() error {
	var errs []string

	if u, err := url.Parse(c.API.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api.url %q is not an absolute URL", c.API.URL))
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Tracker.TickInterval <= 0 {
		errs = append(errs, "tracker.tick_interval must be positive")
	}
	if c.Tracker.PollInterval <= 0 {
		errs = append(errs, "tracker.poll_interval must be positive")
	}
	if c.Tracker.GraceWindow <= 0 {
		errs = append(errs, "tracker.grace_window must be positive")
	}
	if c.Tracker.FailureThreshold < 1 {
		errs = append(errs, "tracker.failure_threshold must be at least 1")
	}
	if c.Tracker.ListCacheTTL <= 0 {
		errs = append(errs, "tracker.list_cache_ttl must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is not a valid level", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
