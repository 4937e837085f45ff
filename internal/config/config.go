// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Driver() DriverConfig
	Browser() BrowserConfig
	Journal() JournalConfig
	Metrics() MetricsConfig

	// Driver Setters
	SetDriverBackend(string)
	SetDriverInputStrategy(string)

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	DriverCfg  DriverConfig  `mapstructure:"driver" yaml:"driver"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	JournalCfg JournalConfig `mapstructure:"journal" yaml:"journal"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Driver() DriverConfig   { return c.DriverCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Journal() JournalConfig { return c.JournalCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDriverBackend(b string)       { c.DriverCfg.Backend = b }
func (c *Config) SetDriverInputStrategy(s string) { c.DriverCfg.InputStrategy = s }
func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string)    { c.BrowserCfg.RemoteURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Input strategies.
const (
	InputNative = "native"
	InputScript = "script"
)

// Backends.
const (
	BackendSim = "sim"
	BackendCDP = "cdp"
)

// DriverConfig configures session behavior.
type DriverConfig struct {
	Backend                 string        `mapstructure:"backend" yaml:"backend"`
	ImplicitWait            time.Duration `mapstructure:"implicit_wait" yaml:"implicit_wait"`
	ScriptTimeout           time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	PageLoadTimeout         time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	UnhandledPromptBehavior string        `mapstructure:"unhandled_prompt_behavior" yaml:"unhandled_prompt_behavior"`
	InputStrategy           string        `mapstructure:"input_strategy" yaml:"input_strategy"`
	InputLockTimeout        time.Duration `mapstructure:"input_lock_timeout" yaml:"input_lock_timeout"`
	WaitPollInterval        time.Duration `mapstructure:"wait_poll_interval" yaml:"wait_poll_interval"`
	FindPollInterval        time.Duration `mapstructure:"find_poll_interval" yaml:"find_poll_interval"`
	AsyncPollInterval       time.Duration `mapstructure:"async_poll_interval" yaml:"async_poll_interval"`
	MaxSessions             int           `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// Timeouts returns the initial timeouts for a new session.
func (d DriverConfig) Timeouts() schemas.Timeouts {
	return schemas.Timeouts{
		Implicit: d.ImplicitWait,
		Script:   d.ScriptTimeout,
		PageLoad: d.PageLoadTimeout,
	}
}

// BrowserConfig holds settings for the automated browser.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	RemoteURL       string   `mapstructure:"remote_url" yaml:"remote_url"`
	BinaryPath      string   `mapstructure:"binary_path" yaml:"binary_path"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	WindowWidth     int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int      `mapstructure:"window_height" yaml:"window_height"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
}

// JournalConfig controls the PostgreSQL command journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-driver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Driver --
	v.SetDefault("driver.backend", BackendSim)
	v.SetDefault("driver.implicit_wait", "0s")
	v.SetDefault("driver.script_timeout", "30s")
	v.SetDefault("driver.page_load_timeout", "300s")
	v.SetDefault("driver.unhandled_prompt_behavior", string(schemas.AlertDismiss))
	v.SetDefault("driver.input_strategy", InputNative)
	v.SetDefault("driver.input_lock_timeout", "30s")
	v.SetDefault("driver.wait_poll_interval", "200ms")
	v.SetDefault("driver.find_poll_interval", "250ms")
	v.SetDefault("driver.async_poll_interval", "10ms")
	v.SetDefault("driver.max_sessions", 16)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.ignore_tls_errors", false)

	// -- Journal --
	v.SetDefault("journal.enabled", false)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "scalpel_driver")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("journal.url", "SCALPEL_DRIVER_JOURNAL_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in filesystem settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.BrowserCfg.UserDataDir, &c.BrowserCfg.BinaryPath, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DriverCfg.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	if c.BrowserCfg.WindowWidth <= 0 || c.BrowserCfg.WindowHeight <= 0 {
		return fmt.Errorf("browser.window_width and browser.window_height must be positive")
	}
	if c.JournalCfg.Enabled && c.JournalCfg.URL == "" {
		return fmt.Errorf("journal.url is required when the journal is enabled")
	}
	return nil
}

// Validate checks the driver settings.
func (d *DriverConfig) Validate() error {
	switch d.Backend {
	case BackendSim, BackendCDP:
	default:
		return fmt.Errorf("backend must be one of %q, %q; got %q", BackendSim, BackendCDP, d.Backend)
	}
	switch d.InputStrategy {
	case InputNative, InputScript:
	default:
		return fmt.Errorf("input_strategy must be one of %q, %q; got %q", InputNative, InputScript, d.InputStrategy)
	}
	behavior := schemas.UnexpectedAlertBehavior(strings.ToLower(d.UnhandledPromptBehavior))
	if !behavior.Valid() {
		return fmt.Errorf("unhandled_prompt_behavior %q is not recognized", d.UnhandledPromptBehavior)
	}
	if d.ImplicitWait < 0 || d.ScriptTimeout < 0 {
		return fmt.Errorf("implicit_wait and script_timeout must not be negative")
	}
	if d.WaitPollInterval <= 0 || d.FindPollInterval <= 0 || d.AsyncPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive durations")
	}
	if d.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be a positive integer")
	}
	return nil
}
