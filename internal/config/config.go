// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the control plane's entire runtime configuration, loaded
// from environment variables via viper with sane defaults matching
// spec.md's hardcoded numbers exactly.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Settle  SettleConfig  `mapstructure:"settle" yaml:"settle"`
	Page    PageConfig    `mapstructure:"page" yaml:"page"`
}

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

// BrowserConfig configures the persistent browser context, per spec.md
// §4.7 and its `HEADLESS`/`USER_DATA_DIR`/`SCREENSHOT` env vars.
type BrowserConfig struct {
	Headless           bool   `mapstructure:"headless" yaml:"headless"`
	UserDataDir         string `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ScreenshotsEnabled  bool   `mapstructure:"screenshots_enabled" yaml:"screenshots_enabled"`
}

// ServerConfig configures the HTTP/WS surface, per spec.md §6's `PORT` and
// `TMPDIR` env vars plus the expansion's `CORS_ORIGIN`.
type ServerConfig struct {
	Port           int    `mapstructure:"port" yaml:"port"`
	CORSOrigin     string `mapstructure:"cors_origin" yaml:"cors_origin"`
	RecordingsRoot string `mapstructure:"recordings_root" yaml:"recordings_root"`
}

// SettleConfig tunes the quiescence detector's two clocks, per spec.md
// §5's "Cancellation & timeouts".
type SettleConfig struct {
	QuietMs        int `mapstructure:"quiet_ms" yaml:"quiet_ms"`
	HardDeadlineMs int `mapstructure:"hard_deadline_ms" yaml:"hard_deadline_ms"`
}

// PageConfig tunes per-page navigation timeouts and the operation queue
// depth, per spec.md §5 and §4.7.
type PageConfig struct {
	NavTimeoutMs    int `mapstructure:"nav_timeout_ms" yaml:"nav_timeout_ms"`
	CreateTimeoutMs int `mapstructure:"create_timeout_ms" yaml:"create_timeout_ms"`
	QueueDepth      int `mapstructure:"queue_depth" yaml:"queue_depth"` // 0 = unbounded
}

// NewDefaultConfig returns a Config populated entirely from defaults, no
// environment overrides applied.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values, matching spec.md's hardcoded
// numbers exactly (500ms settle quiet window, 30s hard deadline, 3s/10s
// navigation timeouts, port 3100).
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pageflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	home, _ := os.UserHomeDir()
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", filepath.Join(home, ".pageflow", "profile"))
	v.SetDefault("browser.screenshots_enabled", false)

	v.SetDefault("server.port", 3100)
	v.SetDefault("server.cors_origin", "")
	v.SetDefault("server.recordings_root", os.TempDir())

	v.SetDefault("settle.quiet_ms", 500)
	v.SetDefault("settle.hard_deadline_ms", 30000)

	v.SetDefault("page.nav_timeout_ms", 3000)
	v.SetDefault("page.create_timeout_ms", 10000)
	v.SetDefault("page.queue_depth", 0)
}

// bindEnv wires spec.md §6's five contractual env vars plus the
// expansion's ambient knobs onto their viper keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("browser.headless", "HEADLESS")
	_ = v.BindEnv("browser.user_data_dir", "USER_DATA_DIR")
	_ = v.BindEnv("browser.screenshots_enabled", "SCREENSHOT")
	_ = v.BindEnv("server.recordings_root", "TMPDIR")

	_ = v.BindEnv("logger.level", "LOG_LEVEL")
	_ = v.BindEnv("logger.format", "LOG_FORMAT")
	_ = v.BindEnv("logger.log_file", "LOG_FILE")
	_ = v.BindEnv("server.cors_origin", "CORS_ORIGIN")
	_ = v.BindEnv("settle.quiet_ms", "SETTLE_QUIET_MS")
	_ = v.BindEnv("settle.hard_deadline_ms", "SETTLE_HARD_DEADLINE_MS")
	_ = v.BindEnv("page.nav_timeout_ms", "NAV_TIMEOUT_MS")
	_ = v.BindEnv("page.create_timeout_ms", "CREATE_TIMEOUT_MS")
	_ = v.BindEnv("page.queue_depth", "PAGE_QUEUE_DEPTH")
}

// Load builds a Config from defaults, environment variables, and (if
// present) a config file at configPath, per spec.md §6's environment
// variable contract.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be a positive integer")
	}
	if c.Settle.QuietMs <= 0 {
		return fmt.Errorf("settle.quiet_ms must be a positive integer")
	}
	if c.Settle.HardDeadlineMs <= 0 {
		return fmt.Errorf("settle.hard_deadline_ms must be a positive integer")
	}
	return nil
}

// SettleQuiet returns the settle quiet window as a time.Duration.
func (c *Config) SettleQuiet() time.Duration {
	return time.Duration(c.Settle.QuietMs) * time.Millisecond
}

// SettleHardDeadline returns the settle hard deadline as a time.Duration.
func (c *Config) SettleHardDeadline() time.Duration {
	return time.Duration(c.Settle.HardDeadlineMs) * time.Millisecond
}

// NavTimeout returns the programmatic navigation timeout as a time.Duration.
func (c *Config) NavTimeout() time.Duration {
	return time.Duration(c.Page.NavTimeoutMs) * time.Millisecond
}

// CreateTimeout returns the page-creation navigation timeout as a
// time.Duration.
func (c *Config) CreateTimeout() time.Duration {
	return time.Duration(c.Page.CreateTimeoutMs) * time.Millisecond
}
