// Package config provides configuration management for mp4proxy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "MP4PROXY"

// Default configuration values.
const (
	defaultServerHost         = "127.0.0.1"
	defaultReadTimeout        = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultWindowSize         = 5
	defaultMinValidSize       = 64 * 1024
	defaultSweepSchedule      = "@every 10m"
	defaultOrphanMaxAge       = time.Hour
	defaultAttemptTimeout     = 2 * time.Minute
	defaultTransientRetries   = 4
	defaultStatusRetries      = 1
	defaultRetryDelay         = 500 * time.Millisecond
	defaultRetryJitter        = 0.3
	defaultHWAccelTimeout     = 3 * time.Second
	defaultProbeTimeout       = 7 * time.Second
	defaultPreset             = "balanced"
	defaultCompletionTimeout  = 10 * time.Minute
	defaultInitialSize        = 256 * 1024
	defaultInitialTimeout     = 30 * time.Second
	defaultStableWindow       = 800 * time.Millisecond
	defaultStableTimeout      = 30 * time.Second
	defaultSubscriberBuffer   = 256
	defaultCacheDirectoryName = "mp4proxy-cache"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	// Port 0 picks an ephemeral port at startup.
	Port int `mapstructure:"port"`
	// PortFile receives the chosen port when set, for the controlling process.
	PortFile        string        `mapstructure:"port_file"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 = unlimited, needed for streaming
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string   `mapstructure:"level"`  // debug, info, warn, error
	Format       string   `mapstructure:"format"` // json, text
	AddSource    bool     `mapstructure:"add_source"`
	TimeFormat   string   `mapstructure:"time_format"`
	RedactFields []string `mapstructure:"redact_fields"`
}

// CacheConfig holds Cache Store configuration.
type CacheConfig struct {
	Dir          string   `mapstructure:"dir"` // empty = <tmp>/mp4proxy-cache
	WindowSize   int      `mapstructure:"window_size"`
	MinValidSize ByteSize `mapstructure:"min_valid_size"`
	ClearOnStart bool     `mapstructure:"clear_on_start"`
	// SweepSchedule is a cron spec; empty disables the periodic sweep.
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	OrphanMaxAge  time.Duration `mapstructure:"orphan_max_age"`
}

// FetchConfig holds Source Fetcher configuration.
type FetchConfig struct {
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	TransientRetries int           `mapstructure:"transient_retries"`
	StatusRetries    int           `mapstructure:"status_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryJitter      float64       `mapstructure:"retry_jitter"`
	// MaxBytesPerSecond throttles downloads; 0 = unlimited.
	MaxBytesPerSecond ByteSize `mapstructure:"max_bytes_per_second"`
}

// FFmpegConfig holds encoder binary configuration.
type FFmpegConfig struct {
	BinaryPath          string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath           string        `mapstructure:"probe_path"`  // empty = auto-detect
	HWAccel             string        `mapstructure:"hwaccel"`     // auto, none, or a name
	HWAccelPriority     []string      `mapstructure:"hwaccel_priority"`
	HWAccelProbeTimeout time.Duration `mapstructure:"hwaccel_probe_timeout"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
}

// TranscodeConfig holds job and serving policy configuration.
type TranscodeConfig struct {
	WaitForComplete   bool          `mapstructure:"wait_for_complete"`
	Preset            string        `mapstructure:"preset"`
	PrefetchSource    bool          `mapstructure:"prefetch_source"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	InitialSize       ByteSize      `mapstructure:"initial_size"`
	InitialTimeout    time.Duration `mapstructure:"initial_timeout"`
	StableWindow      time.Duration `mapstructure:"stable_window"`
	StableTimeout     time.Duration `mapstructure:"stable_timeout"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and use the
// MP4PROXY_ prefix with underscores for nesting, e.g. MP4PROXY_CACHE_WINDOW_SIZE=8.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mp4proxy")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHook extends viper's defaults with TextUnmarshaler support so
// ByteSize fields accept "64KB" style values.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.port", 0)
	v.SetDefault("server.port_file", "")
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.redact_fields", []string{})

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.window_size", defaultWindowSize)
	v.SetDefault("cache.min_valid_size", defaultMinValidSize)
	v.SetDefault("cache.clear_on_start", true)
	v.SetDefault("cache.sweep_schedule", defaultSweepSchedule)
	v.SetDefault("cache.orphan_max_age", defaultOrphanMaxAge)

	v.SetDefault("fetch.attempt_timeout", defaultAttemptTimeout)
	v.SetDefault("fetch.transient_retries", defaultTransientRetries)
	v.SetDefault("fetch.status_retries", defaultStatusRetries)
	v.SetDefault("fetch.retry_delay", defaultRetryDelay)
	v.SetDefault("fetch.retry_jitter", defaultRetryJitter)
	v.SetDefault("fetch.max_bytes_per_second", 0)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel", "auto")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"cuda", "qsv", "videotoolbox", "vaapi", "d3d11va", "dxva2"})
	v.SetDefault("ffmpeg.hwaccel_probe_timeout", defaultHWAccelTimeout)
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)

	v.SetDefault("transcode.wait_for_complete", false)
	v.SetDefault("transcode.preset", defaultPreset)
	v.SetDefault("transcode.prefetch_source", false)
	v.SetDefault("transcode.completion_timeout", defaultCompletionTimeout)
	v.SetDefault("transcode.initial_size", defaultInitialSize)
	v.SetDefault("transcode.initial_timeout", defaultInitialTimeout)
	v.SetDefault("transcode.stable_window", defaultStableWindow)
	v.SetDefault("transcode.stable_timeout", defaultStableTimeout)
	v.SetDefault("transcode.subscriber_buffer", defaultSubscriberBuffer)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 0 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 0 and %d", maxPort)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Cache.WindowSize < 1 {
		return fmt.Errorf("cache.window_size must be at least 1")
	}
	if c.Cache.MinValidSize < 0 {
		return fmt.Errorf("cache.min_valid_size must not be negative")
	}

	if c.Fetch.AttemptTimeout <= 0 {
		return fmt.Errorf("fetch.attempt_timeout must be positive")
	}
	if c.Fetch.TransientRetries < 0 || c.Fetch.StatusRetries < 0 {
		return fmt.Errorf("fetch retry counts must not be negative")
	}
	if c.Fetch.StatusRetries > c.Fetch.TransientRetries {
		return fmt.Errorf("fetch.status_retries must not exceed fetch.transient_retries")
	}
	if c.Fetch.RetryJitter < 0 || c.Fetch.RetryJitter > 1 {
		return fmt.Errorf("fetch.retry_jitter must be between 0 and 1")
	}

	if c.Transcode.Preset == "" {
		return fmt.Errorf("transcode.preset is required")
	}
	if c.Transcode.CompletionTimeout <= 0 || c.Transcode.InitialTimeout <= 0 || c.Transcode.StableTimeout <= 0 {
		return fmt.Errorf("transcode timeouts must be positive")
	}
	if c.Transcode.StableWindow <= 0 {
		return fmt.Errorf("transcode.stable_window must be positive")
	}
	if c.Transcode.SubscriberBuffer < 1 {
		return fmt.Errorf("transcode.subscriber_buffer must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Directory returns the cache directory, falling back to a fixed
// subdirectory of the system temp dir.
func (c *CacheConfig) Directory() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(os.TempDir(), defaultCacheDirectoryName)
}
