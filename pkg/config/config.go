// Package config provides configuration management for go-fntv-play.
// It uses koanf for flexible configuration loading from YAML files with validation.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the complete configuration for the go-fntv-play application.
// It represents the structure of config.yaml with validation rules for each section.
type Config struct {
	Fntv      FntvConfig      `koanf:"fntv"`
	Playback  PlaybackConfig  `koanf:"playback"`
	Storage   StorageConfig   `koanf:"storage"`
	Subtitles SubtitlesConfig `koanf:"subtitles"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// FntvConfig contains media server connection and authentication settings.
// Either Token or Username/Password must be provided.
type FntvConfig struct {
	ServerURL         string        `koanf:"server_url"`
	Token             string        `koanf:"token"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	AppName           string        `koanf:"app_name"`
	Timeout           time.Duration `koanf:"timeout"`
	RetryAttempts     int           `koanf:"retry_attempts"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
}

// PlaybackConfig controls progress persistence and the encoder hints sent
// when preparing a playback link.
type PlaybackConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	VideoEncoder      string        `koanf:"video_encoder"`
	AudioEncoder      string        `koanf:"audio_encoder"`
	Resolution        string        `koanf:"resolution"`
	Bitrate           int           `koanf:"bitrate"`
	Channels          int           `koanf:"channels"`
}

// StorageConfig defines where selection memory and the progress journal live.
type StorageConfig struct {
	Directory      string `koanf:"directory"`
	SelectionStore string `koanf:"selection_store"`
}

// SubtitlesConfig controls external subtitle downloads.
type SubtitlesConfig struct {
	Directory     string `koanf:"directory"`
	RateLimitKbps int    `koanf:"rate_limit_kbps"`
	ShowProgress  bool   `koanf:"show_progress"`
}

// ServerConfig contains HTTP control server settings.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	Host              string        `koanf:"host"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	EnableCompression bool          `koanf:"enable_compression"`
}

// LoggingConfig defines logging behavior and output format.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	File      string `koanf:"file"`
	MaxSizeMB int    `koanf:"max_size_mb"`
}

// Load reads configuration from the specified YAML file and applies validation.
// Returns a validated Config struct or an error if loading/validation fails.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults sets sensible defaults for configuration values that weren't specified.
func applyDefaults(config *Config) {
	// Server connection defaults
	if config.Fntv.AppName == "" {
		config.Fntv.AppName = "trimemedia-web"
	}
	if config.Fntv.Timeout == 0 {
		config.Fntv.Timeout = 30 * time.Second
	}
	if config.Fntv.RetryAttempts == 0 {
		config.Fntv.RetryAttempts = 3
	}
	if config.Fntv.RequestsPerSecond == 0 {
		config.Fntv.RequestsPerSecond = 10
	}

	// Playback defaults
	if config.Playback.HeartbeatInterval == 0 {
		config.Playback.HeartbeatInterval = 15 * time.Second
	}
	if config.Playback.VideoEncoder == "" {
		config.Playback.VideoEncoder = "h264"
	}
	if config.Playback.AudioEncoder == "" {
		config.Playback.AudioEncoder = "aac"
	}
	if config.Playback.Resolution == "" {
		config.Playback.Resolution = "original"
	}
	if config.Playback.Channels == 0 {
		config.Playback.Channels = 2
	}

	// Storage defaults
	if config.Storage.Directory == "" {
		config.Storage.Directory = "./data"
	}
	if config.Storage.SelectionStore == "" {
		config.Storage.SelectionStore = "boltdb"
	}

	// Subtitle defaults
	if config.Subtitles.Directory == "" {
		config.Subtitles.Directory = filepath.Join(config.Storage.Directory, "subtitles")
	}
	if config.Subtitles.RateLimitKbps == 0 {
		config.Subtitles.RateLimitKbps = 2048
	}

	// Server defaults
	if config.Server.Port == 0 {
		config.Server.Port = 8095
	}
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 15 * time.Second
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = 100
	}
}

// GetLogLevel converts the string log level to slog.Level.
// Returns slog.LevelInfo for invalid or unknown levels.
func (c *LoggingConfig) GetLogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the application logger. When File is set, output goes to a
// size-rotated file instead of stderr.
func (c *LoggingConfig) NewLogger() *slog.Logger {
	var out io.Writer = os.Stderr
	if c.File != "" {
		out = &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: c.GetLogLevel()}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// CreateDirectories ensures that the storage and subtitle directories exist.
func (c *Config) CreateDirectories() error {
	directories := []string{
		c.Storage.Directory,
		c.Subtitles.Directory,
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
