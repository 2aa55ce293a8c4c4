package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

var resolutionPattern = regexp.MustCompile(`^(original|[0-9]{3,4}p)$`)

// validate performs comprehensive validation of the configuration.
// Returns an error describing the first validation failure found.
func validate(config *Config) error {
	if err := validateFntv(&config.Fntv); err != nil {
		return fmt.Errorf("fntv config: %w", err)
	}

	if err := validatePlayback(&config.Playback); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := validateSubtitles(&config.Subtitles); err != nil {
		return fmt.Errorf("subtitles config: %w", err)
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateFntv validates media server configuration.
func validateFntv(config *FntvConfig) error {
	if config.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}

	if !strings.HasPrefix(config.ServerURL, "http://") && !strings.HasPrefix(config.ServerURL, "https://") {
		return fmt.Errorf("server_url must start with http:// or https://")
	}

	if config.Token == "" && (config.Username == "" || config.Password == "") {
		return fmt.Errorf("either token or username and password are required")
	}

	if config.RetryAttempts < 0 || config.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts must be between 0 and 10")
	}

	if config.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}

	return nil
}

// validatePlayback validates heartbeat timing and encoder hints.
func validatePlayback(config *PlaybackConfig) error {
	if config.HeartbeatInterval < time.Second || config.HeartbeatInterval > 5*time.Minute {
		return fmt.Errorf("heartbeat_interval must be between 1s and 5m")
	}

	if !resolutionPattern.MatchString(config.Resolution) {
		return fmt.Errorf("resolution must be \"original\" or like \"1080p\"")
	}

	if config.Bitrate < 0 {
		return fmt.Errorf("bitrate cannot be negative")
	}

	if config.Channels < 1 || config.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8")
	}

	return nil
}

// validateStorage validates the storage directory and backend.
func validateStorage(config *StorageConfig) error {
	if config.Directory == "" {
		return fmt.Errorf("directory is required")
	}

	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return fmt.Errorf("cannot create storage directory %s: %w", config.Directory, err)
	}

	testFile := filepath.Join(config.Directory, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("storage directory %s is not writable: %w", config.Directory, err)
	}
	os.Remove(testFile)

	validStores := []string{"boltdb", "flatfile"}
	if !slices.Contains(validStores, config.SelectionStore) {
		return fmt.Errorf("selection_store must be one of: %s", strings.Join(validStores, ", "))
	}

	return nil
}

// validateSubtitles validates subtitle download settings.
func validateSubtitles(config *SubtitlesConfig) error {
	if config.Directory == "" {
		return fmt.Errorf("directory is required")
	}

	if config.RateLimitKbps <= 0 {
		return fmt.Errorf("rate_limit_kbps must be positive")
	}

	return nil
}

// validateServer validates HTTP server configuration.
func validateServer(config *ServerConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	return nil
}

// validateLogging validates logging configuration.
func validateLogging(config *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, config.Level) {
		return fmt.Errorf("level must be one of: %s", strings.Join(validLevels, ", "))
	}

	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, config.Format) {
		return fmt.Errorf("format must be one of: %s", strings.Join(validFormats, ", "))
	}

	if config.File != "" {
		logDir := filepath.Dir(config.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("cannot create log directory %s: %w", logDir, err)
		}
	}

	if config.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive")
	}

	return nil
}
