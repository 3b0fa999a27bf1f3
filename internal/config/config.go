package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// TVDB
	TVDBAPIKey  string
	TVDBPIN     string
	TVDBBaseURL string

	// DVR (ingest is disabled when DVRURL is empty)
	DVRURL      string
	DVRMAK      string
	DVRTimezone string // IANA zone the DVR records in, empty for the host zone

	// Backoff and scheduling
	ErrorThreshold  int           // consecutive errors before a series is held back
	ErrorCooldown   time.Duration // how long a held-back series waits before retrying
	StaleAfter      time.Duration // age of the last refresh that makes a healthy series stale
	SkewBuffer      time.Duration // subtracted from the checkpoint when polling for changes
	PollInterval    time.Duration // sleep between recent-changes passes
	InitialLookback time.Duration // poll window used before the first checkpoint exists
	SearchCacheTTL  time.Duration

	IngestSchedule string // cron spec
	SmartSchedule  string // cron spec
	SanitySchedule string // cron spec

	// Server
	ServerPort string

	// Paths
	TokenFile    string // $CONFIG_DIR/token.json
	IgnoreFile   string // $CONFIG_DIR/ignore.txt
	DatabaseFile string // $CONFIG_DIR/tvcatalog.db

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Setup viper FIRST to load .env file
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	setDefaults(viper.GetViper())

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "tvcatalog")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	config := fromViper(viper.GetViper(), configDir)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("TVDB_BASE_URL", "https://api4.thetvdb.com/v4")
	v.SetDefault("ERROR_THRESHOLD", 3)
	v.SetDefault("ERROR_COOLDOWN_DAYS", 7)
	v.SetDefault("STALE_DAYS", 30)
	v.SetDefault("SKEW_BUFFER_SECONDS", 120)
	v.SetDefault("POLL_INTERVAL_SECONDS", 90)
	v.SetDefault("INITIAL_LOOKBACK_HOURS", 24)
	v.SetDefault("SEARCH_CACHE_MINUTES", 30)
	v.SetDefault("INGEST_SCHEDULE", "@every 15m")
	v.SetDefault("SMART_SCHEDULE", "0 4 * * *")
	v.SetDefault("SANITY_SCHEDULE", "0 5 * * 0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

func fromViper(v *viper.Viper, configDir string) *Config {
	return &Config{
		TVDBAPIKey:  v.GetString("TVDB_API_KEY"),
		TVDBPIN:     v.GetString("TVDB_PIN"),
		TVDBBaseURL: v.GetString("TVDB_BASE_URL"),

		DVRURL:      v.GetString("DVR_URL"),
		DVRMAK:      v.GetString("DVR_MAK"),
		DVRTimezone: v.GetString("DVR_TIMEZONE"),

		ErrorThreshold:  v.GetInt("ERROR_THRESHOLD"),
		ErrorCooldown:   time.Duration(v.GetInt("ERROR_COOLDOWN_DAYS")) * 24 * time.Hour,
		StaleAfter:      time.Duration(v.GetInt("STALE_DAYS")) * 24 * time.Hour,
		SkewBuffer:      time.Duration(v.GetInt("SKEW_BUFFER_SECONDS")) * time.Second,
		PollInterval:    time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		InitialLookback: time.Duration(v.GetInt("INITIAL_LOOKBACK_HOURS")) * time.Hour,
		SearchCacheTTL:  time.Duration(v.GetInt("SEARCH_CACHE_MINUTES")) * time.Minute,

		IngestSchedule: v.GetString("INGEST_SCHEDULE"),
		SmartSchedule:  v.GetString("SMART_SCHEDULE"),
		SanitySchedule: v.GetString("SANITY_SCHEDULE"),

		ServerPort: v.GetString("SERVER_PORT"),

		TokenFile:    filepath.Join(configDir, "token.json"),
		IgnoreFile:   filepath.Join(configDir, "ignore.txt"),
		DatabaseFile: filepath.Join(configDir, "tvcatalog.db"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.TVDBAPIKey == "" {
		return fmt.Errorf("TVDB_API_KEY is required")
	}
	if c.ErrorThreshold < 1 {
		return fmt.Errorf("ERROR_THRESHOLD must be at least 1, got %d", c.ErrorThreshold)
	}
	if c.SkewBuffer < 0 {
		return fmt.Errorf("SKEW_BUFFER_SECONDS must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if _, err := c.DVRLocation(); err != nil {
		return err
	}
	return nil
}

// DVRLocation returns the zone capture times are read in
func (c *Config) DVRLocation() (*time.Location, error) {
	if c.DVRTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.DVRTimezone)
	if err != nil {
		return nil, fmt.Errorf("DVR_TIMEZONE %q is not a known zone: %w", c.DVRTimezone, err)
	}
	return loc, nil
}

// IngestEnabled reports whether a DVR source is configured
func (c *Config) IngestEnabled() bool {
	return c.DVRURL != ""
}
