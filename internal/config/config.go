package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nyct-live/tracker/internal/realtime/poller"
)

// DefaultFeedURL is the legacy datamine endpoint taking key and feed_id query parameters
const DefaultFeedURL = "http://datamine.mta.info/mta_esi.php"

// Config holds all configuration for the tracker service
type Config struct {
	// Real-time feed
	FeedURL         string             `yaml:"feed_url" validate:"required,url"`
	APIKey          string             `yaml:"-" validate:"required"`
	Partitions      []poller.Partition `yaml:"partitions" validate:"required,min=1,dive"`
	PollInterval    time.Duration      `yaml:"-" validate:"gt=0"`
	PartitionDelay  time.Duration      `yaml:"-" validate:"gte=0"`
	IdleFloor       time.Duration      `yaml:"-" validate:"gt=0"`
	RetryMaxElapsed time.Duration      `yaml:"-" validate:"gte=0"`

	// Static reference data
	MetadataDir       string `yaml:"metadata_dir" validate:"required"`
	CacheDir          string `yaml:"cache_dir"`
	StaticGTFSURL     string `yaml:"static_gtfs_url" validate:"omitempty,url"`
	StaticRefreshDays int    `yaml:"static_refresh_days" validate:"gte=0"`

	// Storage; DatabaseURL selects Postgres, otherwise SQLite at DatabasePath
	DatabasePath      string        `yaml:"-"`
	DatabaseURL       string        `yaml:"-"`
	RetentionDuration time.Duration `yaml:"-" validate:"gte=0"`

	// Transport
	HTTPAddr          string   `yaml:"http_addr" validate:"required"`
	CORSOrigins       []string `yaml:"cors_origins"`
	NATSURL           string   `yaml:"nats_url"`
	NATSSubjectPrefix string   `yaml:"nats_subject_prefix" validate:"required"`
	MetricsAddr       string   `yaml:"metrics_addr"`
}

// fileConfig is the subset of Config that may come from TRACKER_CONFIG
type fileConfig struct {
	FeedURL           string             `yaml:"feed_url"`
	Partitions        []poller.Partition `yaml:"partitions"`
	PollIntervalSec   int                `yaml:"poll_interval_seconds"`
	PartitionDelayMS  int                `yaml:"partition_delay_ms"`
	MetadataDir       string             `yaml:"metadata_dir"`
	StaticGTFSURL     string             `yaml:"static_gtfs_url"`
	CORSOrigins       []string           `yaml:"cors_origins"`
	NATSSubjectPrefix string             `yaml:"nats_subject_prefix"`
}

// Load reads .env files, the environment and the optional YAML file, then validates the result
func Load() (*Config, error) {
	// Base .env first, then .env.local overriding it for local development
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := &Config{
		// Real-time feed
		FeedURL:         getEnv("MTA_FEED_URL", DefaultFeedURL),
		Partitions:      append([]poller.Partition(nil), poller.DefaultPartitions...),
		PollInterval:    time.Duration(getEnvInt("POLL_INTERVAL", 30)) * time.Second,
		PartitionDelay:  time.Duration(getEnvInt("PARTITION_DELAY_MS", 250)) * time.Millisecond,
		IdleFloor:       time.Duration(getEnvInt("IDLE_FLOOR_MS", 1000)) * time.Millisecond,
		RetryMaxElapsed: time.Duration(getEnvInt("FETCH_RETRY_SECONDS", 5)) * time.Second,

		// Static reference data
		MetadataDir:       getEnv("METADATA_DIR", "metadata"),
		CacheDir:          getEnv("CACHE_DIR", "data/cache"),
		StaticGTFSURL:     getEnv("STATIC_GTFS_URL", ""),
		StaticRefreshDays: getEnvInt("STATIC_REFRESH_DAYS", 7),

		// Storage
		DatabasePath:      getEnv("SQLITE_DATABASE", "data/tracker.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RetentionDuration: time.Duration(getEnvInt("RETENTION_HOURS", 24)) * time.Hour,

		// Transport
		HTTPAddr:          ":" + getEnv("PORT", "8081"),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "nyct"),
		MetricsAddr:       getEnv("METRICS_ADDR", ""),
	}

	if path := os.Getenv("TRACKER_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	key, err := loadAPIKey(os.Getenv("MTA_API_KEY"), getEnv("MTA_KEY_FILE", "mta_key.txt"))
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the values set in a YAML file
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.FeedURL != "" {
		c.FeedURL = fc.FeedURL
	}
	if len(fc.Partitions) > 0 {
		c.Partitions = fc.Partitions
	}
	if fc.PollIntervalSec > 0 {
		c.PollInterval = time.Duration(fc.PollIntervalSec) * time.Second
	}
	if fc.PartitionDelayMS > 0 {
		c.PartitionDelay = time.Duration(fc.PartitionDelayMS) * time.Millisecond
	}
	if fc.MetadataDir != "" {
		c.MetadataDir = fc.MetadataDir
	}
	if fc.StaticGTFSURL != "" {
		c.StaticGTFSURL = fc.StaticGTFSURL
	}
	if len(fc.CORSOrigins) > 0 {
		c.CORSOrigins = fc.CORSOrigins
	}
	if fc.NATSSubjectPrefix != "" {
		c.NATSSubjectPrefix = fc.NATSSubjectPrefix
	}
	return nil
}

// Validate checks field constraints and that partition labels and feed ids are unique
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	labels := make(map[string]bool, len(c.Partitions))
	feeds := make(map[int]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if labels[p.Label] {
			return fmt.Errorf("invalid config: duplicate partition label %q", p.Label)
		}
		if feeds[p.FeedID] {
			return fmt.Errorf("invalid config: duplicate feed id %d", p.FeedID)
		}
		labels[p.Label] = true
		feeds[p.FeedID] = true
	}
	return nil
}

// loadAPIKey prefers the environment and falls back to a key file
func loadAPIKey(fromEnv, keyFile string) (string, error) {
	if key := strings.TrimSpace(fromEnv); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("MTA_API_KEY is not set and %s does not exist", keyFile)
		}
		return "", fmt.Errorf("failed to read API key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("API key file %s is empty", keyFile)
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
