package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Media       MediaConfig       `yaml:"media"`
	Scan        ScanConfig        `yaml:"scan"`
	Hash        HashConfig        `yaml:"hash"`
	Runner      RunnerConfig      `yaml:"runner"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Backup      BackupConfig      `yaml:"backup"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	// APIToken, when set, is required as a bearer token on every API call.
	APIToken string `yaml:"api_token"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MediaConfig describes where attachment files live and how they are
// addressed in content.
type MediaConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	// UploadsURL is the public base URL of UploadsDir, used to turn stored
	// relative paths back into absolute URLs.
	UploadsURL string `yaml:"uploads_url"`
	// PathMarker is the URL path segment that precedes relative upload paths.
	PathMarker string `yaml:"path_marker"`
}

// ScanConfig holds defaults for the scan pipeline.
type ScanConfig struct {
	BatchSize    int      `yaml:"batch_size"`
	DefaultTypes []string `yaml:"default_types"`
}

// HashConfig holds content hashing defaults.
type HashConfig struct {
	Algorithm string `yaml:"algorithm"`
	Workers   int    `yaml:"workers"`
}

// RunnerConfig controls the durable job queue that executes scan batches.
type RunnerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	RetainDays    int           `yaml:"retain_days"`
}

// WatcherConfig toggles the uploads directory watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// MaintenanceConfig holds the database maintenance schedule.
type MaintenanceConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
}

// BackupConfig controls database snapshots. IntervalHours 0 disables the
// scheduler; snapshots can still be taken on demand.
type BackupConfig struct {
	Dir           string `yaml:"dir"`
	Retention     int    `yaml:"retention"`
	MaxAgeDays    int    `yaml:"max_age_days"`
	IntervalHours int    `yaml:"interval_hours"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxFiles   int    `yaml:"file_max_files"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			BasePath: "/",
		},
		Database: DatabaseConfig{
			Path: "/data/mediasweep.db",
		},
		Media: MediaConfig{
			UploadsDir: "/uploads",
			UploadsURL: "http://localhost/wp-content/uploads",
			PathMarker: "wp-content/uploads",
		},
		Scan: ScanConfig{
			BatchSize:    200,
			DefaultTypes: []string{"unused", "duplicate"},
		},
		Hash: HashConfig{
			Algorithm: "sha256",
			Workers:   4,
		},
		Runner: RunnerConfig{
			PollInterval:  time.Second,
			MaxAttempts:   5,
			RatePerSecond: 20,
			RetainDays:    7,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			IntervalHours: 24,
		},
		Backup: BackupConfig{
			Dir:       "/data/backups",
			Retention: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"MS_BASE_PATH":      &c.Server.BasePath,
		"MS_API_TOKEN":      &c.Server.APIToken,
		"MS_DB_PATH":        &c.Database.Path,
		"MS_UPLOADS_DIR":    &c.Media.UploadsDir,
		"MS_UPLOADS_URL":    &c.Media.UploadsURL,
		"MS_PATH_MARKER":    &c.Media.PathMarker,
		"MS_HASH_ALGORITHM": &c.Hash.Algorithm,
		"MS_LOG_LEVEL":      &c.Logging.Level,
		"MS_LOG_FORMAT":     &c.Logging.Format,
		"MS_LOG_FILE":       &c.Logging.FilePath,
		"MS_BACKUP_DIR":     &c.Backup.Dir,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MS_PORT":           &c.Server.Port,
		"MS_SCAN_BATCH":     &c.Scan.BatchSize,
		"MS_HASH_WORKERS":   &c.Hash.Workers,
		"MS_RUNNER_RETRIES": &c.Runner.MaxAttempts,
		"MS_BACKUP_KEEP":    &c.Backup.Retention,
		"MS_BACKUP_HOURS":   &c.Backup.IntervalHours,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("MS_SCAN_TYPES"); v != "" {
		c.Scan.DefaultTypes = splitList(v)
	}
	if v := os.Getenv("MS_WATCHER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MS_WATCHER_ENABLED: %w", err)
		}
		c.Watcher.Enabled = b
	}
	if v := os.Getenv("MS_TASK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MS_TASK_TIMEOUT: %w", err)
		}
		c.Runner.TaskTimeout = d
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Media.UploadsDir == "" {
		return fmt.Errorf("uploads directory is required")
	}
	if c.Scan.BatchSize < 1 {
		return fmt.Errorf("invalid scan batch size: %d", c.Scan.BatchSize)
	}
	if c.Hash.Workers < 1 {
		c.Hash.Workers = 1
	}
	if c.Runner.MaxAttempts < 1 {
		c.Runner.MaxAttempts = 1
	}
	if c.Backup.Retention < 1 {
		c.Backup.Retention = 1
	}
	if c.Runner.PollInterval <= 0 {
		c.Runner.PollInterval = time.Second
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	c.Media.UploadsURL = strings.TrimRight(c.Media.UploadsURL, "/")
	c.Media.PathMarker = strings.Trim(c.Media.PathMarker, "/")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
