package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath        string        `yaml:"db_path"`
	AttachmentDir string        `yaml:"attachment_dir"`
	SwarmURL      string        `yaml:"swarm_url"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	Mnemonic      string        `yaml:"-"` // env only, never written to disk
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	RequestRate   float64       `yaml:"request_rate"` // swarm requests per second
	PollInterval  time.Duration `yaml:"poll_interval"`
	SyncThrottle  time.Duration `yaml:"sync_throttle"`
	BufferWindow  time.Duration `yaml:"buffer_window"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	RetentionDays int           `yaml:"retention_days"`
}

// Load reads an optional YAML file named by DRIFTSYNC_CONFIG, then lets
// DRIFTSYNC_* environment variables override individual fields.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:        "driftsync.db",
		AttachmentDir: "attachments",
		MetricsAddr:   ":9090",
		Workers:       4,
		BatchSize:     32,
		RequestRate:   4,
		PollInterval:  500 * time.Millisecond,
		SyncThrottle:  3 * time.Second,
		BufferWindow:  120 * time.Second,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    10 * time.Minute,
		RetentionDays: 30,
	}

	if path := os.Getenv("DRIFTSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.DBPath = getEnv("DRIFTSYNC_DB_PATH", cfg.DBPath)
	cfg.AttachmentDir = getEnv("DRIFTSYNC_ATTACHMENT_DIR", cfg.AttachmentDir)
	cfg.SwarmURL = getEnv("DRIFTSYNC_SWARM_URL", cfg.SwarmURL)
	cfg.MetricsAddr = getEnv("DRIFTSYNC_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Mnemonic = os.Getenv("DRIFTSYNC_MNEMONIC")

	var err error
	if cfg.Workers, err = getEnvInt("DRIFTSYNC_WORKERS", cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		return nil, errors.New("DRIFTSYNC_WORKERS must be > 0")
	}
	if cfg.BatchSize, err = getEnvInt("DRIFTSYNC_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = getEnvInt("DRIFTSYNC_RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("DRIFTSYNC_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.SyncThrottle, err = getEnvDuration("DRIFTSYNC_SYNC_THROTTLE", cfg.SyncThrottle); err != nil {
		return nil, err
	}
	if cfg.BufferWindow, err = getEnvDuration("DRIFTSYNC_BUFFER_WINDOW", cfg.BufferWindow); err != nil {
		return nil, err
	}
	if cfg.BaseBackoff, err = getEnvDuration("DRIFTSYNC_BASE_BACKOFF", cfg.BaseBackoff); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = getEnvDuration("DRIFTSYNC_MAX_BACKOFF", cfg.MaxBackoff); err != nil {
		return nil, err
	}

	if cfg.SwarmURL == "" {
		return nil, errors.New("DRIFTSYNC_SWARM_URL must not be empty")
	}
	if cfg.Mnemonic == "" {
		return nil, errors.New("DRIFTSYNC_MNEMONIC must not be empty")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
