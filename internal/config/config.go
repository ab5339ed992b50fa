package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration, assembled from flags,
// environment overrides and an optional TOML file.
type Config struct {
	Addr           string
	DBPath         string
	ArchiveDir     string
	DownloadDir    string
	MaxConcurrency int
	MaxRetries     int

	YTDLP  YTDLPConfig  `toml:"ytdlp"`
	Retry  RetryConfig  `toml:"retry"`
	Events EventsConfig `toml:"events"`
}

// YTDLPConfig configures the spawned extraction tool.
type YTDLPConfig struct {
	Path               string   `toml:"path"`
	Proxy              string   `toml:"proxy"`
	CookiesFromBrowser string   `toml:"cookies_from_browser"`
	ExtraArgs          []string `toml:"extra_args"`
	GraceSeconds       int      `toml:"grace_seconds"` // terminate-to-kill escalation
}

// RetryConfig configures the backoff curve.
type RetryConfig struct {
	BaseSeconds int `toml:"base_seconds"`
	CapSeconds  int `toml:"cap_seconds"`
}

// EventsConfig configures event publication.
type EventsConfig struct {
	ProgressIntervalMS int `toml:"progress_interval_ms"` // minimum gap between progress events per job
}

// DefaultDataDir returns the default state directory using XDG_CACHE_HOME.
func DefaultDataDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "snatcher")
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// Load parses flags, the optional TOML file and environment to build Config.
func Load() (*Config, error) {
	cfg := &Config{}
	var file string

	flag.StringVar(&file, "config", "", "TOML config file")
	flag.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", filepath.Join(DefaultDataDir(), "jobs.db"), "SQLite database path")
	flag.StringVar(&cfg.ArchiveDir, "archive-dir", DefaultDataDir(), "Download archive directory")
	flag.StringVar(&cfg.DownloadDir, "download-dir", DefaultDownloadDir(), "Download directory")
	flag.IntVar(&cfg.MaxConcurrency, "max-concurrency", 2, "Maximum concurrent downloads")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum retry attempts per job")
	flag.Parse()

	if file != "" {
		if _, err := toml.DecodeFile(file, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", file, err)
		}
	}

	applyEnv(cfg)

	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be >= 1, got %d", cfg.MaxConcurrency)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("SNATCHER_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if db := os.Getenv("SNATCHER_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("SNATCHER_DOWNLOAD_DIR"); dir != "" {
		cfg.DownloadDir = dir
	}
	if dir := os.Getenv("SNATCHER_ARCHIVE_DIR"); dir != "" {
		cfg.ArchiveDir = dir
	}
	if n := os.Getenv("SNATCHER_MAX_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.MaxConcurrency = v
		}
	}
}

// Grace returns the terminate-to-kill grace period.
func (c *Config) Grace() time.Duration {
	if c.YTDLP.GraceSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.YTDLP.GraceSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	if c.Retry.BaseSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Retry.BaseSeconds) * time.Second
}

// BackoffCap returns the retry delay ceiling.
func (c *Config) BackoffCap() time.Duration {
	if c.Retry.CapSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Retry.CapSeconds) * time.Second
}

// ProgressInterval returns the minimum gap between published progress
// events for one job.
func (c *Config) ProgressInterval() time.Duration {
	if c.Events.ProgressIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Events.ProgressIntervalMS) * time.Millisecond
}
