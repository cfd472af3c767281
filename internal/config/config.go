// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at a YAML config file.
const FileEnv = "REMOTEFS_CONFIG"

// Config holds all remotefs configuration.
type Config struct {
	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics endpoint; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	// Credentials
	PasswdFile string `yaml:"passwd_file"`

	// S3
	S3Region    string `yaml:"s3_region"`
	S3PathStyle bool   `yaml:"s3_path_style"`

	// PostgreSQL database holding the object table
	PostgresDatabase string `yaml:"pg_database"`
	PostgresSSLMode  string `yaml:"pg_sslmode"`

	// MongoDB object collection
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`

	// Connection pool (negative durations disable the feature)
	CloseOnInactivity time.Duration `yaml:"close_on_inactivity"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// Remote entries
	AttrTTL    time.Duration `yaml:"attr_ttl"`
	BlockSize  int           `yaml:"block_size"`
	StagingDir string        `yaml:"staging_dir"`

	// Copy engine
	CopyConcurrency int `yaml:"copy_concurrency"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "console",
		S3Region:          "us-east-1",
		S3PathStyle:       true,
		PostgresDatabase:  "remotefs",
		PostgresSSLMode:   "disable",
		MongoDatabase:     "remotefs",
		MongoCollection:   "objects",
		CloseOnInactivity: 300 * time.Second,
		KeepAlive:         -1,
		SweepInterval:     15 * time.Second,
		AttrTTL:           60 * time.Second,
		BlockSize:         8192,
		StagingDir:        os.TempDir(),
		CopyConcurrency:   4,
	}
}

// Load starts from the defaults, applies the YAML file named by
// REMOTEFS_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.LogLevel = envOr("REMOTEFS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("REMOTEFS_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddr = envOr("REMOTEFS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.PasswdFile = envOr("REMOTEFS_PASSWD_FILE", cfg.PasswdFile)
	cfg.S3Region = envOr("REMOTEFS_S3_REGION", cfg.S3Region)
	cfg.S3PathStyle = envBool("REMOTEFS_S3_PATH_STYLE", cfg.S3PathStyle)
	cfg.PostgresDatabase = envOr("REMOTEFS_PG_DATABASE", cfg.PostgresDatabase)
	cfg.PostgresSSLMode = envOr("REMOTEFS_PG_SSLMODE", cfg.PostgresSSLMode)
	cfg.MongoDatabase = envOr("REMOTEFS_MONGO_DATABASE", cfg.MongoDatabase)
	cfg.MongoCollection = envOr("REMOTEFS_MONGO_COLLECTION", cfg.MongoCollection)
	cfg.CloseOnInactivity = envDuration("REMOTEFS_CLOSE_ON_INACTIVITY", cfg.CloseOnInactivity)
	cfg.KeepAlive = envDuration("REMOTEFS_KEEP_ALIVE", cfg.KeepAlive)
	cfg.SweepInterval = envDuration("REMOTEFS_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.AttrTTL = envDuration("REMOTEFS_ATTR_TTL", cfg.AttrTTL)
	cfg.BlockSize = envInt("REMOTEFS_BLOCK_SIZE", cfg.BlockSize)
	cfg.StagingDir = envOr("REMOTEFS_STAGING_DIR", cfg.StagingDir)
	cfg.CopyConcurrency = envInt("REMOTEFS_COPY_CONCURRENCY", cfg.CopyConcurrency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in a YAML file. Durations are Go
// duration strings ("90s"); negative periods disable the feature.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, d := range []*time.Duration{&c.CloseOnInactivity, &c.KeepAlive} {
		if *d < 0 {
			*d = -1
		}
	}
	return nil
}

// RegisterFlags binds command line flags that override the loaded values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json, console)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.PasswdFile, "passwd_file", c.PasswdFile, "path to passwd file ([HOST:]LOGIN:PASSWORD lines)")
	fs.StringVar(&c.S3Region, "region", c.S3Region, "S3 region")
	fs.DurationVar(&c.AttrTTL, "attr-ttl", c.AttrTTL, "attribute cache time-to-live")
	fs.DurationVar(&c.KeepAlive, "keep-alive", c.KeepAlive, "keep-alive period for idle connections (-1 disables)")
	fs.DurationVar(&c.CloseOnInactivity, "close-on-inactivity", c.CloseOnInactivity, "close idle connections after this long (-1 disables)")
	fs.StringVar(&c.StagingDir, "staging-dir", c.StagingDir, "directory for upload staging files")
	fs.IntVar(&c.CopyConcurrency, "j", c.CopyConcurrency, "concurrent transfers for recursive copies")
}

// Validate rejects values the rest of the program cannot work with.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.AttrTTL <= 0 {
		return fmt.Errorf("attribute TTL must be positive, got %s", c.AttrTTL)
	}
	if c.CopyConcurrency <= 0 {
		return fmt.Errorf("copy concurrency must be positive, got %d", c.CopyConcurrency)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging directory is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration accepts Go durations ("90s") or plain seconds ("90", "-1").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return -1
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
