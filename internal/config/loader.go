package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hayashishungenn/garmin-weight-sync/internal/artifact"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/garmin"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
)

const (
	// DefaultFile is read from the working directory when no path is given.
	DefaultFile = "weightsync.yaml"
	// EnvPrefix prefixes environment overrides, e.g. WEIGHTSYNC_STORE_DRIVER.
	EnvPrefix = "WEIGHTSYNC"
)

var defaults = map[string]any{
	"data_dir":            "./data",
	"store.driver":        store.DriverFile,
	"store.dsn":           "",
	"sync.chunk_size":     artifact.DefaultChunkSize,
	"sync.incremental":    false,
	"sync.parallel":       0,
	"source.region":       "cn",
	"source.account_url":  "",
	"source.api_url":      "",
	"target.session_dir":  "",
	"target.consumer_url": "",
	"artifact.output_dir": "",
	"artifact.format":     string(garmin.FormatFIT),
	"archive.enabled":     false,
	"archive.endpoint":    "",
	"archive.access_key":  "",
	"archive.secret_key":  "",
	"archive.bucket":      "",
	"archive.prefix":      "weightsync",
	"archive.region":      "",
	"archive.use_ssl":     true,
	"http.timeout":        30 * time.Second,
	"http.rate_limit":     5.0,
	"http.rate_burst":     5,
	"log.level":           "info",
	"log.format":          "text",
}

// Load reads path, or DefaultFile when path is empty and the file exists,
// then applies WEIGHTSYNC_* environment overrides and derived defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Target.SessionDir == "" {
		c.Target.SessionDir = filepath.Join(c.DataDir, ".garth")
	}
	if c.Artifact.OutputDir == "" {
		c.Artifact.OutputDir = filepath.Join(c.DataDir, "garmin-fit")
	}
}

// ExportDir is where parquet snapshots are written.
func (c *Config) ExportDir() string { return filepath.Join(c.DataDir, "export") }

// Validate reports the first invalid key.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverFile:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fieldError("store.dsn", "is required for the postgres driver")
		}
	default:
		return fieldError("store.driver", fmt.Sprintf("must be file or postgres, got %q", c.Store.Driver))
	}
	if c.Sync.ChunkSize < 1 {
		return fieldError("sync.chunk_size", "must be at least 1")
	}
	if c.Sync.Parallel < 0 {
		return fieldError("sync.parallel", "must not be negative")
	}
	format, ok := garmin.ParseFormat(c.Artifact.Format)
	if !ok {
		return fieldError("artifact.format", fmt.Sprintf("unsupported format %q", c.Artifact.Format))
	}
	if format != garmin.FormatFIT {
		return fieldError("artifact.format", fmt.Sprintf("%s artifacts cannot be generated, only FIT", format))
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fieldError("archive.endpoint", "is required when archive is enabled")
		}
		if c.Archive.Bucket == "" && !strings.HasPrefix(c.Archive.Endpoint, "file://") {
			return fieldError("archive.bucket", "is required when archive is enabled")
		}
	}
	if c.HTTP.Timeout <= 0 {
		return fieldError("http.timeout", "must be positive")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fieldError("http.rate_limit", "must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fieldError("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fieldError("log.format", fmt.Sprintf("must be text or json, got %q", c.Log.Format))
	}
	return nil
}

// FieldError names an invalid configuration key.
type FieldError struct {
	Key     string
	Message string
}

func (e *FieldError) Error() string { return fmt.Sprintf("config %s: %s", e.Key, e.Message) }

func fieldError(key, msg string) error { return &FieldError{Key: key, Message: msg} }
