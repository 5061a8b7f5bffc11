// Package config loads the weightsync configuration file and environment
// overrides.
package config

import (
	"time"
)

// Config is the full application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Store    StoreConfig    `mapstructure:"store"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Source   SourceConfig   `mapstructure:"source"`
	Target   TargetConfig   `mapstructure:"target"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// StoreConfig selects the profile store.
type StoreConfig struct {
	// Driver is "file" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SyncConfig tunes the pipeline.
type SyncConfig struct {
	ChunkSize   int  `mapstructure:"chunk_size"`
	Incremental bool `mapstructure:"incremental"`
	// Parallel bounds concurrent users in sync --all. 0 means no bound.
	Parallel int `mapstructure:"parallel"`
}

// SourceConfig configures the source service hosts.
type SourceConfig struct {
	Region     string `mapstructure:"region"`
	AccountURL string `mapstructure:"account_url"`
	APIURL     string `mapstructure:"api_url"`
}

// TargetConfig configures the destination service.
type TargetConfig struct {
	SessionDir  string `mapstructure:"session_dir"`
	ConsumerURL string `mapstructure:"consumer_url"`
}

// ArtifactConfig configures encoded chunk output.
type ArtifactConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Format    string `mapstructure:"format"`
}

// ArchiveConfig configures the optional object-store copy of artifacts.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// HTTPConfig applies to every outbound client.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
