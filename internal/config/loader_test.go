package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weightsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Sync.ChunkSize)
	assert.False(t, cfg.Sync.Incremental)
	assert.Equal(t, "cn", cfg.Source.Region)
	assert.Equal(t, filepath.Join("data", ".garth"), filepath.Clean(cfg.Target.SessionDir))
	assert.Equal(t, filepath.Join("data", "garmin-fit"), filepath.Clean(cfg.Artifact.OutputDir))
	assert.Equal(t, "FIT", cfg.Artifact.Format)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/weightsync
store:
  driver: postgres
  dsn: postgres://localhost/weightsync
sync:
  chunk_size: 100
  incremental: true
http:
  timeout: 45s
archive:
  enabled: true
  endpoint: localhost:9000
  bucket: fit
`)
	t.Setenv("WEIGHTSYNC_SYNC_CHUNK_SIZE", "50")
	t.Setenv("WEIGHTSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/weightsync", cfg.DataDir)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Sync.ChunkSize)
	assert.True(t, cfg.Sync.Incremental)
	assert.Equal(t, 45*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join("/srv/weightsync", ".garth"), cfg.Target.SessionDir)
	assert.Equal(t, filepath.Join("/srv/weightsync", "export"), cfg.ExportDir())
	assert.True(t, cfg.Archive.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := map[string]struct {
		mutate func(c *Config)
		key    string
	}{
		"unknown driver":       {func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		"postgres without dsn": {func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		"zero chunk":           {func(c *Config) { c.Sync.ChunkSize = 0 }, "sync.chunk_size"},
		"unknown format":       {func(c *Config) { c.Artifact.Format = "CSV" }, "artifact.format"},
		"tcx not encodable":    {func(c *Config) { c.Artifact.Format = "tcx" }, "artifact.format"},
		"archive no endpoint":  {func(c *Config) { c.Archive.Enabled = true }, "archive.endpoint"},
		"bad level":            {func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		"bad format":           {func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)

			err = cfg.Validate()
			var fe *FieldError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tc.key, fe.Key)
		})
	}
}
