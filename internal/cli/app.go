package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hayashishungenn/garmin-weight-sync/internal/artifact"
	"github.com/hayashishungenn/garmin-weight-sync/internal/config"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/orchestration"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
)

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) Close() error { return a.store.Close() }

// pipeline builds the sync pipeline. prompt answers input requests.
func (a *app) pipeline(ctx context.Context, prompt orchestration.Prompter) (*orchestration.Pipeline, error) {
	archive, err := a.archive(ctx)
	if err != nil {
		return nil, err
	}
	return orchestration.NewPipeline(orchestration.Config{
		Store: a.store,
		Source: orchestration.NewXiaomiSource(xiaomi.Config{
			Region:     a.cfg.Source.Region,
			APIBaseURL: a.cfg.Source.APIURL,
			AccountURL: a.cfg.Source.AccountURL,
			Timeout:    a.cfg.HTTP.Timeout,
			RateLimit:  a.cfg.HTTP.RateLimit,
			RateBurst:  a.cfg.HTTP.RateBurst,
			Logger:     a.logger.With("component", "xiaomi"),
		}),
		Target: orchestration.NewGarminTarget(orchestration.GarminTargetConfig{
			SessionDir:  a.cfg.Target.SessionDir,
			ConsumerURL: a.cfg.Target.ConsumerURL,
			Timeout:     a.cfg.HTTP.Timeout,
			RateLimit:   a.cfg.HTTP.RateLimit,
			RateBurst:   a.cfg.HTTP.RateBurst,
			Logger:      a.logger.With("component", "garmin"),
		}),
		Writer: &artifact.Writer{
			Dir:     a.cfg.Artifact.OutputDir,
			Encoder: artifact.FITEncoder{},
			Archive: archive,
			Logger:  a.logger.With("component", "artifact"),
		},
		ChunkSize:   a.cfg.Sync.ChunkSize,
		Incremental: a.cfg.Sync.Incremental,
		Prompter:    prompt,
		Logger:      a.logger,
	})
}

// archive returns the configured artifact archive. A file:// endpoint keeps
// copies on local disk; anything else is an S3-compatible store.
func (a *app) archive(ctx context.Context) (artifact.Archive, error) {
	ac := a.cfg.Archive
	if !ac.Enabled {
		return nil, nil
	}
	if root, ok := strings.CutPrefix(ac.Endpoint, "file://"); ok {
		return &artifact.LocalArchive{Root: root, Prefix: ac.Prefix}, nil
	}
	s3, err := artifact.NewS3Archive(artifact.S3Config{
		Endpoint:        ac.Endpoint,
		AccessKeyID:     ac.AccessKey,
		SecretAccessKey: ac.SecretKey,
		Bucket:          ac.Bucket,
		Prefix:          ac.Prefix,
		Region:          ac.Region,
		UseSSL:          ac.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		a.logger.Warn("archive bucket unavailable, artifacts will not be archived until it is", "bucket", ac.Bucket, "error", err)
	}
	return s3, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
