package orchestration

import (
	"context"
	"log/slog"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/garmin"
	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
)

// ProfileStore is the config collaborator a run reads and writes.
type ProfileStore interface {
	GetProfile(ctx context.Context, username string) (*store.Profile, error)
	GetCredential(ctx context.Context, username string) (*xiaomi.Credential, error)
	SetCredential(ctx context.Context, username string, cred *xiaomi.Credential) error
	GetLastSync(ctx context.Context, username string) (time.Time, error)
	SetLastSync(ctx context.Context, username string, at time.Time) error
	GetFilterConfig(ctx context.Context, username string) (*filter.Config, error)
	GetTargetAccount(ctx context.Context, username string) (store.GarminAccount, error)
}

// HistoryStore records finished runs.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry store.HistoryEntry) error
}

// SourceSession is the per-run source client. Each run gets its own, so no
// cookies, clock offset or credential are shared between users.
type SourceSession interface {
	SetCredential(cred *xiaomi.Credential)
	LoginWithToken(ctx context.Context) (*xiaomi.Credential, error)
	Login(ctx context.Context, username, password string, respond xiaomi.Responder) (*xiaomi.Credential, error)
	Fetch(ctx context.Context, opts xiaomi.FetchOptions) (*xiaomi.FetchResult, error)
}

// TargetSession is the per-run destination client.
type TargetSession interface {
	Authenticate(ctx context.Context) error
	Upload(ctx context.Context, path string) garmin.UploadResult
}

// SourceFactory builds the source session of one run.
type SourceFactory func(p *store.Profile) SourceSession

// TargetFactory builds the destination session of one run. mfa blocks until
// the caller answers an MFA input request.
type TargetFactory func(acct store.GarminAccount, mfa garmin.MFAProvider) TargetSession

// xiaomiSession adapts SignedTransport and LoginMachine to SourceSession.
type xiaomiSession struct {
	cfg       xiaomi.Config
	transport *xiaomi.SignedTransport
	fetcher   *xiaomi.Fetcher
}

// NewXiaomiSource returns a SourceFactory over cfg. The profile region, when
// set, overrides cfg.Region.
func NewXiaomiSource(cfg xiaomi.Config) SourceFactory {
	return func(p *store.Profile) SourceSession {
		c := cfg
		if p != nil && p.Region != "" {
			c.Region = p.Region
		}
		t := xiaomi.NewSignedTransport(c)
		return &xiaomiSession{cfg: c, transport: t, fetcher: xiaomi.NewFetcher(t, c.Logger)}
	}
}

func (s *xiaomiSession) SetCredential(cred *xiaomi.Credential) { s.transport.SetCredential(cred) }

func (s *xiaomiSession) LoginWithToken(ctx context.Context) (*xiaomi.Credential, error) {
	return s.transport.LoginWithToken(ctx)
}

func (s *xiaomiSession) Login(ctx context.Context, username, password string, respond xiaomi.Responder) (*xiaomi.Credential, error) {
	cred, err := xiaomi.NewLoginMachine(s.cfg).Run(ctx, username, password, respond)
	if err != nil {
		return nil, err
	}
	s.transport.SetCredential(cred)
	return cred, nil
}

func (s *xiaomiSession) Fetch(ctx context.Context, opts xiaomi.FetchOptions) (*xiaomi.FetchResult, error) {
	return s.fetcher.Fetch(ctx, opts)
}

// GarminTargetConfig carries the settings shared by every destination session.
type GarminTargetConfig struct {
	SessionDir  string
	ConsumerURL string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	Logger      *slog.Logger
}

// NewGarminTarget returns a TargetFactory building one Gateway per run.
func NewGarminTarget(cfg GarminTargetConfig) TargetFactory {
	return func(acct store.GarminAccount, mfa garmin.MFAProvider) TargetSession {
		return garmin.NewGateway(garmin.Config{
			Email:       acct.Email,
			Password:    acct.Password,
			Domain:      acct.Domain,
			SessionDir:  cfg.SessionDir,
			ConsumerURL: cfg.ConsumerURL,
			MFA:         mfa,
			Timeout:     cfg.Timeout,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
			Logger:      cfg.Logger,
		})
	}
}
