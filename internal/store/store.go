// Package store persists user profiles, source credentials, last-sync times
// and run history. FileStore keeps everything in one JSON file; PostgresStore
// keeps one versioned JSONB document per profile.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// MaxHistory bounds the stored run history.
const MaxHistory = 100

// ErrNotFound is returned for unknown usernames.
var ErrNotFound = errors.New("profile not found")

// Store is the full profile store used by the CLI and the pipeline.
type Store interface {
	GetProfile(ctx context.Context, username string) (*Profile, error)
	GetCredential(ctx context.Context, username string) (*xiaomi.Credential, error)
	SetCredential(ctx context.Context, username string, cred *xiaomi.Credential) error
	GetLastSync(ctx context.Context, username string) (time.Time, error)
	SetLastSync(ctx context.Context, username string, at time.Time) error
	GetFilterConfig(ctx context.Context, username string) (*filter.Config, error)
	GetTargetAccount(ctx context.Context, username string) (GarminAccount, error)

	ListProfiles(ctx context.Context) ([]*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, username string) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	Close() error
}

// backend is the document access both stores implement.
type backend interface {
	getProfile(ctx context.Context, username string) (*Profile, error)
	updateProfile(ctx context.Context, username string, fn func(p *Profile) error) error
}

// accessors implements the per-field operations on top of a backend.
type accessors struct {
	b backend
}

// GetProfile returns a copy of the stored profile.
func (a accessors) GetProfile(ctx context.Context, username string) (*Profile, error) {
	return a.b.getProfile(ctx, username)
}

// GetCredential returns the stored source credential, or nil when none is stored.
func (a accessors) GetCredential(ctx context.Context, username string) (*xiaomi.Credential, error) {
	p, err := a.b.getProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	if p.Token == nil || p.Token.UserID == "" || p.Token.PassToken == "" {
		return nil, nil
	}
	cred, err := xiaomi.NewCredential(p.Token.UserID, p.Token.PassToken, p.Token.Security)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeStoreFailed, fmt.Errorf("stored credential of %s: %w", username, err))
	}
	return cred, nil
}

// SetCredential replaces the stored credential. A nil credential clears it.
func (a accessors) SetCredential(ctx context.Context, username string, cred *xiaomi.Credential) error {
	return a.b.updateProfile(ctx, username, func(p *Profile) error {
		if cred == nil {
			p.Token = nil
			return nil
		}
		p.Token = &TokenRecord{
			UserID:    cred.UserID,
			PassToken: cred.PassToken,
			Security:  cred.EncodedSecurity(),
		}
		return nil
	})
}

// GetLastSync returns the last successful sync time, zero if never synced.
func (a accessors) GetLastSync(ctx context.Context, username string) (time.Time, error) {
	p, err := a.b.getProfile(ctx, username)
	if err != nil {
		return time.Time{}, err
	}
	if p.LastSync == nil {
		return time.Time{}, nil
	}
	return p.LastSync.Time, nil
}

// SetLastSync records a sync time.
func (a accessors) SetLastSync(ctx context.Context, username string, at time.Time) error {
	return a.b.updateProfile(ctx, username, func(p *Profile) error {
		p.LastSync = NewTimestamp(at)
		return nil
	})
}

// GetFilterConfig returns the destination filter, nil when none is configured.
func (a accessors) GetFilterConfig(ctx context.Context, username string) (*filter.Config, error) {
	p, err := a.b.getProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	return p.Garmin.Filter, nil
}

// GetTargetAccount returns the destination account.
func (a accessors) GetTargetAccount(ctx context.Context, username string) (GarminAccount, error) {
	p, err := a.b.getProfile(ctx, username)
	if err != nil {
		return GarminAccount{}, err
	}
	return p.Garmin, nil
}

func notFound(username string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, username)
}

func storeFailed(op string, err error) error {
	return syncerr.New(syncerr.CodeStoreFailed, fmt.Errorf("%s: %w", op, err))
}
