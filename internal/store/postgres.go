package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVersionConflict is returned when concurrent writers keep racing on one profile.
var ErrVersionConflict = errors.New("profile version conflict")

const maxUpdateAttempts = 3

const schemaDDL = `
CREATE TABLE IF NOT EXISTS weightsync_profiles (
  username text PRIMARY KEY,
  doc jsonb NOT NULL,
  version bigint NOT NULL DEFAULT 1,
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS weightsync_history (
  id bigserial PRIMARY KEY,
  run_id text NOT NULL,
  username text NOT NULL,
  finished_at timestamptz NOT NULL,
  entry jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS weightsync_history_username_idx ON weightsync_history (username);
`

// PostgresStore keeps one JSONB document per profile with an optimistic
// version column.
type PostgresStore struct {
	accessors

	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeFailed("connect postgres", err)
	}
	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool reuses an existing pool.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, storeFailed("ensure schema", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	s.accessors = accessors{b: s}
	return s, nil
}

func (s *PostgresStore) getProfile(ctx context.Context, username string) (*Profile, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM weightsync_profiles WHERE username=$1`, username).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(username)
	}
	if err != nil {
		return nil, storeFailed("load profile", err)
	}
	return decodeProfile(doc)
}

func (s *PostgresStore) updateProfile(ctx context.Context, username string, fn func(p *Profile) error) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var (
			doc     []byte
			version int64
		)
		err := s.pool.QueryRow(ctx, `SELECT doc, version FROM weightsync_profiles WHERE username=$1`, username).
			Scan(&doc, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(username)
		}
		if err != nil {
			return storeFailed("load profile", err)
		}

		p, err := decodeProfile(doc)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		next, err := json.Marshal(p)
		if err != nil {
			return storeFailed("encode profile", err)
		}

		tag, err := s.pool.Exec(ctx,
			`UPDATE weightsync_profiles SET doc=$1, version=version+1, updated_at=now() WHERE username=$2 AND version=$3`,
			string(next), username, version)
		if err != nil {
			return storeFailed("update profile", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}
	return storeFailed("update profile", fmt.Errorf("%w: %s", ErrVersionConflict, username))
}

// ListProfiles returns every profile ordered by username.
func (s *PostgresStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM weightsync_profiles ORDER BY username`)
	if err != nil {
		return nil, storeFailed("list profiles", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storeFailed("scan profile", err)
		}
		p, err := decodeProfile(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailed("list profiles", err)
	}
	return out, nil
}

// PutProfile creates or replaces a profile, keeping the stored CreatedAt
// when the new copy lacks one.
func (s *PostgresStore) PutProfile(ctx context.Context, p *Profile) error {
	if p == nil || p.Username == "" {
		return errors.New("profile username is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeFailed("begin", err)
	}
	defer tx.Rollback(ctx)

	next := p.clone()
	next.normalize()

	var cur []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM weightsync_profiles WHERE username=$1 FOR UPDATE`, p.Username).Scan(&cur)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if next.CreatedAt == nil {
			next.CreatedAt = NewTimestamp(s.now())
		}
	case err != nil:
		return storeFailed("load profile", err)
	default:
		if next.CreatedAt == nil {
			if old, derr := decodeProfile(cur); derr == nil {
				next.CreatedAt = old.CreatedAt
			}
		}
	}

	doc, err := json.Marshal(next)
	if err != nil {
		return storeFailed("encode profile", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO weightsync_profiles (username, doc, version) VALUES ($1, $2, 1)
ON CONFLICT (username) DO UPDATE SET doc=EXCLUDED.doc, version=weightsync_profiles.version+1, updated_at=now()`,
		next.Username, string(doc))
	if err != nil {
		return storeFailed("put profile", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeFailed("commit", err)
	}
	return nil
}

// DeleteProfile removes a profile.
func (s *PostgresStore) DeleteProfile(ctx context.Context, username string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM weightsync_profiles WHERE username=$1`, username)
	if err != nil {
		return storeFailed("delete profile", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(username)
	}
	return nil
}

// AppendHistory stores entry and trims the table to the newest MaxHistory rows.
func (s *PostgresStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return storeFailed("encode history", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeFailed("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO weightsync_history (run_id, username, finished_at, entry) VALUES ($1, $2, $3, $4)`,
		entry.RunID, entry.Username, entry.FinishedAt, string(doc)); err != nil {
		return storeFailed("append history", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM weightsync_history WHERE id NOT IN (SELECT id FROM weightsync_history ORDER BY id DESC LIMIT $1)`,
		MaxHistory); err != nil {
		return storeFailed("trim history", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeFailed("commit", err)
	}
	return nil
}

// ListHistory returns up to limit entries, newest first. limit <= 0 means MaxHistory.
func (s *PostgresStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}
	rows, err := s.pool.Query(ctx, `SELECT entry FROM weightsync_history ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeFailed("list history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storeFailed("scan history", err)
		}
		var e HistoryEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, storeFailed("decode history", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailed("list history", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

func decodeProfile(doc []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, storeFailed("decode profile", err)
	}
	p.normalize()
	return &p, nil
}
