package garmin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/fsutil"
)

const (
	oauth1File = "oauth1_token.json"
	oauth2File = "oauth2_token.json"
)

// Consumer is the OAuth1 consumer of the mobile app.
type Consumer struct {
	Key    string `json:"consumer_key"`
	Secret string `json:"consumer_secret"`
}

// OAuth1Token is the long-lived token obtained from an SSO ticket.
type OAuth1Token struct {
	Token                  string `json:"oauth_token"`
	Secret                 string `json:"oauth_token_secret"`
	MFAToken               string `json:"mfa_token,omitempty"`
	MFAExpirationTimestamp string `json:"mfa_expiration_timestamp,omitempty"`
	Domain                 string `json:"domain,omitempty"`
}

// OAuth2Token is the bearer token used on API calls.
type OAuth2Token struct {
	Scope                 string `json:"scope,omitempty"`
	JTI                   string `json:"jti,omitempty"`
	TokenType             string `json:"token_type,omitempty"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	ExpiresIn             int64  `json:"expires_in,omitempty"`
	ExpiresAt             int64  `json:"expires_at,omitempty"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in,omitempty"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`
}

// stamp fills the absolute expiry fields from the relative ones.
func (t *OAuth2Token) stamp(now time.Time) {
	if t.ExpiresIn > 0 {
		t.ExpiresAt = now.Unix() + t.ExpiresIn
	}
	if t.RefreshTokenExpiresIn > 0 {
		t.RefreshTokenExpiresAt = now.Unix() + t.RefreshTokenExpiresIn
	}
}

// Expired reports whether the access token is past its expiry. Tokens without
// an expiry never expire.
func (t *OAuth2Token) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.Unix() >= t.ExpiresAt
}

// SessionStore persists tokens under <dir>/<email>/.
type SessionStore struct {
	dir string
}

// NewSessionStore returns a store rooted at dir.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

func (s *SessionStore) path(email string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(email))
	return filepath.Join(s.dir, name)
}

// Load returns the persisted tokens. Both are nil when nothing is stored.
func (s *SessionStore) Load(email string) (*OAuth1Token, *OAuth2Token, error) {
	dir := s.path(email)
	var t1 OAuth1Token
	ok1, err := readJSON(filepath.Join(dir, oauth1File), &t1)
	if err != nil {
		return nil, nil, err
	}
	var t2 OAuth2Token
	ok2, err := readJSON(filepath.Join(dir, oauth2File), &t2)
	if err != nil {
		return nil, nil, err
	}

	var o1 *OAuth1Token
	if ok1 && t1.Token != "" {
		o1 = &t1
	}
	var o2 *OAuth2Token
	if ok2 && t2.AccessToken != "" {
		o2 = &t2
	}
	return o1, o2, nil
}

// Save writes both tokens atomically. A nil token leaves its file untouched.
func (s *SessionStore) Save(email string, t1 *OAuth1Token, t2 *OAuth2Token) error {
	dir := s.path(email)
	if t1 != nil {
		if err := writeJSON(filepath.Join(dir, oauth1File), t1); err != nil {
			return err
		}
	}
	if t2 != nil {
		if err := writeJSON(filepath.Join(dir, oauth2File), t2); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes the persisted tokens.
func (s *SessionStore) Clear(email string) error {
	if err := os.RemoveAll(s.path(email)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
