package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
)

// Defaults applied to profiles that leave these fields empty.
const (
	DefaultModel  = "yunmai.scales.ms103"
	DefaultDomain = "CN"
)

// timeLayout is the on-disk timestamp format of users.json.
const timeLayout = "2006-01-02 15:04:05"

// Timestamp marshals as local "YYYY-mm-dd HH:MM:SS" and also reads RFC 3339.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, truncated to seconds.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Local().Format(timeLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.ParseInLocation(timeLayout, s, time.Local); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// TokenRecord is the persisted source credential. Security is base64.
type TokenRecord struct {
	UserID    string `json:"userId"`
	PassToken string `json:"passToken"`
	Security  string `json:"ssecurity"`
}

// GarminAccount is the destination account of a profile.
type GarminAccount struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Domain   string         `json:"domain,omitempty"`
	Filter   *filter.Config `json:"filter,omitempty"`
}

// Configured reports whether the account can log in.
func (a GarminAccount) Configured() bool {
	return a.Email != "" && a.Password != ""
}

// Profile is one synced user.
type Profile struct {
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	Model     string        `json:"model,omitempty"`
	Region    string        `json:"region,omitempty"`
	Token     *TokenRecord  `json:"token,omitempty"`
	Garmin    GarminAccount `json:"garmin"`
	CreatedAt *Timestamp    `json:"created_at,omitempty"`
	LastSync  *Timestamp    `json:"last_sync,omitempty"`
}

func (p *Profile) normalize() {
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Garmin.Domain == "" {
		p.Garmin.Domain = DefaultDomain
	}
}

// clone deep-copies p so callers never alias stored state.
func (p *Profile) clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Token != nil {
		tok := *p.Token
		out.Token = &tok
	}
	out.Garmin.Filter = p.Garmin.Filter.Clone()
	if p.CreatedAt != nil {
		out.CreatedAt = &Timestamp{Time: p.CreatedAt.Time}
	}
	if p.LastSync != nil {
		out.LastSync = &Timestamp{Time: p.LastSync.Time}
	}
	return &out
}

// Settings are application-wide values kept with the profiles.
type Settings struct {
	DataDir string `json:"data_dir,omitempty"`
}

// HistoryEntry records one finished run.
type HistoryEntry struct {
	RunID      string    `json:"run_id"`
	Username   string    `json:"username"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Stage      string    `json:"stage"`
	Records    int       `json:"records"`
	Succeeded  int       `json:"succeeded"`
	Duplicate  int       `json:"duplicate"`
	Failed     int       `json:"failed"`
	Message    string    `json:"message,omitempty"`
}
