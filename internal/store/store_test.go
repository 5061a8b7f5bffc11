package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), UsersFile))
}

func seed(t *testing.T, s Store, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, s.PutProfile(context.Background(), &Profile{
			Username: n,
			Password: "pw-" + n,
			Garmin:   GarminAccount{Email: n + "@example.com", Password: "gpw"},
		}))
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	s := newFileStore(t)
	profiles, err := s.ListProfiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, profiles)

	_, err = s.GetProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePutAppliesDefaults(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "13800000000")

	p, err := s.GetProfile(context.Background(), "13800000000")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, p.Model)
	assert.Equal(t, DefaultDomain, p.Garmin.Domain)
	require.NotNil(t, p.CreatedAt)
	assert.Nil(t, p.LastSync)

	created := p.CreatedAt.Time
	p.Password = "changed"
	p.CreatedAt = nil
	require.NoError(t, s.PutProfile(context.Background(), p))

	again, err := s.GetProfile(context.Background(), "13800000000")
	require.NoError(t, err)
	assert.Equal(t, "changed", again.Password)
	assert.True(t, created.Equal(again.CreatedAt.Time))
}

func TestFileStoreReturnsCopies(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "u1")

	p, err := s.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	p.Garmin.Email = "mutated@example.com"

	again, err := s.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", again.Garmin.Email)
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "u1")
	ctx := context.Background()

	cred, err := s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, cred)

	want := &xiaomi.Credential{UserID: "1001", PassToken: "pass-token", Security: []byte{0x01, 0x02, 0xfe}}
	require.NoError(t, s.SetCredential(ctx, "u1", want))

	got, err := s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.PassToken, got.PassToken)
	assert.Equal(t, want.Security, got.Security)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), want.EncodedSecurity())

	require.NoError(t, s.SetCredential(ctx, "u1", nil))
	got, err = s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptCredentialIsStoreFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), UsersFile)
	doc := `{"users":[{"username":"u1","password":"x","garmin":{"email":"","password":""},
		"token":{"userId":"1","passToken":"p","ssecurity":"%%%not-base64"}}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := NewFileStore(path).GetCredential(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeStoreFailed, syncerr.CodeOf(err))
}

func TestLastSync(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "u1")
	ctx := context.Background()

	at, err := s.GetLastSync(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	when := time.Date(2024, 3, 1, 7, 30, 15, 500, time.Local)
	require.NoError(t, s.SetLastSync(ctx, "u1", when))

	at, err = s.GetLastSync(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, when.Truncate(time.Second).Equal(at), "got %s", at)

	assert.ErrorIs(t, s.SetLastSync(ctx, "ghost", when), ErrNotFound)
}

func TestTimestampAcceptsBothLayouts(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-01 07:30:15"`), &ts))
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, 30, ts.Minute())

	require.NoError(t, json.Unmarshal([]byte(`"2024-03-01T07:30:15Z"`), &ts))
	assert.True(t, time.Date(2024, 3, 1, 7, 30, 15, 0, time.UTC).Equal(ts.Time))

	require.NoError(t, json.Unmarshal([]byte(`""`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestFilterAndTargetAccount(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutProfile(ctx, &Profile{
		Username: "u1",
		Garmin: GarminAccount{
			Email:    "a@example.com",
			Password: "pw",
			Domain:   "COM",
			Filter: &filter.Config{
				Enabled:    true,
				Logic:      filter.LogicAnd,
				Conditions: []filter.Condition{{Field: filter.FieldWeight, Operator: filter.OpBetween, Value: filter.Range(50, 90)}},
			},
		},
	}))

	cfg, err := s.GetFilterConfig(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Conditions, 1)
	assert.Equal(t, []float64{50, 90}, cfg.Conditions[0].Value.Numbers)
	assert.NoError(t, cfg.Validate())

	acct, err := s.GetTargetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Configured())
	assert.Equal(t, "COM", acct.Domain)

	seed(t, s, "u2")
	cfg, err = s.GetFilterConfig(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestMalformedFilterValueFailsValidation(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	doc := `{"users":[{"username":"u1","password":"pw","garmin":{"email":"a@example.com","password":"gpw",
		"filter":{"enabled":true,"logic":"and","conditions":[{"field":"Weight","operator":"gte","value":"abc"}]}}}]}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), 0o600))

	cfg, err := s.GetFilterConfig(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Error(t, cfg.Validate())

	// A rewrite of the file must keep the bad value as written.
	require.NoError(t, s.SetLastSync(ctx, "u1", time.Now()))
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"abc"`)

	cfg, err = s.GetFilterConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestDeleteProfile(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "b", "a", "c")
	ctx := context.Background()

	profiles, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.Equal(t, "a", profiles[0].Username)
	assert.Equal(t, "c", profiles[2].Username)

	require.NoError(t, s.DeleteProfile(ctx, "a"))
	assert.ErrorIs(t, s.DeleteProfile(ctx, "a"), ErrNotFound)

	profiles, err = s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	for i := 0; i < MaxHistory+5; i++ {
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{RunID: fmt.Sprintf("run-%d", i), Username: "u1"}))
	}

	all, err := s.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, MaxHistory)
	assert.Equal(t, fmt.Sprintf("run-%d", MaxHistory+4), all[0].RunID)
	assert.Equal(t, "run-5", all[MaxHistory-1].RunID)

	few, err := s.ListHistory(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, few, 3)
}

func TestConcurrentUpdatesOnDifferentUsers(t *testing.T) {
	s := newFileStore(t)
	names := []string{"u1", "u2", "u3", "u4"}
	seed(t, s, names...)
	ctx := context.Background()
	when := time.Date(2024, 5, 5, 5, 5, 5, 0, time.Local)

	var wg sync.WaitGroup
	for i, n := range names {
		wg.Add(1)
		go func(n string, off int) {
			defer wg.Done()
			assert.NoError(t, s.SetLastSync(ctx, n, when.Add(time.Duration(off)*time.Minute)))
			assert.NoError(t, s.SetCredential(ctx, n, &xiaomi.Credential{UserID: n, PassToken: "t", Security: []byte(n)}))
		}(n, i)
	}
	wg.Wait()

	for i, n := range names {
		at, err := s.GetLastSync(ctx, n)
		require.NoError(t, err)
		assert.True(t, when.Add(time.Duration(i)*time.Minute).Equal(at), n)

		cred, err := s.GetCredential(ctx, n)
		require.NoError(t, err)
		require.NotNil(t, cred)
		assert.Equal(t, n, cred.UserID)
	}
}

func TestSettings(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetSettings(ctx, Settings{DataDir: "/var/lib/weightsync"}))
	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/weightsync", got.DataDir)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "", t.TempDir())
	assert.Error(t, err)

	s, err := Open(context.Background(), "", "", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("WEIGHTSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("WEIGHTSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	name := fmt.Sprintf("pg-test-%d", time.Now().UnixNano())
	seed(t, s, name)
	defer s.DeleteProfile(ctx, name)

	p, err := s.GetProfile(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, p.Model)

	when := time.Date(2024, 3, 1, 7, 30, 15, 0, time.Local)
	require.NoError(t, s.SetLastSync(ctx, name, when))
	at, err := s.GetLastSync(ctx, name)
	require.NoError(t, err)
	assert.True(t, when.Equal(at))

	cred := &xiaomi.Credential{UserID: "1", PassToken: "p", Security: []byte("sec")}
	require.NoError(t, s.SetCredential(ctx, name, cred))
	got, err := s.GetCredential(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, cred.Security, got.Security)

	require.NoError(t, s.AppendHistory(ctx, HistoryEntry{RunID: name, Username: name, FinishedAt: time.Now()}))
	h, err := s.ListHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, name, h[0].RunID)
}
