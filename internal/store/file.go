package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hayashishungenn/garmin-weight-sync/internal/fsutil"
)

// document is the users.json layout.
type document struct {
	Users       []*Profile     `json:"users"`
	Settings    Settings       `json:"settings"`
	SyncHistory []HistoryEntry `json:"sync_history"`
}

func (d *document) find(username string) (int, *Profile) {
	for i, p := range d.Users {
		if p.Username == username {
			return i, p
		}
	}
	return -1, nil
}

// FileStore keeps every profile in one JSON file. Each mutation rereads the
// file and writes it back through a temp file and rename under one mutex.
type FileStore struct {
	accessors

	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore opens path. A missing file is an empty store.
func NewFileStore(path string) *FileStore {
	s := &FileStore{path: path, now: time.Now}
	s.accessors = accessors{b: s}
	return s
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		return nil, storeFailed("read users file", err)
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, storeFailed("decode users file", err)
		}
	}
	return &doc, nil
}

func (s *FileStore) save(doc *document) error {
	if doc.Users == nil {
		doc.Users = []*Profile{}
	}
	if doc.SyncHistory == nil {
		doc.SyncHistory = []HistoryEntry{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storeFailed("encode users file", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return storeFailed("write users file", err)
	}
	return nil
}

// mutate runs fn on the current document and saves it when fn succeeds.
func (s *FileStore) mutate(ctx context.Context, fn func(doc *document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *FileStore) read(ctx context.Context) (*document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) getProfile(ctx context.Context, username string) (*Profile, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	_, p := doc.find(username)
	if p == nil {
		return nil, notFound(username)
	}
	p.normalize()
	return p.clone(), nil
}

func (s *FileStore) updateProfile(ctx context.Context, username string, fn func(p *Profile) error) error {
	return s.mutate(ctx, func(doc *document) error {
		_, p := doc.find(username)
		if p == nil {
			return notFound(username)
		}
		return fn(p)
	})
}

// ListProfiles returns every profile ordered by username.
func (s *FileStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(doc.Users))
	for _, p := range doc.Users {
		p.normalize()
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// PutProfile creates or replaces a profile. CreatedAt is kept from the
// stored copy when the new one lacks it.
func (s *FileStore) PutProfile(ctx context.Context, p *Profile) error {
	if p == nil || p.Username == "" {
		return errors.New("profile username is required")
	}
	return s.mutate(ctx, func(doc *document) error {
		next := p.clone()
		next.normalize()
		i, cur := doc.find(p.Username)
		if cur == nil {
			if next.CreatedAt == nil {
				next.CreatedAt = NewTimestamp(s.now())
			}
			doc.Users = append(doc.Users, next)
			return nil
		}
		if next.CreatedAt == nil {
			next.CreatedAt = cur.CreatedAt
		}
		doc.Users[i] = next
		return nil
	})
}

// DeleteProfile removes a profile.
func (s *FileStore) DeleteProfile(ctx context.Context, username string) error {
	return s.mutate(ctx, func(doc *document) error {
		i, p := doc.find(username)
		if p == nil {
			return notFound(username)
		}
		doc.Users = append(doc.Users[:i], doc.Users[i+1:]...)
		return nil
	})
}

// AppendHistory prepends entry and keeps the newest MaxHistory entries.
func (s *FileStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	return s.mutate(ctx, func(doc *document) error {
		doc.SyncHistory = append([]HistoryEntry{entry}, doc.SyncHistory...)
		if len(doc.SyncHistory) > MaxHistory {
			doc.SyncHistory = doc.SyncHistory[:MaxHistory]
		}
		return nil
	})
}

// ListHistory returns up to limit entries, newest first. limit <= 0 means all.
func (s *FileStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	h := doc.SyncHistory
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return append([]HistoryEntry(nil), h...), nil
}

// GetSettings returns the stored settings.
func (s *FileStore) GetSettings(ctx context.Context) (Settings, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return Settings{}, err
	}
	return doc.Settings, nil
}

// SetSettings replaces the stored settings.
func (s *FileStore) SetSettings(ctx context.Context, settings Settings) error {
	return s.mutate(ctx, func(doc *document) error {
		doc.Settings = settings
		return nil
	})
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)

func (s *FileStore) String() string { return fmt.Sprintf("FileStore(%s)", s.path) }
