package garmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

var errNoSession = errors.New("no persisted session")

// SocialProfile is the identity returned by the profile probe.
type SocialProfile struct {
	ID          int64  `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	FullName    string `json:"fullName"`
}

// Gateway authenticates one destination account and uploads files to it.
// A Gateway belongs to a single run.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
	api    *uclhttp.Client
	store  *SessionStore
	now    func() time.Time

	mu       sync.Mutex
	consumer *Consumer
	oauth1   *OAuth1Token
	oauth2   *OAuth2Token
	profile  *SocialProfile
}

// NewGateway builds a gateway. Nothing is sent until Authenticate.
func NewGateway(cfg Config) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		logger: cfg.logger(),
		now:    time.Now,
		api: uclhttp.NewClient(&uclhttp.ClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			UserAgent: mobileUserAgent,
			Transport: cfg.Transport,
		}),
	}
	if cfg.SessionDir != "" {
		g.store = NewSessionStore(cfg.SessionDir)
	}
	return g
}

// Profile returns the probed identity, or nil before Authenticate succeeds.
func (g *Gateway) Profile() *SocialProfile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

// Authenticated reports whether an access token is held.
func (g *Gateway) Authenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oauth2 != nil && g.oauth2.AccessToken != ""
}

// Authenticate resumes the persisted session when it still probes valid and
// falls back to a fresh SSO login otherwise.
func (g *Gateway) Authenticate(ctx context.Context) error {
	if g.cfg.Email == "" {
		return syncerr.New(syncerr.CodeMissingTargetCredentials, errors.New("no destination email configured"))
	}

	err := g.resume(ctx)
	if err == nil {
		g.logger.Info("resumed destination session", "email", g.cfg.Email)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !errors.Is(err, errNoSession) {
		g.logger.Warn("persisted destination session unusable, logging in", "email", g.cfg.Email, "error", err)
	}

	if g.cfg.Password == "" {
		return syncerr.New(syncerr.CodeMissingTargetCredentials, errors.New("no destination password configured"))
	}
	if err := g.login(ctx); err != nil {
		var coded *syncerr.Error
		if errors.As(err, &coded) {
			return err
		}
		return syncerr.AuthFailed(syncerr.StageTarget, err)
	}
	return nil
}

func (g *Gateway) resume(ctx context.Context) error {
	if g.store == nil {
		return errNoSession
	}
	t1, t2, err := g.store.Load(g.cfg.Email)
	if err != nil {
		return err
	}
	if t1 == nil && t2 == nil {
		return errNoSession
	}
	g.setTokens(t1, t2)

	if t2 == nil || t2.Expired(g.now()) {
		if t1 == nil {
			return errors.New("access token expired and no oauth1 token to renew it")
		}
		if err := g.refresh(ctx); err != nil {
			return err
		}
	}

	profile, err := g.probe(ctx)
	if isUnauthorized(err) && t1 != nil {
		g.logger.Info("access token rejected, exchanging again", "email", g.cfg.Email)
		if err := g.refresh(ctx); err != nil {
			return err
		}
		profile, err = g.probe(ctx)
	}
	if err != nil {
		return err
	}
	g.setProfile(profile)
	return nil
}

func (g *Gateway) login(ctx context.Context) error {
	g.logger.Info("logging in to destination", "email", g.cfg.Email, "domain", g.cfg.domain())

	ticket, err := newSSOClient(g.cfg).login(ctx, g.cfg.Email, g.cfg.Password, g.cfg.MFA)
	if err != nil {
		return err
	}
	t1, err := g.preauthorize(ctx, ticket)
	if err != nil {
		return err
	}
	t2, err := g.exchange(ctx, t1)
	if err != nil {
		return err
	}
	g.setTokens(t1, t2)

	profile, err := g.probe(ctx)
	if err != nil {
		return err
	}
	g.setProfile(profile)

	if g.store != nil {
		if err := g.store.Save(g.cfg.Email, t1, t2); err != nil {
			g.logger.Warn("failed to persist destination session", "email", g.cfg.Email, "error", err)
		}
	}
	g.logger.Info("destination login successful", "email", g.cfg.Email, "user", profile.UserName)
	return nil
}

// refresh exchanges the held OAuth1 token for a new access token and persists it.
func (g *Gateway) refresh(ctx context.Context) error {
	g.mu.Lock()
	t1 := g.oauth1
	g.mu.Unlock()
	if t1 == nil {
		return errors.New("no oauth1 token")
	}
	t2, err := g.exchange(ctx, t1)
	if err != nil {
		return err
	}
	g.setTokens(t1, t2)
	if g.store != nil {
		if err := g.store.Save(g.cfg.Email, nil, t2); err != nil {
			g.logger.Warn("failed to persist refreshed token", "email", g.cfg.Email, "error", err)
		}
	}
	return nil
}

func (g *Gateway) probe(ctx context.Context) (*SocialProfile, error) {
	resp, err := g.api.Do(ctx, &uclhttp.Request{
		Method: http.MethodGet,
		URL:    g.cfg.apiBase() + "/userprofile-service/socialProfile",
		Auth:   uclhttp.BearerToken{Token: g.accessToken()},
	})
	if err != nil {
		return nil, fmt.Errorf("profile probe: %w", err)
	}
	var p SocialProfile
	if err := resp.JSON(&p); err != nil {
		return nil, fmt.Errorf("profile probe: decode: %w", err)
	}
	if p.UserName == "" {
		return nil, errors.New("profile probe: no userName")
	}
	return &p, nil
}

// Upload sends one file. Missing files and unsupported extensions fail
// without a request. The result is classified by status code alone.
func (g *Gateway) Upload(ctx context.Context, path string) UploadResult {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return failed(path, ErrorFileNotFound, "file not found: "+path)
	}
	format, ok := FormatOf(path)
	if !ok {
		return failed(path, ErrorUnsupportedFormat, "unsupported file extension "+filepath.Ext(path))
	}
	if !g.Authenticated() {
		return failed(path, ErrorNotAuthenticated, "destination is not authenticated")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failed(path, ErrorFileNotFound, err.Error())
	}

	resp, err := g.postFile(ctx, path, format, data)
	if resp != nil && resp.StatusCode == http.StatusUnauthorized && g.hasOAuth1() {
		g.logger.Info("upload unauthorized, exchanging token again", "file", filepath.Base(path))
		if rerr := g.refresh(ctx); rerr == nil {
			resp, err = g.postFile(ctx, path, format, data)
		}
	}
	if resp == nil {
		msg := "upload request failed"
		if err != nil {
			msg = err.Error()
		}
		g.logger.Warn("upload request failed", "file", filepath.Base(path), "error", err)
		return failed(path, ErrorRequestFailed, msg)
	}

	res := Classify(resp.StatusCode)
	res.Path = path
	var body struct {
		DetailedImportResult struct {
			UploadID int64 `json:"uploadId"`
		} `json:"detailedImportResult"`
	}
	if json.Unmarshal(resp.Body, &body) == nil {
		res.UploadID = body.DetailedImportResult.UploadID
	}
	if res.Status == StatusFailed {
		res.Message = truncate(string(resp.Body), 256)
	}
	g.logger.Info("uploaded file", "file", filepath.Base(path), "status", string(res.Status), "httpStatus", resp.StatusCode)
	return res
}

func (g *Gateway) postFile(ctx context.Context, path string, format Format, data []byte) (*uclhttp.Response, error) {
	body, contentType, err := uclhttp.MultipartFile("file", filepath.Base(path), "application/octet-stream", data)
	if err != nil {
		return nil, err
	}
	return g.api.Do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		URL:     g.cfg.apiBase() + "/upload-service/upload/" + format.Extension(),
		Body:    body,
		Headers: map[string]string{"Content-Type": contentType},
		Auth:    uclhttp.BearerToken{Token: g.accessToken()},
		NoRetry: true,
	})
}

// ForgetSession deletes the persisted tokens of this account.
func (g *Gateway) ForgetSession() error {
	g.setTokens(nil, nil)
	if g.store == nil {
		return nil
	}
	return g.store.Clear(g.cfg.Email)
}

func (g *Gateway) setTokens(t1 *OAuth1Token, t2 *OAuth2Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.oauth1, g.oauth2 = t1, t2
}

func (g *Gateway) setProfile(p *SocialProfile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = p
}

func (g *Gateway) accessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oauth2 == nil {
		return ""
	}
	return g.oauth2.AccessToken
}

func (g *Gateway) hasOAuth1() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oauth1 != nil
}

func isUnauthorized(err error) bool {
	var httpErr *uclhttp.HTTPError
	return errors.As(err, &httpErr) && httpErr.IsUnauthorized()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
