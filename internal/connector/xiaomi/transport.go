package xiaomi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// API paths of the health service.
const (
	PathFitnessData = "/app/v1/data/get_fitness_data_by_time"
	PathAPIProxy    = "/app/v1/eco/api_proxy"
)

// OpaqueResponseError is returned when a 200 response is neither encrypted
// nor plain JSON.
type OpaqueResponseError struct {
	Body string
}

func (e *OpaqueResponseError) Error() string {
	return fmt.Sprintf("unexpected response body: %q", e.Body)
}

// SignedTransport performs signed round trips against the health API. One
// instance belongs to one user run and owns its Session.
type SignedTransport struct {
	cfg     Config
	session *Session
	client  *uclhttp.Client
	logger  *slog.Logger

	mu   sync.Mutex
	cred *Credential
}

// NewSignedTransport builds a transport over a fresh Session.
func NewSignedTransport(cfg Config) *SignedTransport {
	session := NewSession()
	return &SignedTransport{
		cfg:     cfg,
		session: session,
		logger:  cfg.logger(),
		client: uclhttp.NewClient(&uclhttp.ClientConfig{
			BaseURL:   cfg.APIBase(),
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			Transport: cfg.Transport,
			Jar:       session,
		}),
	}
}

// Session returns the transport's session.
func (t *SignedTransport) Session() *Session { return t.session }

// SetCredential installs the credential used for signing.
func (t *SignedTransport) SetCredential(cred *Credential) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cred == nil {
		t.cred = nil
		return
	}
	cp := *cred
	cp.Security = append([]byte(nil), cred.Security...)
	t.cred = &cp
}

// Credential returns a copy of the current credential, or nil.
func (t *SignedTransport) Credential() *Credential {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cred == nil {
		return nil
	}
	cp := *t.cred
	cp.Security = append([]byte(nil), t.cred.Security...)
	return &cp
}

// Call signs params, POSTs them to path and returns the decoded JSON body.
// params may be raw JSON bytes or any value encoded compactly.
func (t *SignedTransport) Call(ctx context.Context, path string, params any) (json.RawMessage, error) {
	cred := t.Credential()
	if !cred.Valid() {
		return nil, syncerr.AuthFailed(syncerr.StageSource, errors.New("no credential for signed request"))
	}

	rawJSON, err := compactJSON(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	nonce, err := newNonce(t.session.Now())
	if err != nil {
		return nil, err
	}
	signed, err := signRequest(path, rawJSON, cred.Security, nonce)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    []byte(signed.form.Encode()),
		Headers: map[string]string{"Content-Type": uclhttp.ContentTypeForm},
		NoRetry: true,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, syncerr.Transport(status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, syncerr.Transport(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if plain, err := decryptBody(signed.key, resp.Body); err == nil && json.Valid(plain) {
		return plain, nil
	}
	if json.Valid(resp.Body) {
		t.logger.Debug("health api returned plain json", "path", path)
		return json.RawMessage(resp.Body), nil
	}
	return nil, &OpaqueResponseError{Body: string(resp.Body)}
}

func compactJSON(params any) ([]byte, error) {
	switch p := params.(type) {
	case json.RawMessage:
		return compactBytes(p)
	case []byte:
		return compactBytes(p)
	case string:
		return compactBytes([]byte(p))
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compactBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
