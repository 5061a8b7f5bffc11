package xiaomi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

// LoginWithToken refreshes the credential from its userId/passToken pair and
// synchronises the session clock with the server. The refreshed credential is
// installed and returned.
func (t *SignedTransport) LoginWithToken(ctx context.Context) (*Credential, error) {
	cred := t.Credential()
	if !cred.CanRefresh() {
		return nil, syncerr.AuthFailed(syncerr.StageSource, errors.New("missing userId or passToken for token login"))
	}

	t.logger.Info("attempting token login", "userId", cred.UserID)
	resp, err := t.client.Do(ctx, &uclhttp.Request{
		Method:  http.MethodGet,
		URL:     t.cfg.AccountBase() + "/pass/serviceLogin",
		Query:   url.Values{"_json": {"true"}, "sid": {ServiceID}},
		Headers: map[string]string{"User-Agent": UserAgent},
		Auth:    uclhttp.CookieAuth{"userId": cred.UserID, "passToken": cred.PassToken},
	})
	if err != nil {
		return nil, syncerr.AuthFailed(syncerr.StageSource, fmt.Errorf("token login: %w", err))
	}

	var data accountResponse
	if err := decodeAccountJSON(resp.Body, &data); err != nil {
		return nil, syncerr.AuthFailed(syncerr.StageSource, err)
	}
	if data.Code != 0 {
		return nil, syncerr.AuthFailed(syncerr.StageSource, fmt.Errorf("token login rejected: code %d %s", data.Code, data.Description))
	}

	if data.Security != "" {
		sec, err := DecodeSecurity(data.Security)
		if err != nil {
			return nil, syncerr.AuthFailed(syncerr.StageSource, err)
		}
		cred.Security = sec
	}
	if data.UserID != "" {
		cred.UserID = string(data.UserID)
	}
	if data.PassToken != "" {
		cred.PassToken = data.PassToken
	}
	if !cred.Valid() {
		return nil, syncerr.AuthFailed(syncerr.StageSource, errors.New("token login returned no ssecurity"))
	}

	if data.Location != "" {
		t.syncClock(ctx, data.Location)
	}

	t.SetCredential(cred)
	t.logger.Info("token login successful", "userId", cred.UserID)
	return t.Credential(), nil
}

func (t *SignedTransport) syncClock(ctx context.Context, location string) {
	resp, err := t.client.Do(ctx, &uclhttp.Request{Method: http.MethodGet, URL: location, NoRetry: true})
	if resp == nil {
		t.logger.Warn("auth location request failed", "error", err)
		return
	}
	if server, ok := resp.ServerTime(); ok {
		offset := t.session.SyncClock(server)
		t.logger.Info("synchronized time with server", "offsetSeconds", offset.Seconds())
	}
}
