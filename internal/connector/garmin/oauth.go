package garmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dghubble/oauth1"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
)

// fetchConsumer downloads the consumer key pair.
func (g *Gateway) fetchConsumer(ctx context.Context) (*Consumer, error) {
	if g.cfg.Consumer != nil {
		return g.cfg.Consumer, nil
	}
	if g.consumer != nil {
		return g.consumer, nil
	}
	resp, err := g.api.Do(ctx, &uclhttp.Request{Method: http.MethodGet, URL: g.cfg.consumerURL()})
	if err != nil {
		return nil, fmt.Errorf("fetch oauth consumer: %w", err)
	}
	var c Consumer
	if err := resp.JSON(&c); err != nil {
		return nil, fmt.Errorf("decode oauth consumer: %w", err)
	}
	if c.Key == "" || c.Secret == "" {
		return nil, errors.New("oauth consumer: empty key or secret")
	}
	g.consumer = &c
	return &c, nil
}

// signedClient returns a client whose requests are OAuth1-signed with the
// consumer and token.
func (g *Gateway) signedClient(ctx context.Context, consumer *Consumer, token *oauth1.Token) *uclhttp.Client {
	base := &http.Client{Transport: g.cfg.Transport}
	signed := oauth1.NewConfig(consumer.Key, consumer.Secret).
		Client(context.WithValue(ctx, oauth1.HTTPClient, base), token)

	return uclhttp.NewClient(&uclhttp.ClientConfig{
		Timeout:   g.cfg.Timeout,
		RateLimit: g.cfg.RateLimit,
		RateBurst: g.cfg.RateBurst,
		UserAgent: mobileUserAgent,
		Transport: signed.Transport,
	})
}

// preauthorize trades an SSO ticket for an OAuth1 token.
func (g *Gateway) preauthorize(ctx context.Context, ticket string) (*OAuth1Token, error) {
	consumer, err := g.fetchConsumer(ctx)
	if err != nil {
		return nil, err
	}
	client := g.signedClient(ctx, consumer, oauth1.NewToken("", ""))
	resp, err := client.Do(ctx, &uclhttp.Request{
		Method: http.MethodGet,
		URL:    g.cfg.apiBase() + "/oauth-service/oauth/preauthorized",
		Query: url.Values{
			"ticket":             {ticket},
			"login-url":          {g.cfg.ssoBase() + "/embed"},
			"accepts-mfa-tokens": {"true"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oauth1 preauthorize: %w", err)
	}

	values, err := url.ParseQuery(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("oauth1 preauthorize: decode: %w", err)
	}
	tok := &OAuth1Token{
		Token:                  values.Get("oauth_token"),
		Secret:                 values.Get("oauth_token_secret"),
		MFAToken:               values.Get("mfa_token"),
		MFAExpirationTimestamp: values.Get("mfa_expiration_timestamp"),
		Domain:                 g.cfg.domain(),
	}
	if tok.Token == "" || tok.Secret == "" {
		return nil, errors.New("oauth1 preauthorize: no token in response")
	}
	return tok, nil
}

// exchange trades an OAuth1 token for a fresh OAuth2 token.
func (g *Gateway) exchange(ctx context.Context, t1 *OAuth1Token) (*OAuth2Token, error) {
	consumer, err := g.fetchConsumer(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	if t1.MFAToken != "" {
		form.Set("mfa_token", t1.MFAToken)
	}

	client := g.signedClient(ctx, consumer, oauth1.NewToken(t1.Token, t1.Secret))
	resp, err := client.Do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		URL:     g.cfg.apiBase() + "/oauth-service/oauth/exchange/user/2.0",
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": uclhttp.ContentTypeForm},
		NoRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth2 exchange: %w", err)
	}
	var t2 OAuth2Token
	if err := resp.JSON(&t2); err != nil {
		return nil, fmt.Errorf("oauth2 exchange: decode: %w", err)
	}
	if t2.AccessToken == "" {
		return nil, errors.New("oauth2 exchange: no access token in response")
	}
	t2.stamp(g.now())
	return &t2, nil
}
