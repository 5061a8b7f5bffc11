package garmin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DomainGlobal serves every account outside mainland China.
	DomainGlobal = "garmin.com"
	// DomainChina serves mainland accounts.
	DomainChina = "garmin.cn"

	// DefaultConsumerURL publishes the OAuth1 consumer of the mobile app.
	DefaultConsumerURL = "https://thegarth.s3.amazonaws.com/oauth_consumer.json"

	mobileUserAgent = "com.garmin.android.apps.connectmobile"
	ssoUserAgent    = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
)

// MFAProvider blocks until the account owner supplies a one-time code.
type MFAProvider func(ctx context.Context) (string, error)

// Config configures a Gateway for one account.
type Config struct {
	Email    string
	Password string
	// Domain is "CN" for mainland accounts; anything else selects garmin.com.
	Domain string

	// SessionDir holds one token directory per email. Empty disables persistence.
	SessionDir string
	// ConsumerURL overrides DefaultConsumerURL.
	ConsumerURL string
	// Consumer skips the consumer download when set.
	Consumer *Consumer

	// SSOBaseURL and APIBaseURL override the domain-derived hosts.
	SSOBaseURL string
	APIBaseURL string

	MFA MFAProvider

	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	Logger *slog.Logger
}

// DomainFor maps a profile domain code to the service domain.
func DomainFor(code string) string {
	if strings.EqualFold(strings.TrimSpace(code), "CN") {
		return DomainChina
	}
	return DomainGlobal
}

func (c Config) domain() string { return DomainFor(c.Domain) }

// ssoBase is the SSO root, ending in /sso.
func (c Config) ssoBase() string {
	if c.SSOBaseURL != "" {
		return strings.TrimSuffix(c.SSOBaseURL, "/")
	}
	return "https://sso." + c.domain() + "/sso"
}

func (c Config) apiBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimSuffix(c.APIBaseURL, "/")
	}
	return "https://connectapi." + c.domain()
}

func (c Config) consumerURL() string {
	if c.ConsumerURL != "" {
		return c.ConsumerURL
	}
	return DefaultConsumerURL
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
