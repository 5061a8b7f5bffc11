package xiaomi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultAccountURL is the account service used for every login.
	DefaultAccountURL = "https://account.xiaomi.com"
	// ServiceID is the sid the health API issues tokens for.
	ServiceID = "miothealth"
	// UserAgent is sent on token logins.
	UserAgent = "MisFit/2.0.0 (iPhone; iOS 13.0; Scale/2.0.0)"
	// DefaultRegion selects the mainland API host.
	DefaultRegion = "cn"
	// DefaultModel is the scale model queried by the legacy API.
	DefaultModel = "yunmai.scales.ms103"
)

// Config configures a source client.
type Config struct {
	// Region selects the API host, "cn" by default.
	Region string
	// APIBaseURL overrides the region-derived API host.
	APIBaseURL string
	// AccountURL overrides DefaultAccountURL.
	AccountURL string

	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	Logger *slog.Logger
}

// APIBase returns the health API origin for the configured region.
func (c Config) APIBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimSuffix(c.APIBaseURL, "/")
	}
	return RegionBaseURL(c.Region)
}

// AccountBase returns the account service origin.
func (c Config) AccountBase() string {
	if c.AccountURL != "" {
		return strings.TrimSuffix(c.AccountURL, "/")
	}
	return DefaultAccountURL
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// RegionBaseURL maps a region code to its API host.
func RegionBaseURL(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" || region == DefaultRegion {
		return "https://hlth.io.mi.com"
	}
	return fmt.Sprintf("https://%s.hlth.io.mi.com", region)
}
