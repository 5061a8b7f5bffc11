package http

import (
	"net/http"
	"sort"
)

// =============================================================================
// AUTHENTICATION STRATEGIES
// =============================================================================

// AuthConfig represents authentication configuration.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// CookieAuth sends a fixed set of cookies in addition to whatever the jar holds.
// Account services authenticate token logins this way.
type CookieAuth map[string]string

// Apply adds the cookies in name order.
func (a CookieAuth) Apply(req *http.Request) {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if a[name] == "" {
			continue
		}
		req.AddCookie(&http.Cookie{Name: name, Value: a[name]})
	}
}
