package xiaomi

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Session is the transport-local state of one run: a cookie jar and the
// clock offset measured against the server. It implements http.CookieJar.
//
// Cookies are kept both domain-scoped and flattened by name. Requests get
// the scoped cookies plus any flattened ones the scope lacks, because the
// health API expects cookies issued by the account and sts hosts.
type Session struct {
	mu     sync.Mutex
	jar    *cookiejar.Jar
	flat   map[string]string
	order  []string
	offset time.Duration
	now    func() time.Time
}

// NewSession creates an empty session.
func NewSession() *Session {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Session{
		jar:  jar,
		flat: make(map[string]string),
		now:  time.Now,
	}
}

// SetCookies implements http.CookieJar.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(u, cookies)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		if c.MaxAge < 0 || c.Value == "" {
			s.deleteLocked(c.Name)
			continue
		}
		if _, ok := s.flat[c.Name]; !ok {
			s.order = append(s.order, c.Name)
		}
		s.flat[c.Name] = c.Value
	}
}

// Cookies implements http.CookieJar.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	scoped := s.jar.Cookies(u)
	seen := make(map[string]bool, len(scoped))
	for _, c := range scoped {
		seen[c.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		if seen[name] {
			continue
		}
		scoped = append(scoped, &http.Cookie{Name: name, Value: s.flat[name]})
	}
	return scoped
}

// Cookie returns the latest value of the named cookie across all hosts.
func (s *Session) Cookie(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flat[name]
}

func (s *Session) deleteLocked(name string) {
	if _, ok := s.flat[name]; !ok {
		return
	}
	delete(s.flat, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ClockOffset returns server time minus local time.
func (s *Session) ClockOffset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// SyncClock records the offset from a server Date value.
func (s *Session) SyncClock(server time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = server.Sub(s.now())
	return s.offset
}

// Now returns local time corrected by the clock offset.
func (s *Session) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Add(s.offset)
}
