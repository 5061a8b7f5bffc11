package garmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/publicsuffix"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

const ticketMarker = "embed?ticket="

// ssoClient drives the embedded web login. It keeps its own cookie jar for
// the lifetime of one login.
type ssoClient struct {
	cfg     Config
	client  *uclhttp.Client
	referer string
}

func newSSOClient(cfg Config) *ssoClient {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &ssoClient{
		cfg: cfg,
		client: uclhttp.NewClient(&uclhttp.ClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			UserAgent: ssoUserAgent,
			Transport: cfg.Transport,
			Jar:       jar,
		}),
	}
}

func (s *ssoClient) embedURL() string { return s.cfg.ssoBase() + "/embed" }

func (s *ssoClient) signinParams() url.Values {
	embed := s.embedURL()
	return url.Values{
		"id":                              {"gauth-widget"},
		"embedWidget":                     {"true"},
		"gauthHost":                       {embed},
		"service":                         {embed},
		"source":                          {embed},
		"redirectAfterAccountLoginUrl":    {embed},
		"redirectAfterAccountCreationUrl": {embed},
	}
}

// login returns the service ticket for email and password.
func (s *ssoClient) login(ctx context.Context, email, password string, mfa MFAProvider) (string, error) {
	if _, err := s.get(ctx, s.embedURL(), url.Values{
		"id":          {"gauth-widget"},
		"embedWidget": {"true"},
		"gauthHost":   {s.cfg.ssoBase()},
	}); err != nil {
		return "", fmt.Errorf("sso embed: %w", err)
	}

	body, err := s.get(ctx, s.cfg.ssoBase()+"/signin", s.signinParams())
	if err != nil {
		return "", fmt.Errorf("sso signin page: %w", err)
	}
	csrf, err := found(parsePage(body).csrf, "csrf token")
	if err != nil {
		return "", err
	}

	body, err = s.post(ctx, s.cfg.ssoBase()+"/signin", s.signinParams(), url.Values{
		"username": {email},
		"password": {password},
		"embed":    {"true"},
		"_csrf":    {csrf},
	})
	if err != nil {
		return "", fmt.Errorf("sso signin: %w", err)
	}

	page := parsePage(body)
	if _, err := found(page.title, "page title"); err != nil {
		return "", err
	}
	if strings.Contains(page.title, "MFA") {
		if body, err = s.verifyMFA(ctx, page, mfa); err != nil {
			return "", err
		}
		page = parsePage(body)
		if _, err := found(page.title, "page title"); err != nil {
			return "", err
		}
	}
	if page.title != "Success" {
		return "", fmt.Errorf("sso login: unexpected page title %q", page.title)
	}
	return found(page.ticket(), "service ticket")
}

func (s *ssoClient) verifyMFA(ctx context.Context, page ssoPage, mfa MFAProvider) (string, error) {
	if mfa == nil {
		return "", errors.New("sso login: account requires an MFA code and no provider is configured")
	}
	csrf, err := found(page.csrf, "mfa csrf token")
	if err != nil {
		return "", err
	}
	code, err := mfa(ctx)
	if err != nil {
		return "", fmt.Errorf("mfa code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", errors.New("mfa code: empty")
	}

	out, err := s.post(ctx, s.cfg.ssoBase()+"/verifyMFA/loginEnterMfaCode", s.signinParams(), url.Values{
		"mfa-code": {code},
		"embed":    {"true"},
		"_csrf":    {csrf},
		"fromPage": {"setupEnterMfaCode"},
	})
	if err != nil {
		return "", fmt.Errorf("sso verify mfa: %w", err)
	}
	return out, nil
}

func (s *ssoClient) get(ctx context.Context, target string, query url.Values) (string, error) {
	return s.do(ctx, &uclhttp.Request{Method: http.MethodGet, URL: target, Query: query})
}

func (s *ssoClient) post(ctx context.Context, target string, query, form url.Values) (string, error) {
	return s.do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		URL:     target,
		Query:   query,
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": uclhttp.ContentTypeForm},
		NoRetry: true,
	})
}

func (s *ssoClient) do(ctx context.Context, req *uclhttp.Request) (string, error) {
	if s.referer != "" {
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers["Referer"] = s.referer
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.FinalURL != nil {
		s.referer = resp.FinalURL.String()
	}
	return string(resp.Body), nil
}

// ssoPage holds what the login flow reads from an SSO HTML page.
type ssoPage struct {
	title   string
	csrf    string
	scripts []string
}

func parsePage(body string) ssoPage {
	var (
		p        ssoPage
		inTitle  bool
		inScript bool
	)
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return p
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			open := tok.Type == html.StartTagToken
			switch tok.DataAtom {
			case atom.Title:
				inTitle = open
			case atom.Script:
				inScript = open
			case atom.Input:
				if p.csrf == "" && attr(tok, "name") == "_csrf" {
					p.csrf = attr(tok, "value")
				}
			}
		case html.EndTagToken:
			switch z.Token().DataAtom {
			case atom.Title:
				inTitle = false
			case atom.Script:
				inScript = false
			}
		case html.TextToken:
			switch {
			case inTitle && p.title == "":
				p.title = strings.TrimSpace(string(z.Text()))
			case inScript:
				p.scripts = append(p.scripts, string(z.Text()))
			}
		}
	}
}

// ticket returns the service ticket embedded in the success page script.
func (p ssoPage) ticket() string {
	for _, script := range p.scripts {
		i := strings.Index(script, ticketMarker)
		if i < 0 {
			continue
		}
		rest := script[i+len(ticketMarker):]
		if j := strings.IndexAny(rest, "\"'"); j > 0 {
			return rest[:j]
		}
	}
	return ""
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func found(value, what string) (string, error) {
	if value == "" {
		return "", syncerr.AuthFailed(syncerr.StageTarget, fmt.Errorf("sso login: %s not found", what))
	}
	return value, nil
}
