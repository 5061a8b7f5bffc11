package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is prefixed to Request.Path when Request.URL is empty.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for failed requests (default: 3).
	MaxRetries int

	// RateLimit requests per second (default: 5).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "weightsync/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	// Jar stores cookies across requests. Nil disables cookie handling.
	Jar http.CookieJar

	// CheckRedirect is passed through to the underlying http.Client.
	CheckRedirect func(req *http.Request, via []*http.Request) error
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RateLimit:  5.0,
		RateBurst:  5,
		UserAgent:  "weightsync/1.0",
		Headers:    make(map[string]string),
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited, retry-capable HTTP client.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "weightsync/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:       config.Timeout,
			Transport:     config.Transport,
			Jar:           config.Jar,
			CheckRedirect: config.CheckRedirect,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

// Jar returns the cookie jar shared by every request of this client.
func (c *Client) Jar() http.CookieJar {
	return c.config.Jar
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// Request represents an HTTP request to be made.
type Request struct {
	Method string
	// Path is joined to ClientConfig.BaseURL. Ignored when URL is set.
	Path string
	// URL is an absolute target, used for redirect locations and foreign hosts.
	URL     string
	Query   url.Values
	Headers map[string]string
	// Body is kept as bytes so a retried attempt can resend it.
	Body []byte
	// Auth overrides ClientConfig.Auth for this request.
	Auth AuthConfig
	// NoRetry sends the request exactly once.
	NoRetry bool
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// FinalURL is the URL of the last hop after redirects.
	FinalURL *url.URL
	Cookies  []*http.Cookie
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Cookie returns the named cookie set by the response, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// ServerTime parses the Date header.
func (r *Response) ServerTime() (time.Time, bool) {
	raw := r.Headers.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// =============================================================================
// CLIENT METHODS
// =============================================================================

// Do executes a request with rate limiting and retry. For status codes >= 400
// both the response and an *HTTPError are returned.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	maxRetries := c.config.MaxRetries
	if req.NoRetry {
		maxRetries = 0
	}

	var (
		lastResp *Response
		lastErr  error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastResp, lastErr = resp, err

		if !isRetryable(err) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastResp, lastErr
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := req.URL
	if fullURL == "" {
		fullURL = c.config.BaseURL
		if req.Path != "" {
			fullURL = strings.TrimSuffix(fullURL, "/") + "/" + strings.TrimPrefix(req.Path, "/")
		}
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	auth := c.config.Auth
	if req.Auth != nil {
		auth = req.Auth
	}
	auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		Cookies:    resp.Cookies(),
	}
	if resp.Request != nil {
		response.FinalURL = resp.Request.URL
	}

	if resp.StatusCode >= 400 {
		return response, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(data), 512),
		}
	}

	return response, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
	})
}

// PostForm performs a POST request with an urlencoded form body.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": ContentTypeForm},
	})
}

// =============================================================================
// ERRORS
// =============================================================================

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsUnauthorized returns true for 401 responses.
func (e *HTTPError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// isRetryable determines if an error should be retried.
func isRetryable(err error) bool {
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
