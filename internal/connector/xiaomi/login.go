package xiaomi

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	uclhttp "github.com/hayashishungenn/garmin-weight-sync/internal/connector/http"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

const (
	sdkVersion = "4.2.29"
	// LoginServiceID is the sid used for password logins. The resulting
	// passToken is exchanged for health credentials by LoginWithToken.
	LoginServiceID = "xiaomiio"

	flagPhone = 4
	flagEmail = 8

	// MaxChallengeAttempts bounds resubmissions per challenge type.
	MaxChallengeAttempts = 3

	maxRedirects = 10
)

// =============================================================================
// STATES AND STEPS
// =============================================================================

// State is a login machine state.
type State string

const (
	StateInit            State = "init"
	StateServiceLogin    State = "service_login"
	StateCaptchaRequired State = "captcha_required"
	StateVerifyRequired  State = "verify_required"
	StateSuccess         State = "success"
	StateFailed          State = "failed"
)

// Step is the result of one machine transition. It is one of *Success,
// *NeedsCaptcha, *NeedsVerification or *Failed.
type Step interface {
	State() State
}

// Success carries the credential of a completed login.
type Success struct {
	Credential *Credential
}

// NeedsCaptcha carries an opaque captcha image. Rejected is set when the
// previous code was not accepted.
type NeedsCaptcha struct {
	Image    []byte
	Attempt  int
	Rejected bool
}

// NeedsVerification carries the masked phone or email a ticket was sent to.
type NeedsVerification struct {
	MaskedDestination string
	Attempt           int
	Rejected          bool
}

// Failed ends the login.
type Failed struct {
	Err error
}

func (*Success) State() State           { return StateSuccess }
func (*NeedsCaptcha) State() State      { return StateCaptchaRequired }
func (*NeedsVerification) State() State { return StateVerifyRequired }
func (*Failed) State() State            { return StateFailed }

// =============================================================================
// LOGIN MACHINE
// =============================================================================

// LoginMachine drives the password, captcha and verification flow of the
// account service. It is not safe for concurrent use.
type LoginMachine struct {
	cfg      Config
	client   *uclhttp.Client
	logger   *slog.Logger
	sid      string
	deviceID string

	state    State
	username string
	password string

	ick             string
	flag            int
	identitySession string
	masked          string

	captchaAttempts int
	verifyAttempts  int

	hops []redirectHop
}

type redirectHop struct {
	cookies []*http.Cookie
	pragma  string
}

// NewLoginMachine builds a machine with its own cookie jar.
func NewLoginMachine(cfg Config) *LoginMachine {
	m := &LoginMachine{
		cfg:      cfg,
		logger:   cfg.logger(),
		sid:      LoginServiceID,
		deviceID: randomDeviceID(16),
		state:    StateInit,
	}
	m.client = uclhttp.NewClient(&uclhttp.ClientConfig{
		Timeout:       cfg.Timeout,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		Transport:     cfg.Transport,
		Jar:           NewSession(),
		CheckRedirect: m.checkRedirect,
	})
	return m
}

// State returns the current state.
func (m *LoginMachine) State() State { return m.state }

// Start submits username and password.
func (m *LoginMachine) Start(ctx context.Context, username, password string) Step {
	if m.state != StateInit && m.state != StateFailed {
		return m.fail(fmt.Errorf("login already in state %s", m.state))
	}
	m.reset()
	m.username, m.password = username, password
	m.state = StateServiceLogin
	m.logger.Info("starting password login", "user", username)

	res, err := m.serviceLogin(ctx, "")
	if err != nil {
		return m.fail(err)
	}
	return m.handleAuth(ctx, res)
}

// SubmitCaptcha answers a pending captcha.
func (m *LoginMachine) SubmitCaptcha(ctx context.Context, code string) Step {
	if m.state != StateCaptchaRequired {
		return m.fail(fmt.Errorf("no captcha pending in state %s", m.state))
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return m.failCode(syncerr.CodeCaptchaRejected, errors.New("empty captcha code"))
	}
	m.captchaAttempts++

	if m.flag != 0 && m.identitySession != "" {
		return m.sendTicket(ctx, code)
	}
	res, err := m.serviceLogin(ctx, code)
	if err != nil {
		return m.fail(err)
	}
	return m.handleAuth(ctx, res)
}

// SubmitVerification answers a pending verification with the received ticket.
func (m *LoginMachine) SubmitVerification(ctx context.Context, ticket string) Step {
	if m.state != StateVerifyRequired {
		return m.fail(fmt.Errorf("no verification pending in state %s", m.state))
	}
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return m.failCode(syncerr.CodeVerificationRejected, errors.New("empty verification ticket"))
	}
	m.verifyAttempts++

	key := identityKey(m.flag)
	resp, err := m.client.Do(ctx, &uclhttp.Request{
		Method: http.MethodPost,
		URL:    m.cfg.AccountBase() + "/identity/auth/verify" + key,
		Query: url.Values{
			"_flag":  {strconv.Itoa(m.flag)},
			"ticket": {ticket},
			"trust":  {"false"},
			"_json":  {"true"},
		},
		Auth: uclhttp.CookieAuth{"identity_session": m.identitySession},
	})
	if err != nil {
		return m.fail(fmt.Errorf("verify ticket: %w", err))
	}
	var res accountResponse
	if err := decodeAccountJSON(resp.Body, &res); err != nil {
		return m.fail(err)
	}
	if res.Code != 0 {
		if m.verifyAttempts >= MaxChallengeAttempts {
			return m.failCode(syncerr.CodeRetryLimitExceeded, fmt.Errorf("verification rejected %d times", m.verifyAttempts))
		}
		m.logger.Warn("verification code rejected", "user", m.username, "attempt", m.verifyAttempts)
		return &NeedsVerification{MaskedDestination: m.masked, Attempt: m.verifyAttempts + 1, Rejected: true}
	}
	return m.credentials(ctx, res)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (m *LoginMachine) handleAuth(ctx context.Context, res *accountResponse) Step {
	switch {
	case res.CaptchaURL != "":
		if m.captchaAttempts >= MaxChallengeAttempts {
			return m.failCode(syncerr.CodeRetryLimitExceeded, fmt.Errorf("captcha rejected %d times", m.captchaAttempts))
		}
		return m.captcha(ctx, res.CaptchaURL)
	case res.NotificationURL != "":
		return m.identityList(ctx, res.NotificationURL)
	case res.Location != "":
		return m.credentials(ctx, *res)
	default:
		return m.fail(fmt.Errorf("login rejected: code %d %s", res.Code, res.Description))
	}
}

func (m *LoginMachine) serviceLogin(ctx context.Context, captchaCode string) (*accountResponse, error) {
	base := uclhttp.CookieAuth{"sdkVersion": sdkVersion, "deviceId": m.deviceID}

	resp, err := m.client.Do(ctx, &uclhttp.Request{
		Method: http.MethodGet,
		URL:    m.cfg.AccountBase() + "/pass/serviceLogin",
		Query:  url.Values{"_json": {"true"}, "sid": {m.sid}},
		Auth:   base,
	})
	if err != nil {
		return nil, fmt.Errorf("service login: %w", err)
	}
	var page accountResponse
	if err := decodeAccountJSON(resp.Body, &page); err != nil {
		return nil, err
	}

	form := url.Values{
		"_json":    {"true"},
		"sid":      {page.Sid},
		"callback": {page.Callback},
		"_sign":    {page.Sign},
		"qs":       {page.Qs},
		"user":     {m.username},
		"hash":     {passwordHash(m.password)},
	}
	cookies := base
	if captchaCode != "" {
		cookies = uclhttp.CookieAuth{"sdkVersion": sdkVersion, "deviceId": m.deviceID, "ick": m.ick}
		form.Set("captCode", captchaCode)
	}

	resp, err = m.client.Do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		URL:     m.cfg.AccountBase() + "/pass/serviceLoginAuth2",
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": uclhttp.ContentTypeForm},
		Auth:    cookies,
		NoRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("service login auth: %w", err)
	}
	var res accountResponse
	if err := decodeAccountJSON(resp.Body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *LoginMachine) captcha(ctx context.Context, captchaURL string) Step {
	resp, err := m.client.Do(ctx, &uclhttp.Request{
		Method: http.MethodGet,
		URL:    m.resolve(captchaURL),
	})
	if err != nil {
		return m.fail(fmt.Errorf("fetch captcha: %w", err))
	}
	if ick := resp.Cookie("ick"); ick != "" {
		m.ick = ick
	}
	rejected := m.captchaAttempts > 0
	m.state = StateCaptchaRequired
	m.logger.Info("captcha required", "user", m.username, "attempt", m.captchaAttempts+1)
	return &NeedsCaptcha{Image: resp.Body, Attempt: m.captchaAttempts + 1, Rejected: rejected}
}

func (m *LoginMachine) identityList(ctx context.Context, notificationURL string) Step {
	if !strings.Contains(notificationURL, "/fe/service/identity/authStart") {
		return m.fail(fmt.Errorf("unexpected notification url %q", notificationURL))
	}
	listURL := strings.Replace(notificationURL, "/fe/service/identity/authStart", "/identity/list", 1)

	resp, err := m.client.Do(ctx, &uclhttp.Request{Method: http.MethodGet, URL: m.resolve(listURL)})
	if err != nil {
		return m.fail(fmt.Errorf("identity list: %w", err))
	}
	var res accountResponse
	if err := decodeAccountJSON(resp.Body, &res); err != nil {
		return m.fail(err)
	}
	if res.Code != 2 {
		return m.fail(fmt.Errorf("identity list: unexpected code %d", res.Code))
	}
	if res.Flag != flagPhone && res.Flag != flagEmail {
		return m.fail(fmt.Errorf("identity list: unsupported flag %d", res.Flag))
	}
	m.flag = res.Flag
	m.identitySession = resp.Cookie("identity_session")
	if m.identitySession == "" {
		return m.fail(errors.New("identity list: no identity_session cookie"))
	}
	return m.sendTicket(ctx, "")
}

func (m *LoginMachine) sendTicket(ctx context.Context, captchaCode string) Step {
	key := identityKey(m.flag)
	session := uclhttp.CookieAuth{"identity_session": m.identitySession}

	resp, err := m.client.Do(ctx, &uclhttp.Request{
		Method: http.MethodGet,
		URL:    m.cfg.AccountBase() + "/identity/auth/verify" + key,
		Query:  url.Values{"_flag": {strconv.Itoa(m.flag)}, "_json": {"true"}},
		Auth:   session,
	})
	if err != nil {
		return m.fail(fmt.Errorf("identity verify page: %w", err))
	}
	var page accountResponse
	if err := decodeAccountJSON(resp.Body, &page); err != nil {
		return m.fail(err)
	}
	if page.Code != 0 {
		return m.fail(fmt.Errorf("identity verify page: code %d", page.Code))
	}

	cookies := session
	if captchaCode != "" {
		cookies = uclhttp.CookieAuth{"identity_session": m.identitySession, "ick": m.ick}
	}
	form := url.Values{"retry": {"0"}, "icode": {captchaCode}, "_json": {"true"}}
	resp, err = m.client.Do(ctx, &uclhttp.Request{
		Method:  http.MethodPost,
		URL:     m.cfg.AccountBase() + "/identity/auth/send" + key + "Ticket",
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": uclhttp.ContentTypeForm},
		Auth:    cookies,
		NoRetry: true,
	})
	if err != nil {
		return m.fail(fmt.Errorf("send ticket: %w", err))
	}
	var res accountResponse
	if err := decodeAccountJSON(resp.Body, &res); err != nil {
		return m.fail(err)
	}

	if res.CaptchaURL != "" {
		if m.captchaAttempts >= MaxChallengeAttempts {
			return m.failCode(syncerr.CodeRetryLimitExceeded, fmt.Errorf("captcha rejected %d times", m.captchaAttempts))
		}
		return m.captcha(ctx, res.CaptchaURL)
	}
	if res.Code != 0 {
		return m.fail(fmt.Errorf("send ticket: code %d %s", res.Code, res.Description))
	}

	m.masked = page.MaskedPhone
	if m.flag == flagEmail {
		m.masked = page.MaskedEmail
	}
	m.state = StateVerifyRequired
	m.logger.Info("verification required", "user", m.username, "destination", m.masked)
	return &NeedsVerification{MaskedDestination: m.masked, Attempt: m.verifyAttempts + 1}
}

// credentials follows the final auth location and assembles the Credential
// from the reply, the redirect cookies and the extension-pragma headers.
func (m *LoginMachine) credentials(ctx context.Context, res accountResponse) Step {
	if res.Location == "" {
		return m.fail(errors.New("auth response has no location"))
	}

	m.hops = nil
	resp, err := m.client.Do(ctx, &uclhttp.Request{Method: http.MethodGet, URL: res.Location})
	if err != nil {
		return m.fail(fmt.Errorf("auth location: %w", err))
	}
	if !bytes.Equal(bytes.TrimSpace(resp.Body), []byte("ok")) {
		return m.fail(fmt.Errorf("auth location: unexpected body %q", truncateBody(resp.Body)))
	}

	userID, passToken, security := string(res.UserID), res.PassToken, res.Security
	for _, hop := range m.hops {
		for _, c := range hop.cookies {
			switch c.Name {
			case "userId":
				userID = c.Value
			case "passToken":
				passToken = c.Value
			}
		}
		if hop.pragma == "" {
			continue
		}
		var ext struct {
			Security string `json:"ssecurity"`
		}
		if err := json.Unmarshal([]byte(hop.pragma), &ext); err == nil && ext.Security != "" {
			security = ext.Security
		}
	}

	userID, passToken, err = ParseToken(userID + ":" + passToken)
	if err != nil {
		return m.fail(err)
	}
	sec, err := DecodeSecurity(security)
	if err != nil || len(sec) == 0 {
		return m.fail(errors.New("auth response has no ssecurity"))
	}

	m.state = StateSuccess
	m.password = ""
	m.logger.Info("password login successful", "user", m.username, "userId", userID)
	return &Success{Credential: &Credential{UserID: userID, PassToken: passToken, Security: sec}}
}

func (m *LoginMachine) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.Response != nil {
		m.hops = append(m.hops, redirectHop{
			cookies: req.Response.Cookies(),
			pragma:  req.Response.Header.Get("Extension-Pragma"),
		})
	}
	return nil
}

func (m *LoginMachine) fail(err error) Step {
	return m.failCode(syncerr.CodeAuthFailed, err)
}

func (m *LoginMachine) failCode(code syncerr.Code, err error) Step {
	m.state = StateFailed
	m.password = ""
	e := &syncerr.Error{Code: code, Err: err}
	if code == syncerr.CodeAuthFailed {
		e.Stage = syncerr.StageSource
	}
	m.logger.Warn("login failed", "user", m.username, "code", string(code), "error", err)
	return &Failed{Err: e}
}

func (m *LoginMachine) reset() {
	m.ick, m.flag, m.identitySession, m.masked = "", 0, "", ""
	m.captchaAttempts, m.verifyAttempts = 0, 0
}

func (m *LoginMachine) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return m.cfg.AccountBase() + ref
}

// =============================================================================
// HELPERS
// =============================================================================

// passwordHash is the uppercase hex MD5 the account service expects.
func passwordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func identityKey(flag int) string {
	if flag == flagPhone {
		return "Phone"
	}
	return "Email"
}

const deviceIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomDeviceID(n int) string {
	var b strings.Builder
	limit := big.NewInt(int64(len(deviceIDAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(deviceIDAlphabet[i%len(deviceIDAlphabet)])
			continue
		}
		b.WriteByte(deviceIDAlphabet[idx.Int64()])
	}
	return b.String()
}

func truncateBody(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
