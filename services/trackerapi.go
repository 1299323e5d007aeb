// ABOUTME: one2track API client for GPS tracker device data
// ABOUTME: Scrapes the vendor's login flow and polls the ad-hoc device-list endpoint

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/one2track/bridge/models"
)

const (
	// DefaultBaseURL is the production one2track service.
	DefaultBaseURL = "https://www.one2trackgps.com"

	loginPath    = "/auth/users/sign_in"
	devicesPath  = "/users/%s/devices"
	messagesPath = "/devices/%s/messages"

	// sessionCookieName is the vendor cookie representing an authenticated session.
	sessionCookieName = "_iadmin"

	// csrfMarker precedes the CSRF token in the vendor's HTML. There is no
	// token endpoint; the markup itself is the contract, so the extraction
	// is deliberately this brittle.
	csrfMarker = `name="csrf-token" content="`
)

// TrackerClient talks to the one2track web service. The service has no
// formal API: login is a scraped HTML form, success is detected from a 302
// with a fresh cookie, and device data comes from an undocumented JSON
// endpoint. All operations are sequential; callers must not run Update and
// SendMessage concurrently against one client, since both read-then-write
// the session non-atomically.
type TrackerClient struct {
	baseURL  string
	username string
	password string

	session Session

	transport  *http.Transport
	client     *http.Client // follows redirects
	noRedirect *http.Client // login flow reads raw 302s
}

// NewTrackerClient builds a client for the one2track web service. baseURL is
// normally DefaultBaseURL; tests point it at a local server. knownAccountID
// may be empty, in which case the id is discovered during login.
func NewTrackerClient(baseURL, username, password, knownAccountID string) *TrackerClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") && !strings.HasPrefix(baseURL, "http://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	transport := &http.Transport{
		TLSHandshakeTimeout: 30 * time.Second,
	}

	// Check for ONE2TRACK_ALL_PROXY environment variable
	if allProxy := os.Getenv("ONE2TRACK_ALL_PROXY"); allProxy != "" {
		if dialContextFunc := createSOCKS5DialContextFunc(allProxy); dialContextFunc != nil {
			transport.DialContext = dialContextFunc
		}
	}

	c := &TrackerClient{
		baseURL:   baseURL,
		username:  username,
		password:  password,
		transport: transport,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		noRedirect: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	c.session.setAccountID(knownAccountID)
	return c
}

// SetTimeout overrides the per-request timeout on both underlying clients.
// A timed-out request is classified like any other transport failure.
func (c *TrackerClient) SetTimeout(d time.Duration) {
	c.client.Timeout = d
	c.noRedirect.Timeout = d
}

// Authenticated reports whether the client currently holds a session cookie.
func (c *TrackerClient) Authenticated() bool {
	return c.session.Authenticated()
}

// AccountID returns the account id the client is operating as, "" if unknown.
func (c *TrackerClient) AccountID() string {
	return c.session.AccountID()
}

// Close releases the transport's idle connections. Idempotent.
func (c *TrackerClient) Close() {
	c.transport.CloseIdleConnections()
}

type requestOptions struct {
	followRedirects bool
	json            bool
	header          http.Header
}

// call issues one request against the vendor. A non-nil form makes it a
// form-encoded POST, otherwise a GET. The session cookie is injected
// manually; the underlying clients have no cookie jar, so the manually
// tracked cookie stays the single source of truth even across redirects.
func (c *TrackerClient) call(ctx context.Context, rawURL string, form url.Values, opt requestOptions) (*http.Response, error) {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range opt.header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	if opt.json {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	}

	// The consent banner otherwise intercepts every page.
	req.AddCookie(&http.Cookie{Name: "accepted_cookies", Value: "true"})
	if c.session.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.session.cookie})
	}

	slog.Debug("one2track request", "method", req.Method, "url", rawURL, "follow_redirects", opt.followRedirects)

	if opt.followRedirects {
		return c.client.Do(req)
	}
	return c.noRedirect.Do(req)
}

// extractCSRFToken returns the quoted value following the csrf-token marker.
// Kept as a single named function so the one point of markup fragility is
// testable and swappable if the vendor changes their pages.
func extractCSRFToken(html string) (string, error) {
	_, rest, found := strings.Cut(html, csrfMarker)
	if !found {
		return "", fmt.Errorf("csrf marker not found in page")
	}
	token, _, found := strings.Cut(rest, `"`)
	if !found {
		return "", fmt.Errorf("unterminated csrf token in page")
	}
	return token, nil
}

// extractSessionCookie pulls the _iadmin value out of a response's Set-Cookie
// headers: everything after the cookie name up to the next ";", minus the
// "=". Returns "" when no session cookie was set, which is not an error
// during pre-login.
func extractSessionCookie(header http.Header) string {
	for _, setCookie := range header.Values("Set-Cookie") {
		if !strings.Contains(setCookie, sessionCookieName) {
			continue
		}
		_, rest, _ := strings.Cut(setCookie, sessionCookieName)
		value, _, _ := strings.Cut(rest, ";")
		return strings.TrimPrefix(value, "=")
	}
	return ""
}

// fetchLoginPage GETs the login page and scrapes the CSRF token and the
// pre-login session cookie out of it.
func (c *TrackerClient) fetchLoginPage(ctx context.Context) error {
	resp, err := c.call(ctx, c.baseURL+loginPath, nil, requestOptions{followRedirects: true})
	if err != nil {
		return fmt.Errorf("login page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("login page fetch failed", "status", resp.StatusCode)
		return &AuthenticationError{Reason: "login page unavailable"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login page: %w", err)
	}

	csrf, err := extractCSRFToken(string(body))
	if err != nil {
		return fmt.Errorf("login page: %w", err)
	}

	cookie := extractSessionCookie(resp.Header)
	if cookie == "" {
		slog.Warn("login page set no session cookie")
	}

	c.session.setPreLogin(csrf, cookie)
	slog.Debug("pre-login state scraped", "cookie_present", cookie != "")
	return nil
}

// login submits the credential form. A successful login is a 302 carrying a
// fresh session cookie; anything else, including a 200 that re-renders the
// form, means the credentials were rejected.
func (c *TrackerClient) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("authenticity_token", c.session.csrf)
	form.Set("user[login]", c.username)
	form.Set("user[password]", c.password)
	form.Set("gdpr", "1")
	form.Set("user[remember_me]", "1")

	resp, err := c.call(ctx, c.baseURL+loginPath, form, requestOptions{followRedirects: false})
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound || len(resp.Header.Values("Set-Cookie")) == 0 {
		slog.Warn("login rejected", "status", resp.StatusCode)
		return &AuthenticationError{Reason: "invalid username or password", Definitive: true}
	}

	c.session.setCookie(extractSessionCookie(resp.Header))
	slog.Debug("login succeeded", "redirect", resp.Header.Get("Location"))
	return nil
}

// discoverAccountID reads the account id out of the redirect the vendor
// issues for an authenticated GET of the service root. A missing Location
// header or a redirect without the expected segment is fatal: there is no
// other way to learn the id, so this is surfaced to the operator rather
// than retried.
func (c *TrackerClient) discoverAccountID(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, c.baseURL+"/", nil, requestOptions{followRedirects: false})
	if err != nil {
		return "", fmt.Errorf("account discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("account discovery: no Location header on status %d response", resp.StatusCode)
	}

	parts := strings.Split(location, "/")
	if len(parts) < 5 {
		return "", fmt.Errorf("account discovery: unexpected redirect target %q", location)
	}
	accountID := parts[4]

	slog.Debug("account id discovered", "account_id", accountID, "location", location)
	c.session.setAccountID(accountID)
	return accountID, nil
}

// Authenticate runs the full login flow and returns the discovered account
// id. Callers that configured a known account id must treat a mismatch as a
// fatal setup error, not something to retry.
func (c *TrackerClient) Authenticate(ctx context.Context) (string, error) {
	if err := c.fetchLoginPage(ctx); err != nil {
		return "", err
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	return c.discoverAccountID(ctx)
}

// ensureAuthenticated brings the session to a state where a fetch or message
// send is allowed, re-running only the pieces that are missing.
func (c *TrackerClient) ensureAuthenticated(ctx context.Context) error {
	if !c.session.Authenticated() || !c.session.HasToken() {
		if err := c.fetchLoginPage(ctx); err != nil {
			return err
		}
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	if c.session.AccountID() == "" {
		if _, err := c.discoverAccountID(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FetchOutcome classifies one poll cycle. The non-OK variants are
// deliberately distinct: the scheduler retries all of them on the next
// cycle, but only FetchAuthRequired can carry a credential rejection that
// has to be escalated to the operator.
type FetchOutcome int

const (
	// FetchOK means the device list was retrieved and parsed.
	FetchOK FetchOutcome = iota
	// FetchParseFailure means the service answered 200 but the body was not
	// the expected device array. The session is left untouched.
	FetchParseFailure
	// FetchSessionRejected means a non-200 answer or a transport failure.
	// The session is invalidated so the next cycle re-authenticates.
	FetchSessionRejected
	// FetchAuthRequired means the self-heal login itself failed. The session
	// is invalidated; Err holds the authentication failure.
	FetchAuthRequired
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchOK:
		return "ok"
	case FetchParseFailure:
		return "parse_failure"
	case FetchSessionRejected:
		return "session_rejected"
	case FetchAuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged outcome of one Update call.
type FetchResult struct {
	Outcome FetchOutcome
	Devices []models.TrackerDevice
	Err     error
}

// Update runs one poll cycle. An expired or absent session self-heals by
// re-running the login flow before the fetch; device data is never requested
// without a session cookie. Recoverable failures come back as tagged
// outcomes. The error return is reserved for fatal conditions (malformed
// redirects and the like) that need operator attention.
func (c *TrackerClient) Update(ctx context.Context) (*FetchResult, error) {
	if c.session.Authenticated() && c.session.AccountID() != "" {
		slog.Debug("session cookie present, skipping login")
	} else {
		slog.Debug("renewing login")
		if err := c.ensureAuthenticated(ctx); err != nil {
			if IsAuthenticationError(err) {
				c.session.Invalidate()
				slog.Warn("login failed, retrying next cycle", "error", err)
				return &FetchResult{Outcome: FetchAuthRequired, Err: err}, nil
			}
			return nil, err
		}
	}

	return c.fetchDevices(ctx)
}

// fetchDevices GETs the device-list endpoint and classifies the response.
func (c *TrackerClient) fetchDevices(ctx context.Context) (*FetchResult, error) {
	deviceURL := c.baseURL + fmt.Sprintf(devicesPath, c.session.AccountID())

	resp, err := c.call(ctx, deviceURL, nil, requestOptions{followRedirects: true, json: true})
	if err != nil {
		// Timeouts and transport failures are treated like a rejected
		// session: drop it and let the next cycle start clean.
		slog.Error("device list request failed", "error", err)
		c.session.Invalidate()
		return &FetchResult{Outcome: FetchSessionRejected, Devices: []models.TrackerDevice{}, Err: err}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("failed to read device list", "error", err)
		c.session.Invalidate()
		return &FetchResult{Outcome: FetchSessionRejected, Devices: []models.TrackerDevice{}, Err: err}, nil
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("device list rejected", "status", resp.StatusCode, "body", truncate(string(body), 200))
		c.session.Invalidate()
		return &FetchResult{Outcome: FetchSessionRejected, Devices: []models.TrackerDevice{}}, nil
	}

	devices, err := parseDeviceList(body)
	if err != nil {
		// A 200 with an unreadable body does not prove the session expired,
		// so it is kept for the next cycle.
		slog.Error("cannot parse device list", "error", err, "body", truncate(string(body), 200))
		return &FetchResult{Outcome: FetchParseFailure, Err: err}, nil
	}

	slog.Debug("device list fetched", "count", len(devices))
	return &FetchResult{Outcome: FetchOK, Devices: devices}, nil
}

// parseDeviceList unwraps the vendor's [{"device":{...}}, ...] array into
// the inner device records, preserving order.
func parseDeviceList(body []byte) ([]models.TrackerDevice, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("response is not a JSON array")
	}

	devices := []models.TrackerDevice{}
	var parseErr error
	parsed.ForEach(func(_, wrapper gjson.Result) bool {
		inner := wrapper.Get("device")
		if !inner.Exists() {
			parseErr = fmt.Errorf("array entry has no device key")
			return false
		}
		var device models.TrackerDevice
		if err := json.Unmarshal([]byte(inner.Raw), &device); err != nil {
			parseErr = fmt.Errorf("failed to decode device: %w", err)
			return false
		}
		devices = append(devices, device)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return devices, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
