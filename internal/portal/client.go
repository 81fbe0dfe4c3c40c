// Package portal talks to the college's self-service registration site on
// behalf of one job: single sign-on, seat lookups, the cart and batch
// submission.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"dare/internal/registration"
	logx "dare/pkg/logx"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"
	// maxBody caps how much of any response is read.
	maxBody = 8 << 20
)

// Config points a Client at one portal deployment.
type Config struct {
	BaseURL string
	SSOURL  string
	// Timeout bounds every exchange. Zero means 20s.
	Timeout time.Duration
	// ProbeRatePerSec caps seat lookups. Zero disables the cap.
	ProbeRatePerSec int
	UserAgent       string
	// AuthRetries is how many full login attempts are made before the
	// failure becomes fatal. Zero means 3.
	AuthRetries int
	// ProbeRetryWait is the minimum backoff between lookup retries. Zero
	// means 250ms.
	ProbeRetryWait time.Duration
}

// Client is one job's portal session. Session calls are made one at a time
// by the job; CheckAvailability, ResolveTerm and UpstreamIsDown do not use
// the session and may run concurrently.
type Client struct {
	cfg   Config
	links links
	log   logx.Logger

	mu        sync.Mutex
	session   *http.Client
	sessionID string

	// lookup serves the unauthenticated endpoints with retries.
	lookup  *http.Client
	limiter *rate.Limiter

	termsMu sync.Mutex
	terms   map[string]string
}

var _ registration.Portal = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.SSOURL) == "" {
		return nil, errors.New("portal base_url and sso_url are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.AuthRetries <= 0 {
		cfg.AuthRetries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ProbeRetryWait <= 0 {
		cfg.ProbeRetryWait = 250 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = 2
	rc.RetryWaitMin = cfg.ProbeRetryWait
	rc.RetryWaitMax = 8 * cfg.ProbeRetryWait
	rc.Logger = leveledLogger{log}

	c := &Client{
		cfg:    cfg,
		links:  newLinks(cfg.BaseURL, cfg.SSOURL),
		log:    log,
		lookup: rc.StandardClient(),
	}
	if cfg.ProbeRatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ProbeRatePerSec), cfg.ProbeRatePerSec)
	}
	if err := c.resetSession(); err != nil {
		return nil, err
	}
	return c, nil
}

// resetSession drops all cookies and starts a new unique session id.
func (c *Client) resetSession() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Jar = jar
	hc.Timeout = c.cfg.Timeout
	// Redirects carry meaning here (login failures, authAjax); never follow.
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	c.mu.Lock()
	c.session = hc
	c.sessionID = newSessionID(time.Now())
	c.mu.Unlock()
	return nil
}

func (c *Client) renewSessionID() {
	c.mu.Lock()
	c.sessionID = newSessionID(time.Now())
	c.mu.Unlock()
}

// SessionID is the unique session id sent with term and batch requests.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// newSessionID builds the portal's 18 character session id: five lowercase
// letters (one position sometimes a digit) followed by unix milliseconds.
func newSessionID(now time.Time) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	b.Grow(18)
	digitAt := rand.IntN(5)
	withDigit := rand.IntN(2) == 0
	for i := range 5 {
		if i == digitAt && withDigit {
			b.WriteByte(byte('0' + rand.IntN(10)))
			continue
		}
		b.WriteByte(letters[rand.IntN(len(letters))])
	}
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	return b.String()
}

// StatusError is an HTTP answer outside 2xx/3xx.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

type reply struct {
	status int
	header http.Header
	body   []byte
}

func (r reply) location() string { return r.header.Get("Location") }

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends req with hc and classifies the status. Bad gateway and gateway
// timeout are marked Overloaded.
func (c *Client) do(hc *http.Client, req *http.Request) (reply, error) {
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return reply{}, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL.Path, err)
	}
	c.log.Trace("portal exchange",
		logx.String("method", req.Method), logx.String("path", req.URL.Path),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	r := reply{status: resp.StatusCode, header: resp.Header, body: body}
	if resp.StatusCode < 400 {
		return r, nil
	}
	serr := &StatusError{Method: req.Method, URL: req.URL.Path, Status: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return r, registration.Overloaded(serr)
	}
	return r, serr
}

func (c *Client) sessionClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) get(ctx context.Context, target string) (reply, error) {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return reply{}, err
	}
	return c.do(c.sessionClient(), req)
}

func (c *Client) head(ctx context.Context, target string) (reply, error) {
	req, err := c.newRequest(ctx, http.MethodHead, target, nil, "")
	if err != nil {
		return reply{}, err
	}
	return c.do(c.sessionClient(), req)
}

func (c *Client) postForm(ctx context.Context, target string, form url.Values) (reply, error) {
	req, err := c.newRequest(ctx, http.MethodPost, target, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return reply{}, err
	}
	return c.do(c.sessionClient(), req)
}

func (c *Client) postJSON(ctx context.Context, target string, v any) (reply, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return reply{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, target, bytes.NewReader(b), "application/json")
	if err != nil {
		return reply{}, err
	}
	return c.do(c.sessionClient(), req)
}

// UpstreamIsDown probes the term selection page without the session. The
// portal is down when it does not answer or answers 5xx with its internal
// error page.
func (c *Client) UpstreamIsDown(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, c.links.termSelectReg, nil, "")
	if err != nil {
		return true
	}
	hc := cleanhttp.DefaultClient()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		c.log.Debug("portal health probe failed", logx.Err(err))
		return true
	}
	defer resp.Body.Close()
	if resp.StatusCode < 500 {
		return false
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return bytes.Contains(bytes.ToLower(body), []byte("internal error"))
}

// leveledLogger feeds retryablehttp's logging into logx at debug level.
type leveledLogger struct{ log logx.Logger }

func (l leveledLogger) fields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Warn(msg, l.fields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Trace(msg, l.fields(kv)...) }
