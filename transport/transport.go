// Package transport posts OFX documents to DirectConnect servers
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/johnstarich/dcsync/consts"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/johnstarich/go/regext"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/time/rate"
)

// ContentType is sent as both Content-Type and Accept
const ContentType = "application/x-ofx"

// Defaults for a zero Config
const (
	DefaultMaxRetries = 2
	DefaultTimeout    = 60 * time.Second
	DefaultBackoff    = 500 * time.Millisecond
	// DefaultMaxResponseBytes bounds a response body. Larger bodies fail instead of being cut off.
	DefaultMaxResponseBytes = 32 << 20

	limiterTTL = time.Hour
)

var maskedElements = regext.MustCompile(`(?i)(<(?:USERPASS|ACCESSKEY|USERKEY|AUTHTOKEN|MFAPHRASEA)>)([^<\r\n]*)`)

// Config tunes a Client
type Config struct {
	// MaxRetries is the number of resends after transient failures. Zero uses DefaultMaxRetries, negative disables retries.
	MaxRetries int
	// Backoff is the base delay before the first retry, doubled for each one after
	Backoff time.Duration
	// Timeout bounds each attempt when a Request has none
	Timeout time.Duration
	// TLS may add root CAs or client certificates. Certificate verification cannot be disabled.
	TLS       *tls.Config
	UserAgent string
	Logger    *zap.Logger
	// MaxResponseBytes rejects larger response bodies. Zero uses DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = consts.DefaultUserAgent
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Request is one document to send
type Request struct {
	URL  string
	Body []byte
	// Timeout bounds each attempt, defaulting to Config.Timeout
	Timeout time.Duration
	// Delay is the minimum spacing between requests to URL
	Delay time.Duration
	// SessionCookies keeps cookies between attempts and resends once when the reply is not an OFX document
	SessionCookies bool
	// UserAgent overrides Config.UserAgent. "none" sends no User-Agent header.
	UserAgent string
}

// Client sends requests over HTTPS with retries and per-URL rate limiting
type Client struct {
	config    Config
	transport http.RoundTripper

	limitersMu sync.Mutex
	limiters   *cache.Cache

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Client. A TLS config that skips certificate verification is refused.
func New(config Config) (*Client, error) {
	config = config.withDefaults()
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.TLS != nil {
		if config.TLS.InsecureSkipVerify {
			return nil, errors.New("Refusing to skip TLS certificate verification")
		}
		tlsConfig = config.TLS.Clone()
		if tlsConfig.MinVersion == 0 {
			tlsConfig.MinVersion = tls.VersionTLS12
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &Client{
		config:    config,
		transport: transport,
		limiters:  cache.New(limiterTTL, 2*limiterTTL),
		sleep:     sleepContext,
	}, nil
}

// Send posts req.Body and returns the response body.
// Transient failures are retried up to MaxRetries times. Once an OFX document arrives it is never resent.
func (c *Client) Send(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid institution URL")
	}
	if u.Scheme != "https" {
		return nil, errors.Errorf("Institution URL must use HTTPS: %q", req.URL)
	}

	httpClient := &http.Client{Transport: c.transport}
	if req.SessionCookies {
		httpClient.Jar, err = cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
	}
	limiter := c.limiter(req.URL, req.Delay)
	logger := c.config.Logger.With(zap.String("url", req.URL))
	if ce := logger.Check(zap.DebugLevel, "Sending request"); ce != nil {
		ce.Write(zap.String("body", Mask(req.Body)))
	}

	resent := false
	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, classify(ctx, err)
			}
		}
		body, err := c.post(ctx, httpClient, req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.config.MaxRetries && isTransient(err) {
				delay := c.backoff(attempt)
				logger.Warn("Retrying after transient failure", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
				if err := c.sleep(ctx, delay); err != nil {
					return nil, classify(ctx, err)
				}
				continue
			}
			return nil, err
		}

		if ce := logger.Check(zap.DebugLevel, "Received response"); ce != nil {
			ce.Write(zap.String("body", Mask(body)))
		}
		if ofx.Sniff(body) || !req.SessionCookies || resent {
			return body, nil
		}
		// session cookie servers answer the first request with a cookie and no document
		resent = true
		logger.Info("Response is not OFX, resending with session cookies")
	}
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, req Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpReq.Header.Set("Accept", ContentType)
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.config.UserAgent
	}
	if strings.EqualFold(userAgent, "none") {
		httpReq.Header["User-Agent"] = nil
	} else {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(attemptCtx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes+1))
	if err != nil {
		return nil, classify(attemptCtx, err)
	}
	if int64(len(body)) > c.config.MaxResponseBytes {
		// a cut off statement still parses as tag soup, so it must not be returned
		return nil, sErrors.Newf(sErrors.MalformedDocument, "Response is larger than %d bytes", c.config.MaxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, sErrors.WithCode(sErrors.HTTPStatusError, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return body, nil
}

// limiter returns the shared limiter for rawURL, or nil if requests need no spacing
func (c *Client) limiter(rawURL string, delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return nil
	}
	key := strings.TrimRight(rawURL, "/")
	limit := rate.Every(delay)

	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	if cached, ok := c.limiters.Get(key); ok {
		limiter := cached.(*rate.Limiter)
		if limiter.Limit() != limit {
			limiter.SetLimit(limit)
		}
		c.limiters.SetDefault(key, limiter)
		return limiter
	}
	limiter := rate.NewLimiter(limit, 1)
	c.limiters.SetDefault(key, limiter)
	return limiter
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.config.Backoff << uint(attempt)
	return base + time.Duration(rand.Int63n(int64(c.config.Backoff)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return sErrors.Wrap(sErrors.Timeout, err, "Request timed out")
	case ctx.Err() == context.Canceled:
		return sErrors.Wrap(sErrors.NetworkError, err, "Request canceled")
	default:
		return sErrors.Wrap(sErrors.NetworkError, err, "Request failed")
	}
}

// isTransient returns true for failures worth retrying: resets, refusals, early EOFs and timeouts
func isTransient(err error) bool {
	switch sErrors.KindOf(err) {
	case sErrors.Timeout:
		return true
	case sErrors.NetworkError:
	default:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// Mask hides credentials in a request or response body, for logging
func Mask(body []byte) string {
	return maskedElements.ReplaceAllString(string(body), "${1}***")
}
