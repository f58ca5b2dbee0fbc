// Package httpkit builds the HTTP clients used for every outbound call
// Gestella makes (OpenAI, Telegram file downloads, Google). Clients share
// one transport shape: bounded dial and TLS timeouts, a small idle pool,
// a User-Agent, and optional retry on dial-level failures.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/khairulanwarjo/gestella/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 60 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by [NewClient].
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout     time.Duration
	userAgent   string
	bearerToken string
	transport   http.RoundTripper
	retryCount  int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithBearerToken adds "Authorization: Bearer <token>" to requests that
// do not already carry an Authorization header.
func WithBearerToken(token string) ClientOption {
	return func(c *clientConfig) { c.bearerToken = token }
}

// WithTransport replaces the default transport. Tests use this to route
// requests to an in-process fake.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.transport = rt }
}

// WithRetry retries requests that fail before reaching the server
// (host unreachable, network unreachable, connection refused). Requests
// with a body are retried only when the body can be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns an [http.Transport] with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an [http.Client]. The default timeout is 30 seconds.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	rt := cfg.transport
	if rt == nil {
		rt = NewTransport()
	}

	rt = &headerTransport{base: rt, userAgent: cfg.userAgent, bearer: cfg.bearerToken}

	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// headerTransport fills in User-Agent and Authorization when the caller
// has not set them.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	bearer    string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needUA := t.userAgent != "" && req.Header.Get("User-Agent") == ""
	needAuth := t.bearer != "" && req.Header.Get("Authorization") == ""
	if needUA || needAuth {
		req = req.Clone(req.Context())
		if needUA {
			req.Header.Set("User-Agent", t.userAgent)
		}
		if needAuth {
			req.Header.Set("Authorization", "Bearer "+t.bearer)
		}
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries dial-level failures.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isRetryableError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after dial failure",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", attempt,
				"max_retries", t.count,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}

		resp, err = t.base.RoundTrip(retryReq)
		if err == nil || !isRetryableError(err) {
			return resp, err
		}
	}
	return resp, err
}

// isRetryableError reports whether err happened before any bytes reached
// the server. ECONNRESET is excluded because the request may already
// have been processed.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response for use in
// an error message, then drains and closes the body.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// ErrTooLarge is returned by [Download] when the body exceeds maxBytes.
var ErrTooLarge = errors.New("response body too large")

// Download GETs url and copies the body into w, refusing bodies larger
// than maxBytes. It returns the number of bytes written.
func Download(ctx context.Context, client *http.Client, url string, w io.Writer, maxBytes int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: status %d: %s", resp.StatusCode, ReadErrorBody(resp.Body, 512))
	}
	if resp.ContentLength > maxBytes {
		return 0, ErrTooLarge
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return n, fmt.Errorf("download: %w", err)
	}
	if n > maxBytes {
		return n, ErrTooLarge
	}
	return n, nil
}
