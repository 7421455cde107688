package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/syncqueue/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/metrics"
)

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second

	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL      string        `mapstructure:"base_url" validate:"required,url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is the outbound request rate per second; zero disables it.
	RateLimit    float64       `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst    int           `mapstructure:"rate_burst" validate:"min=0"`
	ReadCacheTTL time.Duration `mapstructure:"read_cache_ttl"`
}

// Client talks to the backend. Every call carries a timeout and comes back
// normalised: a decoded value or an *errors.AppError. The quota breaker
// guards the records API (SubmitLogEntry, Get) only; auth calls and Ping
// bypass it.
type Client struct {
	baseURL      *url.URL
	http         *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	breaker      *circuitbreaker.CircuitBreaker
	limiter      *rate.Limiter
	cache        *cache.Cache
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

type Option func(*Client)

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithHTTPClient replaces the transport. A client without a cookie jar gets
// a fresh one so the session cookie survives between calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) { c.http.Jar = jar }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewCookieJar returns a jar scoped by the public suffix list.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}

	c := &Client{
		baseURL:      base,
		http:         &http.Client{},
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.Nop(),
	}
	if c.readTimeout <= 0 {
		c.readTimeout = DefaultReadTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.ReadCacheTTL > 0 {
		c.cache = cache.New(cfg.ReadCacheTTL, 2*cfg.ReadCacheTTL)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.http.Jar == nil {
		jar, err := NewCookieJar()
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: base.Host})
	}
	return c, nil
}

// BreakerStatus exposes the records API breaker for status displays.
func (c *Client) BreakerStatus() circuitbreaker.Status {
	return c.breaker.GetStatus()
}

type request struct {
	method   string
	path     string
	token    string
	body     interface{}
	headers  map[string]string
	endpoint string
	// unguarded requests skip the breaker and the rate limiter
	unguarded bool
	// auth requests belong to the auth API and never touch the records
	// breaker; they still honour the rate limiter
	auth bool
}

func (r request) breakerGuarded() bool {
	return !r.unguarded && !r.auth
}

func (c *Client) timeoutFor(method string) time.Duration {
	switch method {
	case http.MethodGet, http.MethodHead:
		return c.readTimeout
	default:
		return c.writeTimeout
	}
}

// do performs req and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	data, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrServer, "malformed response body", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req request) (json.RawMessage, error) {
	if req.breakerGuarded() && !c.breaker.ShouldAttemptCall() {
		st := c.breaker.GetStatus()
		c.observe(req.endpoint, string(apperrors.ErrCircuitOpen), 0)
		return nil, apperrors.CircuitOpen(st.Name, st.TimeUntilReset)
	}
	if !req.unguarded && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Network(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(req.method))
	defer cancel()

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		appErr := apperrors.Network(err)
		c.observe(req.endpoint, string(appErr.Code), time.Since(start))
		return nil, appErr
	}
	defer resp.Body.Close()

	data, appErr := decode(resp)
	code := "OK"
	if appErr != nil {
		code = string(appErr.Code)
	}
	c.observe(req.endpoint, code, time.Since(start))

	if req.breakerGuarded() {
		c.account(appErr)
	}
	if appErr != nil {
		return nil, appErr
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, req request) (*http.Request, error) {
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target := c.baseURL.JoinPath(req.path)
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// decode normalises a response into the envelope's data or an AppError.
// Bodies that are not envelopes fall back to the status code.
func decode(resp *http.Response) (json.RawMessage, *apperrors.AppError) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Network(err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	var env httputil.Envelope
	isEnvelope := json.Unmarshal(raw, &env) == nil && (env.Success || env.Error != nil)

	switch {
	case ok && isEnvelope && env.Success:
		return env.Data, nil
	case ok && !isEnvelope:
		return raw, nil
	case isEnvelope && env.Error != nil:
		appErr := env.Error
		appErr.Status = resp.StatusCode
		if appErr.RetryAfter == 0 {
			fallback := httputil.ErrorFromStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
			appErr.RetryAfter = fallback.RetryAfter
		}
		return nil, appErr
	default:
		return nil, httputil.ErrorFromStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	}
}

// account feeds the outcome of a guarded call to the breaker.
func (c *Client) account(appErr *apperrors.AppError) {
	if appErr == nil {
		c.breaker.RecordSuccess()
		c.breakerGauge()
		return
	}
	if c.breaker.RecordFailure(appErr) {
		st := c.breaker.GetStatus()
		c.logger.Warn("circuit breaker opened",
			"breaker", st.Name,
			"failure_count", st.FailureCount,
			"reset_in", st.TimeUntilReset.String())
		if c.metrics != nil {
			c.metrics.BreakerTrips.WithLabelValues(st.Name).Inc()
		}
	}
	c.breakerGauge()
}

func (c *Client) breakerGauge() {
	if c.metrics == nil {
		return
	}
	st := c.breaker.GetStatus()
	v := 0.0
	if st.IsOpen {
		v = 1
	}
	c.metrics.BreakerOpen.WithLabelValues(st.Name).Set(v)
}

func (c *Client) observe(endpoint, code string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.APIRequests.WithLabelValues(endpoint, code).Inc()
	if elapsed > 0 {
		c.metrics.APILatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
}
