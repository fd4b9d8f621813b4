// Package httpsession is the HTTP primitive shared by the protocol clients:
// base URL, credentials, retries with exponential backoff, TLS options and
// cursor-following pagination.
package httpsession

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"quipucords/internal/logger"
	"quipucords/internal/metrics"
)

var (
	// ErrUnauthorized is returned for 401 and 403 responses
	ErrUnauthorized = errors.New("authentication failed")

	// ErrUnreachable is returned when the remote could not be contacted after all retries
	ErrUnreachable = errors.New("host unreachable")
)

// DefaultRetryStatusCodes are retried when the caller does not configure a list
var DefaultRetryStatusCodes = []int{429, 500, 502, 503}

// StatusError is a non-success HTTP response that survived the retry policy
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401/403 responses
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Auth is merged into every request. Token wins over Username/Password.
type Auth struct {
	Username string
	Password string
	Token    string
}

// Options configures a Session
type Options struct {
	Host       string
	Port       int
	DisableSSL bool
	// Verify enables certificate verification
	Verify      bool
	SSLProtocol string
	ProxyURL    string

	Auth Auth

	MaxRetries       int
	BackoffFactor    float64
	RetryStatusCodes []int
	ConnectTimeout   time.Duration
	Timeout          time.Duration

	// ClientName labels metrics and logs
	ClientName string
}

// Session is safe for concurrent use
type Session struct {
	opts   Options
	base   *url.URL
	client *http.Client

	mu      sync.RWMutex
	headers http.Header

	// sleep waits between retries; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// BaseURL builds the scheme://host:port prefix of a source
func BaseURL(host string, port int, disableSSL bool) string {
	scheme := "https"
	if disableSSL {
		scheme = "http"
	}
	if port > 0 {
		return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// New creates a session for one remote endpoint
func New(opts Options) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	base, err := url.Parse(BaseURL(opts.Host, opts.Port, opts.DisableSSL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if opts.RetryStatusCodes == nil {
		opts.RetryStatusCodes = DefaultRetryStatusCodes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "http"
	}

	tlsConfig, err := TLSConfig(opts.Verify, opts.SSLProtocol)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 16,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Session{
		opts: opts,
		base: base,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		headers: http.Header{},
		sleep:   sleepContext,
	}, nil
}

// TLSConfig maps the source SSL options onto a tls.Config
func TLSConfig(verify bool, protocol string) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !verify} //nolint:gosec // verification is a per-source option
	switch protocol {
	case "", "SSLv23":
	case "TLSv1":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS10, tls.VersionTLS10
	case "TLSv1_1":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS11, tls.VersionTLS11
	case "TLSv1_2":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
	case "TLSv1_3":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS13, tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported ssl protocol %q", protocol)
	}
	return cfg, nil
}

// SetHeader adds a header sent with every subsequent request
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers.Set(key, value)
}

// URL resolves a path (with optional query) against the base URL.
// Absolute URLs are returned unchanged.
func (s *Session) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body as JSON
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Get issues a GET and decodes the JSON body into out when out is non-nil
func (s *Session) Get(ctx context.Context, path string, out any) error {
	resp, err := s.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Post sends body as JSON; POST is never retried
func (s *Session) Post(ctx context.Context, path string, body, out any) (*Response, error) {
	resp, err := s.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Do performs one logical request, retrying idempotent methods on transport
// errors and on the configured status codes
func (s *Session) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	target := s.URL(path)

	attempts := 1
	if idempotent(method) {
		attempts += max(s.opts.MaxRetries, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.ProtocolRetriesTotal.WithLabelValues(s.opts.ClientName).Inc()
			delay := s.backoff(attempt - 1)
			logger.Logger.Debug().
				Str("client", s.opts.ClientName).
				Str("url", target).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying request")
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := s.once(ctx, method, target, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ProtocolRequestsTotal.WithLabelValues(s.opts.ClientName, "error").Inc()
			lastErr = fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, target, err)
			continue
		}

		metrics.ProtocolRequestsTotal.WithLabelValues(s.opts.ClientName, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 512)}
		if !slices.Contains(s.opts.RetryStatusCodes, resp.StatusCode) {
			return nil, statusErr
		}
		// a retryable status that outlasts every retry counts as unreachable
		lastErr = fmt.Errorf("%w: %w", ErrUnreachable, statusErr)
	}
	return nil, lastErr
}

func (s *Session) once(ctx context.Context, method, target string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.mu.RLock()
	for k, v := range s.headers {
		req.Header[k] = v
	}
	s.mu.RUnlock()

	switch {
	case s.opts.Auth.Token != "":
		req.Header.Set("Authorization", "Bearer "+s.opts.Auth.Token)
	case s.opts.Auth.Username != "":
		req.SetBasicAuth(s.opts.Auth.Username, s.opts.Auth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// backoff returns factor * 2^(n-1) seconds for the n-th retry
func (s *Session) backoff(n int) time.Duration {
	seconds := s.opts.BackoffFactor * math.Pow(2, float64(n-1))
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
