package httpsession

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"quipucords/internal/config"
	"quipucords/internal/models"
)

// Policy is the retry and timeout policy applied to every protocol client
type Policy struct {
	MaxRetries       int
	BackoffFactor    float64
	RetryStatusCodes []int
	ConnectTimeout   time.Duration
	Timeout          time.Duration
}

// PolicyFromConfig extracts the HTTP policy from the process configuration
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxRetries:       cfg.HTTPMaxRetries,
		BackoffFactor:    cfg.HTTPBackoffFactor,
		RetryStatusCodes: cfg.HTTPRetryStatusCodes,
		ConnectTimeout:   cfg.HTTPConnectTimeout,
		Timeout:          cfg.HTTPRequestTimeout,
	}
}

// ForSource builds session options for host of src
func (p Policy) ForSource(src *models.Source, host string, auth Auth, client string) Options {
	return Options{
		Host:             host,
		Port:             src.EffectivePort(),
		DisableSSL:       src.SSL.DisableSSL,
		Verify:           src.SSL.Verify(),
		SSLProtocol:      src.SSL.SSLProtocol,
		ProxyURL:         src.ProxyURL,
		Auth:             auth,
		MaxRetries:       p.MaxRetries,
		BackoffFactor:    p.BackoffFactor,
		RetryStatusCodes: p.RetryStatusCodes,
		ConnectTimeout:   p.ConnectTimeout,
		Timeout:          p.Timeout,
		ClientName:       client,
	}
}

// OptionsFromURL builds options addressing the scheme, host and port of rawURL
func OptionsFromURL(rawURL string) (Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Options{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Hostname() == "" {
		return Options{}, fmt.Errorf("url %q has no host", rawURL)
	}
	opts := Options{Host: u.Hostname(), DisableSSL: u.Scheme == "http"}
	if p := u.Port(); p != "" {
		if opts.Port, err = strconv.Atoi(p); err != nil {
			return Options{}, fmt.Errorf("invalid port %q", p)
		}
	}
	return opts, nil
}
