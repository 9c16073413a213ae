// Package httpclient builds the HTTP clients used for workflow fetch
// traffic. A client composes up to three transport layers over a pooled TLS
// transport:
//
//   - an SSRF guard that rejects private and link-local destinations before
//     any connection is attempted
//   - a logging layer that injects the User-Agent and logs each request with
//     sensitive query parameters redacted
//   - a retry layer with exponential backoff, jitter, and Retry-After support
//
// The guard sits outermost so a blocked request never reaches the retry
// layer: a rejected URL is rejected exactly once.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// New creates an HTTP client from the configuration.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var transport http.RoundTripper = newLoggingTransport(base, cfg.UserAgent)
	if cfg.RetryAttempts > 0 {
		transport = newRetryTransport(transport, cfg)
	}
	if cfg.GuardPrivateAddresses {
		transport = newGuardTransport(transport)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}
