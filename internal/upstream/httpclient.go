// Package upstream sends unified requests to provider endpoints.
package upstream

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream headers. Streaming
	// bodies are not bounded; the inbound request context cancels them.
	ResponseHeaderTimeout time.Duration
}

// DefaultClientConfig returns pooled-connection defaults. The header timeout
// follows the configured apiTimeout.
func DefaultClientConfig(apiTimeout time.Duration) ClientConfig {
	if apiTimeout <= 0 {
		apiTimeout = 120 * time.Second
	}

	return ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: apiTimeout,
	}
}

// NewHTTPClient creates an HTTP client with the provided configuration.
// Compression is negotiated explicitly so the transport never decodes
// bodies on its own.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	return &http.Client{Transport: transport}
}
