package modality

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// ClientOptions controls the shared HTTP client used by all adapters.
type ClientOptions struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	Transport           http.RoundTripper
}

// ClientOption mutates ClientOptions.
type ClientOption func(*ClientOptions)

// WithTransport provides a custom transport overriding defaults.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *ClientOptions) { o.Transport = rt }
}

// DefaultClientOptions 四个诊法服务共用一个连接池。
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewHTTPClient builds the client. Timeouts are applied per attempt through
// the request context, so the client itself has none.
func NewHTTPClient(opts ...ClientOption) *http.Client {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}

	transport := options.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        options.MaxIdleConns,
			MaxIdleConnsPerHost: options.MaxIdleConnsPerHost,
			MaxConnsPerHost:     options.MaxConnsPerHost,
			IdleConnTimeout:     options.IdleConnTimeout,
			TLSHandshakeTimeout: options.TLSHandshakeTimeout,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	return &http.Client{Transport: transport}
}
