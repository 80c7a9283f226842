package observability

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPPoolConfig bounds the shared upstream transport's connection pool.
type HTTPPoolConfig struct {
	MaxConnections    int
	MaxKeepalive      int
	KeepaliveExpiry   time.Duration
	ConnectTimeout    time.Duration
	UseHTTP2          bool
}

// NewUpstreamHTTPClient builds the single process-wide HTTP client used for
// all upstream calls. HTTP/2 is disabled by default: an upstream that treats
// a multiplexed connection as a single logical client would see every
// concurrent request collapse onto one TCP stream, defeating its own
// admission control.
func NewUpstreamHTTPClient(cfg HTTPPoolConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxKeepalive,
		IdleConnTimeout:     cfg.KeepaliveExpiry,
		ForceAttemptHTTP2:   cfg.UseHTTP2,
	}
	if !cfg.UseHTTP2 {
		// A non-nil, empty map suppresses the transport's automatic
		// upgrade to HTTP/2 via ALPN negotiation.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// NewHTTPClient returns an http.Client instrumented with otelhttp transport,
// wrapping an arbitrary base client. Used for non-upstream HTTP needs.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}

type headerInjectingTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range t.headers {
		if cloned.Header.Get(k) == "" {
			cloned.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(cloned)
}

// WithHeaders returns a shallow copy of base whose transport injects the
// given headers into every outgoing request, without overriding headers the
// caller already set explicitly.
func WithHeaders(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	clone := *base
	rt := clone.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	clone.Transport = headerInjectingTransport{base: rt, headers: headers}
	return &clone
}
