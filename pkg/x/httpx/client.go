package httpx

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

type ClientOptions struct {
	Timeout time.Duration

	// Proxy follows the JRYS_HTTP_PROXY semantics:
	// - "" / "direct": no proxy (even if HTTP_PROXY / HTTPS_PROXY is set)
	// - "env": ProxyFromEnvironment
	// - URL / host:port: fixed HTTP proxy
	// - socks5://host:port: SOCKS5 dialer
	Proxy string

	// MaxConns caps in-flight requests across every host served by this client.
	// A request holds its slot until the response body is closed.
	MaxConns int

	// UserAgent is set on requests that don't carry one.
	UserAgent string

	// Transport allows providing a pre-configured transport.
	// When nil, it clones http.DefaultTransport.
	Transport *http.Transport
}

func NewClient(opts ClientOptions) (*http.Client, error) {
	var transport *http.Transport
	if opts.Transport != nil {
		transport = opts.Transport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = nil

	if err := applyProxy(transport, strings.TrimSpace(opts.Proxy)); err != nil {
		return nil, err
	}

	var rt http.RoundTripper = transport
	if opts.MaxConns > 0 {
		transport.MaxConnsPerHost = opts.MaxConns
		transport.MaxIdleConnsPerHost = opts.MaxConns
		rt = &limitedRoundTripper{next: rt, sem: semaphore.NewWeighted(int64(opts.MaxConns))}
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		rt = &userAgentRoundTripper{next: rt, ua: ua}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}, nil
}

type userAgentRoundTripper struct {
	next http.RoundTripper
	ua   string
}

func (t *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(r)
}

func (t *userAgentRoundTripper) CloseIdleConnections() {
	closeIdle(t.next)
}

func closeIdle(rt http.RoundTripper) {
	if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
