package httpx

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	netproxy "golang.org/x/net/proxy"
)

func applyProxy(transport *http.Transport, raw string) error {
	if strings.HasPrefix(strings.ToLower(raw), "socks5://") {
		u, err := url.Parse(raw)
		if err != nil || strings.TrimSpace(u.Host) == "" {
			return fmt.Errorf("invalid socks5 proxy %q", raw)
		}
		var auth *netproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &netproxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := netproxy.SOCKS5("tcp", u.Host, auth, netproxy.Direct)
		if err != nil {
			return err
		}
		cd, ok := dialer.(netproxy.ContextDialer)
		if !ok {
			return fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
		return nil
	}

	fn, err := ProxyFuncFromString(raw)
	if err != nil {
		return err
	}
	transport.Proxy = fn
	return nil
}

func ProxyFuncFromString(raw string) (func(*http.Request) (*url.URL, error), error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	switch strings.ToLower(raw) {
	case "0", "false", "off", "no", "none", "direct":
		return nil, nil
	case "env":
		return http.ProxyFromEnvironment, nil
	default:
		u, err := ParseProxyURL(raw)
		if err != nil {
			return nil, err
		}
		return http.ProxyURL(u), nil
	}
}

func ParseProxyURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty proxy url")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q (only http/https)", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}
