package models

import (
	"fmt"
	"net/url"
	"strings"
)

// ProxyKind represents the egress protocol of a proxy
type ProxyKind string

const (
	ProxyHTTP   ProxyKind = "http"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxySOCKS5 ProxyKind = "socks5"
)

// ProxyDescriptor is a single parsed proxy entry. It is never mutated after parsing.
type ProxyDescriptor struct {
	Kind ProxyKind
	URL  *url.URL
}

// ParseProxyDescriptor classifies a proxy line by its scheme prefix. Entries
// without a scheme are treated as plain http proxies. TLS-to-proxy (https://)
// is rejected: the websocket dialer can only reach plain http proxies.
func ParseProxyDescriptor(line string) (ProxyDescriptor, error) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return ProxyDescriptor{}, fmt.Errorf("empty proxy entry")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ProxyDescriptor{}, fmt.Errorf("invalid proxy entry %q: %w", line, err)
	}
	if u.Host == "" {
		return ProxyDescriptor{}, fmt.Errorf("proxy entry %q has no host", line)
	}

	var kind ProxyKind
	switch strings.ToLower(u.Scheme) {
	case "http":
		kind = ProxyHTTP
	case "socks4", "socks4a":
		kind = ProxySOCKS4
	case "socks5", "socks5h":
		kind = ProxySOCKS5
	default:
		return ProxyDescriptor{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return ProxyDescriptor{Kind: kind, URL: u}, nil
}

// String returns the proxy URL without credentials, safe for logging
func (d ProxyDescriptor) String() string {
	if d.URL == nil {
		return "direct"
	}
	return d.URL.Scheme + "://" + d.URL.Host
}
