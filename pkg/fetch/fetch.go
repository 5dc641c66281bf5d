// Package fetch builds the outbound connection handles every network call goes
// through, either direct or tunneled through an http, socks4 or socks5 proxy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/gorilla/websocket"
	"h12.io/socks"

	"ndt-reporter/pkg/models"
)

// ErrUnsupportedProxy is returned when a descriptor cannot be turned into a transport
var ErrUnsupportedProxy = errors.New("unsupported proxy")

// Options contains the settings shared by every handle a Factory builds
type Options struct {
	// Overall HTTP client timeout (default: 30s)
	Timeout time.Duration
	// Timeout for establishing the connection to the proxy (default: 10s)
	DialTimeout time.Duration
	// Ceiling for concurrent and idle connections per handle (default: 256)
	MaxConns int
	// Headers added to every request
	Header http.Header
}

// Factory builds Handles from proxy descriptors
type Factory struct {
	opts Options
}

func NewFactory(opts Options) *Factory {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 256
	}
	if opts.Header == nil {
		opts.Header = http.Header{}
	}
	return &Factory{opts: opts}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Build returns a handle egressing through d. A nil descriptor yields a direct handle.
func (f *Factory) Build(d *models.ProxyDescriptor) (*Handle, error) {
	if d == nil {
		return f.Direct(), nil
	}
	if d.URL == nil {
		return nil, fmt.Errorf("%w: descriptor has no URL", ErrUnsupportedProxy)
	}

	netDialer := &net.Dialer{Timeout: f.opts.DialTimeout, KeepAlive: 30 * time.Second}

	switch d.Kind {
	case models.ProxyHTTP:
		if !strings.EqualFold(d.URL.Scheme, "http") {
			return nil, fmt.Errorf("%w: http proxy with scheme %q", ErrUnsupportedProxy, d.URL.Scheme)
		}
		h := f.newHandle(d, netDialer.DialContext)
		h.transport.Proxy = http.ProxyURL(d.URL)
		h.Dialer.Proxy = http.ProxyURL(d.URL)
		return h, nil

	case models.ProxySOCKS5:
		dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(SOCKS5Config(d))
		if err != nil {
			return nil, fmt.Errorf("%w: could not create socks5 dialer: %v", ErrUnsupportedProxy, err)
		}
		return f.newHandle(d, f.streamDial(dialer)), nil

	case models.ProxySOCKS4:
		uri := fmt.Sprintf("%s://%s?timeout=%s", strings.ToLower(d.URL.Scheme), d.URL.Host, f.opts.DialTimeout)
		if d.URL.User != nil {
			uri = fmt.Sprintf("%s://%s@%s?timeout=%s", strings.ToLower(d.URL.Scheme), d.URL.User.Username(), d.URL.Host, f.opts.DialTimeout)
		}
		dial := socks.Dial(uri)
		return f.newHandle(d, func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			return dial(network, addr)
		}), nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrUnsupportedProxy, d.Kind)
	}
}

// SOCKS5Config renders d as a configurl transport config. configurl only
// understands the plain socks5 scheme.
func SOCKS5Config(d *models.ProxyDescriptor) string {
	if d.URL.User != nil {
		return "socks5://" + d.URL.User.String() + "@" + d.URL.Host
	}
	return "socks5://" + d.URL.Host
}

// Direct returns a handle without any proxy
func (f *Factory) Direct() *Handle {
	netDialer := &net.Dialer{Timeout: f.opts.DialTimeout, KeepAlive: 30 * time.Second}
	return f.newHandle(nil, netDialer.DialContext)
}

func (f *Factory) streamDial(dialer transport.StreamDialer) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		ctx, cancel := context.WithTimeout(ctx, f.opts.DialTimeout)
		defer cancel()
		return dialer.DialStream(ctx, addr)
	}
}

func (f *Factory) newHandle(d *models.ProxyDescriptor, dial dialFunc) *Handle {
	tr := &http.Transport{
		DialContext:           dial,
		MaxConnsPerHost:       f.opts.MaxConns,
		MaxIdleConns:          f.opts.MaxConns,
		MaxIdleConnsPerHost:   f.opts.MaxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   f.opts.DialTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Handle{
		Proxy: d,
		Client: &http.Client{
			Transport: tr,
			Timeout:   f.opts.Timeout,
		},
		Dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: f.opts.Timeout,
		},
		transport: tr,
		header:    f.opts.Header,
	}
}

// Handle is one egress path: an HTTP client and a websocket dialer that share
// the same proxy settings.
type Handle struct {
	// Proxy is nil for direct egress
	Proxy  *models.ProxyDescriptor
	Client *http.Client
	Dialer *websocket.Dialer

	transport *http.Transport
	header    http.Header
}

// Kind names the egress for logging
func (h *Handle) Kind() string {
	if h.Proxy == nil {
		return "direct"
	}
	return string(h.Proxy.Kind)
}

// Header returns a copy of the browser-like header set
func (h *Handle) Header() http.Header {
	return h.header.Clone()
}

// NewRequest creates a request carrying the handle's header set
func (h *Handle) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range h.header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return req, nil
}

// Do sends req and reads the whole body
func (h *Handle) Do(req *http.Request) (*Result, error) {
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     body,
	}, nil
}

// CloseIdleConnections releases pooled connections held by the handle
func (h *Handle) CloseIdleConnections() {
	h.Client.CloseIdleConnections()
}

// Result contains the response from a request sent through a Handle
type Result struct {
	// HTTP response, body already consumed
	Response *http.Response
	// Response body as bytes
	Body []byte
}

// OK reports whether the status code is 2xx
func (r *Result) OK() bool {
	return r.Response.StatusCode >= 200 && r.Response.StatusCode < 300
}
