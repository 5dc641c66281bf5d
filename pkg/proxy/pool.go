package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/ipinfo"
	"ndt-reporter/pkg/models"
)

// ErrNoUsableProxy is returned by Acquire when every attempt failed its liveness check
var ErrNoUsableProxy = errors.New("no usable proxy")

// Builder turns descriptors into egress handles. *fetch.Factory implements it.
type Builder interface {
	Build(d *models.ProxyDescriptor) (*fetch.Handle, error)
	Direct() *fetch.Handle
}

// ProbeObserver is notified of every liveness probe outcome
type ProbeObserver func(d models.ProxyDescriptor, alive bool)

// Config represents the settings of a proxy pool
type Config struct {
	Enabled  bool
	CheckURL string
	Timeout  time.Duration
}

// Pool hands out proxies round-robin. The cursor advances on every Next call,
// whether or not the returned proxy turns out to be live.
type Pool struct {
	mu      sync.Mutex
	proxies []models.ProxyDescriptor
	cursor  int

	config   Config
	builder  Builder
	logger   *slog.Logger
	observer ProbeObserver

	check func(ctx context.Context, h *fetch.Handle) error
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPool(proxies []models.ProxyDescriptor, config Config, builder Builder, logger *slog.Logger) *Pool {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	p := &Pool{
		proxies: append([]models.ProxyDescriptor(nil), proxies...),
		config:  config,
		builder: builder,
		logger:  logger,
		sleep:   sleepContext,
	}
	p.check = func(ctx context.Context, h *fetch.Handle) error {
		info, err := ipinfo.GetIPInfo(ctx, h, p.config.CheckURL)
		if err != nil {
			return err
		}
		asn, org := info.ASN()
		p.logger.Debug("proxy egress address", "ip", info.IP, "asn", asn, "org", org)
		return nil
	}
	return p
}

// OnProbe registers fn to be called after every liveness probe
func (p *Pool) OnProbe(fn ProbeObserver) {
	p.observer = fn
}

// Len returns the number of proxies in the pool
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Enabled reports whether Acquire will route through proxies
func (p *Pool) Enabled() bool {
	return p.config.Enabled && p.Len() > 0
}

// Descriptors returns a copy of the pool contents
func (p *Pool) Descriptors() []models.ProxyDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ProxyDescriptor(nil), p.proxies...)
}

// Next returns the proxy at the cursor and advances it, wrapping at the end
func (p *Pool) Next() (models.ProxyDescriptor, bool) {
	d, _, ok := p.advance()
	return d, ok
}

func (p *Pool) advance() (models.ProxyDescriptor, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return models.ProxyDescriptor{}, 0, false
	}
	d := p.proxies[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.proxies)
	return d, p.cursor, true
}

// VerifyLive reports whether a request through d to the check URL succeeds within timeout
func (p *Pool) VerifyLive(ctx context.Context, d models.ProxyDescriptor, timeout time.Duration) bool {
	h, err := p.builder.Build(&d)
	if err != nil {
		p.logger.Debug("failed to build proxy transport", "proxy", d.String(), "error", err)
		p.notify(d, false)
		return false
	}
	defer h.CloseIdleConnections()

	return p.probe(ctx, d, h, timeout)
}

func (p *Pool) probe(ctx context.Context, d models.ProxyDescriptor, h *fetch.Handle, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.check(ctx, h)
	if err != nil {
		p.logger.Debug("proxy liveness check failed", "proxy", d.String(), "error", err)
	}
	p.notify(d, err == nil)
	return err == nil
}

func (p *Pool) notify(d models.ProxyDescriptor, alive bool) {
	if p.observer != nil {
		p.observer(d, alive)
	}
}

// Acquire returns a handle through the first live proxy, trying at most
// maxRetries full sweeps of the pool. With proxying disabled or an empty pool
// it returns a direct handle without touching the network.
func (p *Pool) Acquire(ctx context.Context, maxRetries int) (*fetch.Handle, error) {
	if !p.Enabled() {
		return p.builder.Direct(), nil
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	p.mu.Lock()
	start := p.cursor
	size := len(p.proxies)
	p.mu.Unlock()

	attempts := maxRetries * size
	round := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		d, cursor, _ := p.advance()

		h, err := p.builder.Build(&d)
		if err != nil {
			p.logger.Debug("failed to build proxy transport", "proxy", d.String(), "error", err)
			p.notify(d, false)
		} else if p.probe(ctx, d, h, p.config.Timeout) {
			p.logger.Info("using proxy", "kind", d.Kind, "proxy", d.String(), "attempt", attempt)
			return h, nil
		} else {
			h.CloseIdleConnections()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// back off only once a full sweep has brought the cursor back to where we began
		if cursor == start && attempt < attempts {
			round++
			delay := time.Duration(round) * time.Second
			p.logger.Debug("proxy sweep exhausted, backing off", "round", round, "delay", delay)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: %d attempts over %d proxies", ErrNoUsableProxy, attempts, size)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
