package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/netip"

	"ndt-reporter/pkg/models"
)

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ExpandHosts replaces every proxy addressed by hostname with one entry per
// resolved address, so each address is rotated and probed on its own. IP
// literals pass through unchanged, as do names that fail to resolve.
func ExpandHosts(ctx context.Context, proxies []models.ProxyDescriptor, r Resolver, logger *slog.Logger) []models.ProxyDescriptor {
	var out []models.ProxyDescriptor
	for _, d := range proxies {
		host := d.URL.Hostname()
		if _, err := netip.ParseAddr(host); err == nil {
			out = append(out, d)
			continue
		}

		addrs, err := r.LookupNetIP(ctx, "ip", host)
		if err != nil || len(addrs) == 0 {
			logger.Warn("failed to resolve proxy host, keeping name", "host", host, "error", err)
			out = append(out, d)
			continue
		}

		logger.Debug("resolved proxy host", "host", host, "addresses", len(addrs))
		for _, addr := range addrs {
			u := *d.URL
			u.Host = hostPort(addr.Unmap(), d.URL.Port())
			out = append(out, models.ProxyDescriptor{Kind: d.Kind, URL: &u})
		}
	}
	return out
}

func hostPort(addr netip.Addr, port string) string {
	if port == "" {
		if addr.Is6() {
			return "[" + addr.String() + "]"
		}
		return addr.String()
	}
	return net.JoinHostPort(addr.String(), port)
}
