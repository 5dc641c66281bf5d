package proxy

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestExpandHosts(t *testing.T) {
	resolver := staticResolver{
		"proxy.example.com": {netip.MustParseAddr("203.0.113.7"), netip.MustParseAddr("2001:db8::7")},
		"mapped.example.com": {netip.MustParseAddr("::ffff:198.51.100.1")},
	}
	proxies := mustDescriptors(t,
		"socks5://user:pw@proxy.example.com:1080",
		"10.0.0.1:3128",
		"http://mapped.example.com",
		"socks4://gone.example.com:1080",
	)

	got := ExpandHosts(context.Background(), proxies, resolver, discardLogger())

	var urls []string
	for _, d := range got {
		urls = append(urls, d.URL.String())
	}
	assert.Equal(t, []string{
		"socks5://user:pw@203.0.113.7:1080",
		"socks5://user:pw@[2001:db8::7]:1080",
		"http://10.0.0.1:3128",
		"http://198.51.100.1",
		"socks4://gone.example.com:1080",
	}, urls)

	// the originals are untouched
	assert.Equal(t, "proxy.example.com:1080", proxies[0].URL.Host)
	assert.Equal(t, got[0].Kind, proxies[0].Kind)
}
