// Package connectivity checks that a socks5 proxy can carry a DNS-over-TCP
// exchange end to end, a deeper test than the HTTP liveness probe.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

// ErrUnsupported is returned for proxies other than socks5
var ErrUnsupported = errors.New("dns test needs a socks5 proxy")

type Report struct {
	Proxy      string       `json:"proxy"`
	Resolver   string       `json:"resolver"`
	Domain     string       `json:"domain"`
	Time       time.Time    `json:"time"`
	DurationMs int64        `json:"duration_ms"`
	Dials      []dialReport `json:"proxy_dials,omitempty"`
	Error      *ErrorRecord `json:"error"`
}

type dialReport struct {
	Addr       string `json:"addr"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type ErrorRecord struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == nil
}

func makeErrorRecord(result *connectivity.ConnectivityError) *ErrorRecord {
	if result == nil {
		return nil
	}
	record := &ErrorRecord{
		Op:         result.Op,
		PosixError: result.PosixError,
	}
	if result.Err != nil {
		record.Msg = findBaseError(result.Err).Error()
		record.MsgVerbose = result.Err.Error()
	}
	return record
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		// the last of joined errors tends to be the most specific one
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			if errs := joined.Unwrap(); len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// ProbeDNS resolves domain through d using the DNS server at resolver
// (host or host:port, port 53 by default).
func ProbeDNS(ctx context.Context, d models.ProxyDescriptor, resolver, domain string) (Report, error) {
	if d.Kind != models.ProxySOCKS5 || d.URL == nil {
		return Report{}, fmt.Errorf("%w: got %s", ErrUnsupported, d.Kind)
	}

	resolverAddress := resolver
	if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolverAddress = net.JoinHostPort(resolver, "53")
	}

	var mu sync.Mutex
	var dials []dialReport

	configToDialer := configurl.NewDefaultConfigToDialer()
	base := &transport.TCPDialer{}
	configToDialer.BaseStreamDialer = transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		start := time.Now()
		conn, err := base.DialStream(ctx, addr)
		report := dialReport{Addr: addr, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			report.Error = err.Error()
		}
		mu.Lock()
		dials = append(dials, report)
		mu.Unlock()
		return conn, err
	})

	streamDialer, err := configToDialer.NewStreamDialer(fetch.SOCKS5Config(&d))
	if err != nil {
		return Report{}, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}

	startTime := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, dns.NewTCPResolver(streamDialer, resolverAddress), domain)
	if err != nil {
		return Report{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	return Report{
		Proxy:      d.String(),
		Resolver:   resolverAddress,
		Domain:     domain,
		Time:       startTime.UTC().Truncate(time.Second),
		DurationMs: time.Since(startTime).Milliseconds(),
		Dials:      dials,
		Error:      makeErrorRecord(result),
	}, nil
}
