// Package tester sweeps a proxy list with concurrent liveness probes.
package tester

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ndt-reporter/pkg/models"
)

const defaultWorkers = 16

// Checker probes a single proxy. *proxy.Pool implements it.
type Checker interface {
	VerifyLive(ctx context.Context, d models.ProxyDescriptor, timeout time.Duration) bool
}

// Pruner removes proxies that failed their probe. *database.DB implements it.
type Pruner interface {
	RemoveProxy(ctx context.Context, url string) error
}

type Options struct {
	Workers int
	Timeout time.Duration
	// Dead proxies are removed through Prune when set
	Prune Pruner
}

type Result struct {
	Proxy models.ProxyDescriptor
	Alive bool
}

type job struct {
	index int
	proxy models.ProxyDescriptor
}

// CheckProxies probes every proxy once and returns the results in input order
func CheckProxies(ctx context.Context, checker Checker, proxies []models.ProxyDescriptor, opts Options, logger *slog.Logger) []Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(proxies) {
		workers = len(proxies)
	}

	jobs := make(chan job, len(proxies))
	results := make([]Result, len(proxies))

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(ctx, checker, opts, logger, &wg, jobs, results)
	}

	for i, p := range proxies {
		jobs <- job{index: i, proxy: p}
	}
	close(jobs)
	wg.Wait()

	alive := 0
	for _, r := range results {
		if r.Alive {
			alive++
		}
	}
	logger.Info("proxy check finished", "total", len(proxies), "alive", alive, "dead", len(proxies)-alive)
	return results
}

// each worker writes only to the result slots of the jobs it took
func worker(ctx context.Context, checker Checker, opts Options, logger *slog.Logger, wg *sync.WaitGroup, jobs <-chan job, results []Result) {
	defer wg.Done()
	for j := range jobs {
		alive := false
		if ctx.Err() == nil {
			alive = checker.VerifyLive(ctx, j.proxy, opts.Timeout)
		}
		results[j.index] = Result{Proxy: j.proxy, Alive: alive}
		logger.Debug("proxy tested", "proxy", j.proxy.String(), "alive", alive)

		if !alive && opts.Prune != nil && ctx.Err() == nil {
			if err := opts.Prune.RemoveProxy(ctx, j.proxy.URL.String()); err != nil {
				logger.Error("failed to remove dead proxy", "proxy", j.proxy.String(), "error", err)
				continue
			}
			logger.Info("proxy removed due to failed check", "proxy", j.proxy.String())
		}
	}
}
