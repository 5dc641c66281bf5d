package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ndt-reporter/pkg/config"
	"ndt-reporter/pkg/database"
	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/geo"
	"ndt-reporter/pkg/locate"
	"ndt-reporter/pkg/measurement"
	"ndt-reporter/pkg/metrics"
	"ndt-reporter/pkg/models"
	"ndt-reporter/pkg/ndt7"
	"ndt-reporter/pkg/proxy"
	"ndt-reporter/pkg/report"
	"ndt-reporter/pkg/session"
)

// app holds the components shared by the subcommands
type app struct {
	cfg     config.Config
	db      *database.DB
	pool    *proxy.Pool
	metrics *metrics.Metrics
	service *measurement.MeasurementService
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	proxies, err := a.loadProxies(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	factory := fetch.NewFactory(fetch.Options{
		Timeout:     cfg.HTTP.Timeout,
		DialTimeout: cfg.Proxy.Timeout,
		MaxConns:    cfg.HTTP.MaxConns,
		Header:      cfg.HTTP.Header(),
	})

	a.pool = proxy.NewPool(proxies, proxy.Config{
		Enabled:  cfg.Proxy.Enabled,
		CheckURL: cfg.Proxy.CheckURL,
		Timeout:  cfg.Proxy.Timeout,
	}, factory, logger)
	a.pool.OnProbe(a.recordProbe)

	if cfg.Proxy.Enabled && a.pool.Len() == 0 {
		logger.Warn("Proxying enabled but the proxy list is empty, using direct connections")
	}
	logger.Debug("Proxy pool ready", "proxies", a.pool.Len(), "enabled", a.pool.Enabled(), "source", cfg.Proxy.Source)

	a.service = measurement.NewMeasurementService(measurement.Dependencies{
		Pool:    a.pool,
		Gate:    session.NewGate(a.pool, cfg.Proxy.MaxRetries, cfg.API.ProfileURL(), cfg.Session.ExpiryMargin, logger),
		Locator: locate.NewLocator(cfg.Locate.URL, cfg.Locate.ClientName, logger),
		Measurer: ndt7.NewMeasurer(ndt7.Options{
			Duration:      cfg.NDT7.Duration,
			Grace:         cfg.NDT7.Grace,
			ChunkSize:     cfg.NDT7.ChunkSize,
			MaxBacklog:    cfg.NDT7.MaxBacklog,
			YieldInterval: cfg.NDT7.YieldInterval,
		}, logger),
		Reporter: report.NewReporter(cfg.API.ReportURL(), logger),
		Points:   geo.NewGenerator(),
		Recorder: a.metrics,
	}, cfg.Proxy.MaxRetries, cfg.Schedule.AccountDelay, logger)

	return a, nil
}

func (a *app) loadProxies(ctx context.Context) ([]models.ProxyDescriptor, error) {
	switch a.cfg.Proxy.Source {
	case config.ProxySourceDatabase:
		db, err := initDB(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.db = db

		urls, err := db.ProxyURLs(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("failed to load proxies from database: %w", err)
		}
		return proxy.ParseLines(urls, logger), nil

	default:
		if a.cfg.Proxy.File == "" {
			return nil, nil
		}
		proxies, err := proxy.LoadFile(a.cfg.Proxy.File, logger)
		if err != nil && !a.cfg.Proxy.Enabled && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return proxies, err
	}
}

func (a *app) recordProbe(d models.ProxyDescriptor, alive bool) {
	a.metrics.ObserveProbe(alive)
	if a.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.UpdateProxyCheck(ctx, d.URL.String(), alive, time.Now()); err != nil {
		logger.Warn("Failed to record proxy check", "proxy", d.String(), "error", err)
	}
}

func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.Metrics.Listen, logger); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// cronLogger routes cron's own messages through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
