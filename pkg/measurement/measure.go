package measurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/locate"
	"ndt-reporter/pkg/models"
	"ndt-reporter/pkg/proxy"
	"ndt-reporter/pkg/report"
	"ndt-reporter/pkg/session"
)

// Cycle outcomes, used as the metrics label
const (
	OutcomeSuccess           = "success"
	OutcomeCredentialExpired = "credential_expired"
	OutcomeCredentialInvalid = "credential_invalid"
	OutcomeProxyExhausted    = "proxy_exhausted"
	OutcomeProxyBuild        = "proxy_build_failed"
	OutcomeDiscoveryFailed   = "discovery_failed"
	OutcomeNoServer          = "no_server"
	OutcomeReportFailed      = "report_failed"
	OutcomeReportRejected    = "report_rejected"
	OutcomeCancelled         = "cancelled"
	OutcomeError             = "error"
)

type Acquirer interface {
	Acquire(ctx context.Context, maxRetries int) (*fetch.Handle, error)
}

type Validator interface {
	Validate(ctx context.Context, credential string) (*models.Profile, error)
}

type Locator interface {
	Locate(ctx context.Context, h *fetch.Handle) (*models.MeasurementServer, error)
}

type Measurer interface {
	Run(ctx context.Context, h *fetch.Handle, server *models.MeasurementServer) models.SpeedSample
}

type Reporter interface {
	Submit(ctx context.Context, h *fetch.Handle, credential string, sample models.SpeedSample, point models.GeoPoint) (*report.Response, error)
}

type PointSource interface {
	Point() models.GeoPoint
}

// Recorder receives cycle outcomes and samples. *metrics.Metrics implements it.
type Recorder interface {
	ObserveCycle(outcome string)
	ObserveSample(s models.SpeedSample)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCycle(string)               {}
func (noopRecorder) ObserveSample(models.SpeedSample) {}

// Dependencies groups the collaborators of a MeasurementService
type Dependencies struct {
	Pool     Acquirer
	Gate     Validator
	Locator  Locator
	Measurer Measurer
	Reporter Reporter
	Points   PointSource
	Recorder Recorder
}

type MeasurementService struct {
	deps         Dependencies
	maxRetries   int
	accountDelay time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewMeasurementService(deps Dependencies, maxRetries int, accountDelay time.Duration, logger *slog.Logger) *MeasurementService {
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	return &MeasurementService{
		deps:         deps,
		maxRetries:   maxRetries,
		accountDelay: accountDelay,
		logger:       logger,
		sleep:        sleepContext,
	}
}

// RunCycle validates, locates, measures and reports for one credential
func (s *MeasurementService) RunCycle(ctx context.Context, credential string) (*models.CycleResult, error) {
	profile, err := s.deps.Gate.Validate(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("session check failed: %w", err)
	}
	account := accountName(profile, credential)
	logger := s.logger.With("account", account)

	h, err := s.acquire(ctx, "locate")
	if err != nil {
		return nil, err
	}
	server, err := s.deps.Locator.Locate(ctx, h)
	h.CloseIdleConnections()
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	logger.Info("measuring", "machine", server.Machine)

	h, err = s.acquire(ctx, "speed test")
	if err != nil {
		return nil, err
	}
	sample := s.deps.Measurer.Run(ctx, h, server)
	h.CloseIdleConnections()
	s.deps.Recorder.ObserveSample(sample)

	point := s.deps.Points.Point()

	h, err = s.acquire(ctx, "report")
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Reporter.Submit(ctx, h, credential, sample, point)
	h.CloseIdleConnections()
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	logger.Info("report submitted",
		"download_mbps", res.Payload.DownloadSpeed,
		"upload_mbps", res.Payload.UploadSpeed,
		"latitude", point.Latitude,
		"longitude", point.Longitude,
		"message", res.Message)

	return &models.CycleResult{
		Account:  account,
		Server:   *server,
		Sample:   sample,
		Location: point,
		Payload:  res.Payload,
		Message:  res.Message,
	}, nil
}

func (s *MeasurementService) acquire(ctx context.Context, step string) (*fetch.Handle, error) {
	h, err := s.deps.Pool.Acquire(ctx, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transport for %s: %w", step, err)
	}
	return h, nil
}

// RunAccounts runs one cycle per credential, in order, waiting accountDelay
// between accounts. It returns the number of successful cycles.
func (s *MeasurementService) RunAccounts(ctx context.Context, credentials []string) int {
	s.logger.Info("starting measurement round", "accounts", len(credentials))

	succeeded := 0
	for i, credential := range credentials {
		res, err := s.RunCycle(ctx, credential)
		outcome := Outcome(err)
		s.deps.Recorder.ObserveCycle(outcome)

		if err != nil {
			s.logger.Error("cycle failed",
				"index", i+1,
				"credential", MaskCredential(credential),
				"outcome", outcome,
				"error", err)
		} else {
			succeeded++
			s.logger.Debug("cycle complete", "index", i+1, "account", res.Account)
		}

		if ctx.Err() != nil {
			break
		}
		if i < len(credentials)-1 && s.accountDelay > 0 {
			s.logger.Debug("waiting before next account", "delay", s.accountDelay)
			if err := s.sleep(ctx, s.accountDelay); err != nil {
				break
			}
		}
	}

	s.logger.Info("measurement round finished", "accounts", len(credentials), "succeeded", succeeded)
	return succeeded
}

// Outcome classifies a cycle error
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, session.ErrExpired):
		return OutcomeCredentialExpired
	case errors.Is(err, session.ErrInvalid):
		return OutcomeCredentialInvalid
	case errors.Is(err, proxy.ErrNoUsableProxy):
		return OutcomeProxyExhausted
	case errors.Is(err, fetch.ErrUnsupportedProxy):
		return OutcomeProxyBuild
	case errors.Is(err, locate.ErrNoServer):
		return OutcomeNoServer
	case errors.Is(err, locate.ErrDiscovery):
		return OutcomeDiscoveryFailed
	case errors.Is(err, report.ErrRejected):
		return OutcomeReportRejected
	case errors.Is(err, report.ErrFailed):
		return OutcomeReportFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

func accountName(p *models.Profile, credential string) string {
	switch {
	case p != nil && p.Username != "":
		return p.Username
	case p != nil && p.Email != "":
		return p.Email
	default:
		return MaskCredential(credential)
	}
}

// MaskCredential shortens a bearer token for logs
func MaskCredential(credential string) string {
	if len(credential) <= 12 {
		return "***"
	}
	return credential[:6] + "..." + credential[len(credential)-4:]
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
