package measurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/geo"
	"ndt-reporter/pkg/locate"
	"ndt-reporter/pkg/models"
	"ndt-reporter/pkg/ndt7"
	"ndt-reporter/pkg/proxy"
	"ndt-reporter/pkg/report"
	"ndt-reporter/pkg/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type directPool struct {
	acquired int
	err      error
}

func (p *directPool) Acquire(ctx context.Context, maxRetries int) (*fetch.Handle, error) {
	p.acquired++
	if p.err != nil {
		return nil, p.err
	}
	return fetch.NewFactory(fetch.Options{}).Direct(), nil
}

type stubGate struct{ err error }

func (g stubGate) Validate(ctx context.Context, credential string) (*models.Profile, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &models.Profile{Username: "user-" + credential}, nil
}

type stubLocator struct {
	server *models.MeasurementServer
	err    error
}

func (l stubLocator) Locate(ctx context.Context, h *fetch.Handle) (*models.MeasurementServer, error) {
	return l.server, l.err
}

type countingMeasurer struct {
	runs   int
	sample models.SpeedSample
}

func (m *countingMeasurer) Run(ctx context.Context, h *fetch.Handle, server *models.MeasurementServer) models.SpeedSample {
	m.runs++
	return m.sample
}

type recordingReporter struct {
	submitted []models.SpeedSample
	err       error
}

func (r *recordingReporter) Submit(ctx context.Context, h *fetch.Handle, credential string, sample models.SpeedSample, point models.GeoPoint) (*report.Response, error) {
	r.submitted = append(r.submitted, sample)
	if r.err != nil {
		return nil, r.err
	}
	return &report.Response{Payload: models.NewReportPayload(sample, point, time.Now())}, nil
}

type outcomeRecorder struct {
	outcomes []string
	samples  []models.SpeedSample
}

func (r *outcomeRecorder) ObserveCycle(outcome string)        { r.outcomes = append(r.outcomes, outcome) }
func (r *outcomeRecorder) ObserveSample(s models.SpeedSample) { r.samples = append(r.samples, s) }

type fixture struct {
	pool     *directPool
	measurer *countingMeasurer
	reporter *recordingReporter
	recorder *outcomeRecorder
	sleeps   []time.Duration
	svc      *MeasurementService
}

func newFixture(gate Validator, locator Locator) *fixture {
	f := &fixture{
		pool:     &directPool{},
		measurer: &countingMeasurer{sample: models.SpeedSample{DownloadMbps: 50, UploadMbps: 10}},
		reporter: &recordingReporter{},
		recorder: &outcomeRecorder{},
	}
	f.svc = NewMeasurementService(Dependencies{
		Pool:     f.pool,
		Gate:     gate,
		Locator:  locator,
		Measurer: f.measurer,
		Reporter: f.reporter,
		Points:   geo.NewSeededGenerator(1, 1),
		Recorder: f.recorder,
	}, 3, 30*time.Second, discardLogger())
	f.svc.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

var testServer = &models.MeasurementServer{Machine: "mlab1", DownloadURL: "ws://a/download", UploadURL: "ws://a/upload"}

func TestRunCycleAborts(t *testing.T) {
	tests := []struct {
		name    string
		gate    Validator
		locator Locator
		poolErr error
		want    error
		outcome string
	}{
		{"expired credential", stubGate{err: session.ErrExpired}, stubLocator{server: testServer}, nil, session.ErrExpired, OutcomeCredentialExpired},
		{"rejected credential", stubGate{err: fmt.Errorf("%w: 401", session.ErrInvalid)}, stubLocator{server: testServer}, nil, session.ErrInvalid, OutcomeCredentialInvalid},
		{"no server", stubGate{}, stubLocator{err: locate.ErrNoServer}, nil, locate.ErrNoServer, OutcomeNoServer},
		{"discovery failed", stubGate{}, stubLocator{err: fmt.Errorf("%w: 503", locate.ErrDiscovery)}, nil, locate.ErrDiscovery, OutcomeDiscoveryFailed},
		{"proxies exhausted", stubGate{}, stubLocator{server: testServer}, proxy.ErrNoUsableProxy, proxy.ErrNoUsableProxy, OutcomeProxyExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.gate, tt.locator)
			f.pool.err = tt.poolErr

			_, err := f.svc.RunCycle(context.Background(), "tok")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.outcome, Outcome(err))
			assert.Zero(t, f.measurer.runs, "no measurement after abort")
			assert.Empty(t, f.reporter.submitted, "no report after abort")
		})
	}
}

func TestRunCycleReportsZeroSample(t *testing.T) {
	f := newFixture(stubGate{}, stubLocator{server: testServer})
	f.measurer.sample = models.SpeedSample{}

	res, err := f.svc.RunCycle(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, models.SpeedSample{}, res.Sample)
	assert.Equal(t, []models.SpeedSample{{}}, f.reporter.submitted)
	assert.Equal(t, 3, f.pool.acquired, "locate, speed test and report each acquire")
}

func TestRunAccounts(t *testing.T) {
	f := newFixture(stubGate{}, stubLocator{server: testServer})
	f.reporter.err = report.ErrRejected

	ok := f.svc.RunAccounts(context.Background(), []string{"a", "b", "c"})
	assert.Equal(t, 0, ok)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, f.sleeps, "no delay after the last account")
	assert.Equal(t, []string{OutcomeReportRejected, OutcomeReportRejected, OutcomeReportRejected}, f.recorder.outcomes)
	assert.Len(t, f.recorder.samples, 3)
}

func TestRunAccountsStopsOnCancel(t *testing.T) {
	f := newFixture(stubGate{}, stubLocator{server: testServer})
	ctx, cancel := context.WithCancel(context.Background())
	f.svc.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	ok := f.svc.RunAccounts(ctx, []string{"a", "b", "c"})
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.measurer.runs)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{fmt.Errorf("submit: %w", report.ErrFailed), OutcomeReportFailed},
		{fmt.Errorf("x: %w", fetch.ErrUnsupportedProxy), OutcomeProxyBuild},
		{context.Canceled, OutcomeCancelled},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "***", MaskCredential("short"))
	assert.Equal(t, "eyJhbG...wxyz", MaskCredential("eyJhbGciOiJIUzI1NiJ9.abcdwxyz"))
}

// newAPIServer serves the profile, locate, ndt7 and report endpoints and
// records the submitted report.
func newAPIServer(t *testing.T, submitted *models.ReportPayload) *httptest.Server {
	upgrader := websocket.Upgrader{Subprotocols: []string{ndt7.Subprotocol}}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":{"username":"alice","email":"alice@example.com"}}`))
	})
	mux.HandleFunc("/v2/nearest/ndt/ndt7", func(w http.ResponseWriter, r *http.Request) {
		base := "ws" + strings.TrimPrefix(srv.URL, "http")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"machine": "mlab-test",
				"urls": map[string]string{
					"ws:///ndt/v7/download": base + "/ndt/v7/download",
					"ws:///ndt/v7/upload":   base + "/ndt/v7/upload",
				},
			}},
		})
	})
	mux.HandleFunc("/ndt/v7/download", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		payload := make([]byte, 32<<10)
		for {
			select {
			case <-closed:
				return
			default:
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/ndt/v7/upload", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/report", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(submitted))
		w.Write([]byte(`{"success":true,"message":"ok"}`))
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestRunCycleEndToEnd(t *testing.T) {
	var submitted models.ReportPayload
	srv := newAPIServer(t, &submitted)
	defer srv.Close()

	logger := discardLogger()
	factory := fetch.NewFactory(fetch.Options{})
	pool := proxy.NewPool(nil, proxy.Config{Enabled: true}, factory, logger)

	svc := NewMeasurementService(Dependencies{
		Pool:     pool,
		Gate:     session.NewGate(pool, 3, srv.URL+"/api/profile", 0, logger),
		Locator:  locate.NewLocator(srv.URL+"/v2/nearest/ndt/ndt7", "ndt-reporter-test", logger),
		Measurer: ndt7.NewMeasurer(ndt7.Options{Duration: 200 * time.Millisecond}, logger),
		Reporter: report.NewReporter(srv.URL+"/api/report", logger),
		Points:   geo.NewSeededGenerator(3, 4),
	}, 3, 0, logger)

	res, err := svc.RunCycle(context.Background(), token(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, "alice", res.Account)
	assert.Equal(t, "mlab-test", res.Server.Machine)
	assert.Equal(t, "ok", res.Message)
	assert.Greater(t, res.Sample.DownloadMbps, 0.0)
	assert.Greater(t, res.Sample.UploadMbps, 0.0)

	assert.Equal(t, models.Round(res.Sample.DownloadMbps, 2), submitted.DownloadSpeed)
	assert.Equal(t, models.Round(res.Sample.UploadMbps, 2), submitted.UploadSpeed)
	assert.Equal(t, res.Location.Latitude, submitted.Latitude)
	assert.Equal(t, res.Location.Longitude, submitted.Longitude)
	assert.Equal(t, res.Payload, submitted)
}

func TestRunCycleExpiredTokenMakesNoRequests(t *testing.T) {
	var submitted models.ReportPayload
	srv := newAPIServer(t, &submitted)
	defer srv.Close()

	logger := discardLogger()
	pool := &directPool{}
	svc := NewMeasurementService(Dependencies{
		Pool:     pool,
		Gate:     session.NewGate(pool, 3, srv.URL+"/api/profile", 0, logger),
		Locator:  locate.NewLocator(srv.URL+"/v2/nearest/ndt/ndt7", "test", logger),
		Measurer: ndt7.NewMeasurer(ndt7.Options{}, logger),
		Reporter: report.NewReporter(srv.URL+"/api/report", logger),
		Points:   geo.NewGenerator(),
	}, 3, 0, logger)

	// inside the 90s margin
	_, err := svc.RunCycle(context.Background(), token(t, time.Now().Add(60*time.Second)))
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.Zero(t, pool.acquired)
}
