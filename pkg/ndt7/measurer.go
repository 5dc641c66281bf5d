// Package ndt7 implements the client side of the ndt7 throughput test: a
// timed download followed by a timed upload, each over its own websocket.
package ndt7

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

// Subprotocol is negotiated on every measurement connection
const Subprotocol = "net.measurementlab.ndt.v7"

// ErrConnection covers dial, handshake and mid-test connection failures
var ErrConnection = errors.New("measurement connection error")

const closeTimeout = 2 * time.Second

// Options tunes the measurement phases
type Options struct {
	// Sampling window of each phase (default: 10s)
	Duration time.Duration
	// Extra time a phase may take before the watchdog aborts it (default: 5s)
	Grace time.Duration
	// Size of each upload message (default: 32KiB)
	ChunkSize int
	// Upload backlog ceiling (default: 1MiB)
	MaxBacklog int
	// Pause between upload backlog checks (default: 10ms)
	YieldInterval time.Duration
}

type Measurer struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewMeasurer(opts Options, logger *slog.Logger) *Measurer {
	if opts.Duration == 0 {
		opts.Duration = 10 * time.Second
	}
	if opts.Grace == 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 32 << 10
	}
	if opts.MaxBacklog == 0 {
		opts.MaxBacklog = 1 << 20
	}
	if opts.YieldInterval == 0 {
		opts.YieldInterval = 10 * time.Millisecond
	}
	return &Measurer{opts: opts, logger: logger, now: time.Now}
}

// Run measures download then upload against server. Failures of either phase
// yield zero for that phase; a panic yields a zero sample.
func (m *Measurer) Run(ctx context.Context, h *fetch.Handle, server *models.MeasurementServer) (sample models.SpeedSample) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("speed test aborted", "machine", server.Machine, "panic", r)
			sample = models.SpeedSample{}
		}
	}()

	m.logger.Info("starting speed test", "machine", server.Machine, "egress", h.Kind())

	down, err := m.Download(ctx, h, server.DownloadURL)
	if err != nil {
		m.logger.Warn("download phase failed", "machine", server.Machine, "error", err)
	}

	up, err := m.Upload(ctx, h, server.UploadURL)
	if err != nil {
		m.logger.Warn("upload phase failed", "machine", server.Machine, "error", err)
	}

	sample = models.SpeedSample{DownloadMbps: down, UploadMbps: up}
	m.logger.Info("speed test finished",
		"download_mbps", models.Round(down, 2),
		"upload_mbps", models.Round(up, 2))
	return sample
}

func (m *Measurer) dial(ctx context.Context, h *fetch.Handle, rawURL string) (*websocket.Conn, error) {
	dialer := *h.Dialer
	dialer.Subprotocols = []string{Subprotocol}

	ws, _, err := dialer.DialContext(ctx, rawURL, h.Header())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, rawURL, err)
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("%w: server did not accept subprotocol %s", ErrConnection, Subprotocol)
	}
	return ws, nil
}

func (m *Measurer) decode(phase string, r io.Reader) (*Measurement, bool) {
	var msg Measurement
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		m.logger.Debug("ignoring undecodable measurement", "phase", phase, "error", err)
		return nil, false
	}
	m.logger.Debug("server measurement", "phase", phase, "origin", msg.Origin, "test", msg.Test)
	return &msg, true
}

// sendClose starts the closing handshake. WriteControl may run concurrently
// with the upload writer.
func sendClose(ws *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// endedByPeer reports whether err is the server ending an open connection: a
// close frame of any code, or the stream stopping underneath us. Timeouts and
// cancellation are never a peer close.
func endedByPeer(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func connectionError(ctx context.Context, phase string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, phase, err)
}
