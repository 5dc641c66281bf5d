package ndt7

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ndt-reporter/pkg/fetch"
)

// sender owns the write side of an upload connection. The send loop queues
// chunks, the sender writes them and releases backlog once each write returns.
type sender struct {
	ws      *websocket.Conn
	msg     *websocket.PreparedMessage
	chunk   int64
	backlog atomic.Int64
	queue   chan struct{}
	stop    chan struct{}
	once    sync.Once
	done    chan error
}

func newSender(ws *websocket.Conn, msg *websocket.PreparedMessage, chunk, maxBacklog int) *sender {
	return &sender{
		ws:    ws,
		msg:   msg,
		chunk: int64(chunk),
		// enough room that fill never blocks, even after the writer has died
		queue: make(chan struct{}, maxBacklog/chunk+1),
		stop:  make(chan struct{}),
		done:  make(chan error, 1),
	}
}

func (s *sender) run() {
	for {
		select {
		case <-s.stop:
			s.done <- nil
			return
		case <-s.queue:
			if err := s.ws.WritePreparedMessage(s.msg); err != nil {
				s.done <- err
				return
			}
			s.backlog.Add(-s.chunk)
		}
	}
}

func (s *sender) halt() {
	s.once.Do(func() { close(s.stop) })
}

// fill queues chunks while the backlog is below limit and returns the number of
// bytes queued.
func (s *sender) fill(limit int64) int64 {
	var queued int64
	for s.backlog.Load() < limit {
		s.backlog.Add(s.chunk)
		s.queue <- struct{}{}
		queued += s.chunk
	}
	return queued
}

// Upload sends pseudorandom data for the sampling window and returns the
// highest of the client-side estimate and every server-side estimate.
func (m *Measurer) Upload(ctx context.Context, h *fetch.Handle, rawURL string) (float64, error) {
	p := newPhase("upload", m.logger)

	buf := make([]byte, m.opts.ChunkSize)
	if _, err := rand.Read(buf); err != nil {
		p.to(Errored)
		return 0, fmt.Errorf("failed to fill upload buffer: %w", err)
	}
	msg, err := websocket.NewPreparedMessage(websocket.BinaryMessage, buf)
	if err != nil {
		p.to(Errored)
		return 0, fmt.Errorf("failed to prepare upload message: %w", err)
	}

	ws, err := m.dial(ctx, h, rawURL)
	if err != nil {
		p.to(Errored)
		return 0, err
	}
	defer ws.Close()
	p.to(Open)

	watchdog := time.Now().Add(m.opts.Duration + m.opts.Grace)
	ws.SetReadDeadline(watchdog)
	ws.SetWriteDeadline(watchdog)

	estimate := &maxEstimate{}
	readDone := make(chan error, 1)
	go func() {
		readDone <- m.readMeasurements(p.name, ws, estimate)
	}()

	s := newSender(ws, msg, m.opts.ChunkSize, m.opts.MaxBacklog)
	go s.run()
	defer s.halt()

	ticker := time.NewTicker(m.opts.YieldInterval)
	defer ticker.Stop()

	start := m.now()
	maxBacklog := int64(m.opts.MaxBacklog)
	var queued int64
	remoteClosed := false

loop:
	for m.now().Sub(start) < m.opts.Duration {
		queued += s.fill(maxBacklog)

		select {
		case err := <-s.done:
			if !endedByPeer(ctx, err) {
				p.to(Errored)
				return 0, connectionError(ctx, p.name, err)
			}
			m.logger.Debug("upload closed by server", "reason", err)
			remoteClosed = true
			break loop
		case err := <-readDone:
			if !isNormalClose(err) && !endedByPeer(ctx, err) {
				p.to(Errored)
				return 0, connectionError(ctx, p.name, err)
			}
			remoteClosed = true
			break loop
		case <-ctx.Done():
			p.to(Errored)
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
	s.halt()

	client := Mbps(queued, m.now().Sub(start).Seconds())
	m.logger.Debug("upload client estimate", "mbps", client, "queued_bytes", queued)
	estimate.observe(client)

	if !remoteClosed {
		p.to(Closing)
		if err := sendClose(ws); err != nil {
			m.logger.Debug("failed to send close frame", "error", err)
		}
		// server measurements sent during the closing handshake still count
		ws.SetReadDeadline(time.Now().Add(closeTimeout))
		<-readDone
	}
	p.to(Closed)
	return estimate.value(), nil
}

// readMeasurements consumes inbound frames until the connection ends, feeding
// every server-side throughput figure into estimate.
func (m *Measurer) readMeasurements(phase string, ws *websocket.Conn, estimate *maxEstimate) error {
	for {
		kind, r, err := ws.NextReader()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, ok := m.decode(phase, r)
		if !ok {
			continue
		}
		if v, ok := msg.ReceiverMbps(); ok {
			estimate.observe(v)
		}
	}
}
