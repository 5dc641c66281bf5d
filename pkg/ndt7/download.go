package ndt7

import (
	"context"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"ndt-reporter/pkg/fetch"
)

// Download receives for the sampling window and returns the client-side
// speed in Mbps. A close from the server, with or without a close frame, ends
// the phase early with the last computed value.
func (m *Measurer) Download(ctx context.Context, h *fetch.Handle, rawURL string) (float64, error) {
	p := newPhase("download", m.logger)

	ws, err := m.dial(ctx, h, rawURL)
	if err != nil {
		p.to(Errored)
		return 0, err
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	p.to(Open)

	start := m.now()
	counter := newByteCounter(start, m.opts.Duration)
	ws.SetReadDeadline(time.Now().Add(m.opts.Duration + m.opts.Grace))

	for {
		kind, r, err := ws.NextReader()
		if err != nil {
			if isNormalClose(err) || (counter.bytes > 0 && endedByPeer(ctx, err)) {
				m.logger.Debug("download closed by server", "mbps", counter.mbps, "reason", err)
				p.to(Closed)
				return counter.mbps, nil
			}
			p.to(Errored)
			return 0, connectionError(ctx, p.name, err)
		}

		switch kind {
		case websocket.BinaryMessage:
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				if counter.bytes > 0 && endedByPeer(ctx, err) {
					m.logger.Debug("download closed by server", "mbps", counter.mbps, "reason", err)
					p.to(Closed)
					return counter.mbps, nil
				}
				p.to(Errored)
				return 0, connectionError(ctx, p.name, err)
			}
			if counter.add(n, m.now()) {
				p.to(Closing)
				m.drain(ws)
				p.to(Closed)
				return counter.mbps, nil
			}
		case websocket.TextMessage:
			m.decode(p.name, r)
		}
	}
}

// drain sends our close frame and discards whatever is still in flight until
// the server answers or the close timeout passes.
func (m *Measurer) drain(ws *websocket.Conn) {
	if err := sendClose(ws); err != nil {
		m.logger.Debug("failed to send close frame", "error", err)
		return
	}
	ws.SetReadDeadline(time.Now().Add(closeTimeout))
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}
