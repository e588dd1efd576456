// ABOUTME: Per-connection driver: upgrade, handshake with receive deadlines, post-auth loop
// ABOUTME: Records every outcome and closes denied connections with 4003 and the reason

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/navivox-gateway/internal/auth"
	"github.com/2389/navivox-gateway/internal/nonce"
	"github.com/2389/navivox-gateway/internal/protocol"
)

// readResult is one frame or the error that ended reading.
type readResult struct {
	frame protocol.Frame
	err   error
}

// connection is one accepted WebSocket.
type connection struct {
	id          string
	ws          *websocket.Conn
	remote      string
	sendTimeout time.Duration
	frames      chan readResult
	done        chan struct{}
	cancelRead  context.CancelFunc
	logger      *slog.Logger
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		res := readResult{err: err}
		if err == nil {
			if typ == websocket.MessageBinary {
				res.frame = protocol.Binary(data)
			} else {
				res.frame = protocol.Text(data)
			}
		}

		select {
		case c.frames <- res:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// write sends one text frame bounded by the send timeout.
func (c *connection) write(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// teardown releases the reader goroutine and the socket.
func (c *connection) teardown() {
	close(c.done)
	c.cancelRead()
	_ = c.ws.CloseNow()
}

// isPeerGone reports whether err means the peer closed or dropped the connection.
func isPeerGone(err error) bool {
	if err == nil {
		return false
	}
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// remoteIP returns the peer IP without port, or "unknown".
func remoteIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

// handleVoice accepts one device connection and owns it until it closes.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !g.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.conns.Done()
	handshakeDone := sync.OnceFunc(func() {
		g.inflight.Add(-1)
		g.handshakes.Done()
	})
	defer handshakeDone()

	remote := remoteIP(r)
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", remote, "error", err)
		return
	}
	ws.SetReadLimit(g.config.Server.MaxFrameBytes)

	readCtx, cancelRead := context.WithCancel(context.Background())
	c := &connection{
		id:          uuid.New().String(),
		ws:          ws,
		remote:      remote,
		sendTimeout: g.config.Handshake.SendTimeout,
		frames:      make(chan readResult, 1),
		done:        make(chan struct{}),
		cancelRead:  cancelRead,
	}
	c.logger = g.logger.With("connection_id", c.id, "remote", remote)
	defer c.teardown()
	go c.readLoop(readCtx)

	c.logger.Debug("connection accepted")

	m, ok := g.runHandshake(g.handshakeCtx, c)
	handshakeDone()
	if !ok {
		return
	}

	g.serveSession(c, m)
}

// issueNonce draws a challenge through the ledger.
func (g *Gateway) issueNonce() (nonce.Nonce, error) {
	return g.ledger.Issue(g.nonceSource)
}

// runHandshake drives the machine to a terminal state. It reports whether the
// connection was authorized and the ok frame delivered.
func (g *Gateway) runHandshake(ctx context.Context, c *connection) (*auth.Machine, bool) {
	m := auth.NewMachine(auth.MachineConfig{
		Allowlist: g.allowlist,
		Nonce:     g.issueNonce,
	})

	timer := time.NewTimer(g.config.Handshake.Timeout)
	defer timer.Stop()

	for !m.State().Terminal() {
		var step auth.Step
		select {
		case res := <-c.frames:
			if res.err != nil {
				if isPeerGone(res.err) {
					c.logger.Debug("peer disconnected during handshake",
						"state", m.State().String(),
						"device_id", m.DeviceID(),
						"error", res.err,
					)
					return m, false
				}
				step = m.Fail(auth.Transport(res.err))
			} else {
				step = m.Receive(res.frame)
			}
		case <-timer.C:
			step = m.Timeout()
		case <-ctx.Done():
			step = m.Fail(context.Cause(ctx))
		}

		if step.Denied() {
			g.deny(ctx, c, m, step)
			return m, false
		}

		if step.Reply != nil {
			if err := c.write(ctx, step.Reply); err != nil {
				if step.State == auth.StateAuthorized || isPeerGone(err) {
					c.logger.Debug("send failed, peer gone",
						"state", step.State.String(),
						"device_id", m.DeviceID(),
						"error", err,
					)
					return m, false
				}
				g.deny(ctx, c, m, m.Fail(auth.Transport(err)))
				return m, false
			}
		}

		// The auth frame gets its own full deadline.
		if step.State == auth.StateAwaitingAuth {
			timer.Reset(g.config.Handshake.Timeout)
		}
	}

	g.recorder.Record(context.WithoutCancel(ctx), m.Attempt(c.remote, time.Now()))
	c.logger.Info("device authorized", "device_id", m.DeviceID())
	return m, true
}

// deny records the denial and closes with 4003. Close failures are discarded.
// The record outlives ctx so shutdown denials still reach every sink.
func (g *Gateway) deny(ctx context.Context, c *connection, m *auth.Machine, step auth.Step) {
	g.recorder.Record(context.WithoutCancel(ctx), m.Attempt(c.remote, time.Now()))

	level := slog.LevelInfo
	if step.Reason == auth.ReasonError {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "device denied",
		"reason", string(step.Reason),
		"device_id", m.DeviceID(),
		"error", step.Err,
	)

	if err := c.ws.Close(websocket.StatusCode(protocol.CloseDenied), string(step.Reason)); err != nil {
		c.logger.Debug("close after denial failed", "error", err)
	}
}

// serveSession registers the session and runs the post-auth frame loop until
// the peer leaves or shutdown begins.
func (g *Gateway) serveSession(c *connection, m *auth.Machine) {
	s := Session{
		ID:          c.id,
		DeviceID:    m.DeviceID(),
		Remote:      c.remote,
		ConnectedAt: time.Now(),
	}
	if dev, ok := g.allowlist.Device(s.DeviceID); ok {
		s.Fingerprint = dev.Fingerprint
	}

	g.sessions.register(s)
	defer g.sessions.unregister(s.ID)

	ctx := g.sessionCtx
	if g.onAuth != nil {
		g.onAuth(ctx, s)
	}

	for {
		select {
		case res := <-c.frames:
			if res.err != nil {
				c.logger.Debug("session ended", "device_id", s.DeviceID, "error", res.err)
				return
			}
			ev := auth.HandleSessionFrame(res.frame)
			if ev.Reply != nil {
				if err := c.write(ctx, ev.Reply); err != nil {
					c.logger.Debug("session write failed", "device_id", s.DeviceID, "error", err)
					return
				}
			}
			if ev.Payload != nil {
				g.dispatcher.Dispatch(ctx, s, ev.Payload)
			}
		case <-ctx.Done():
			if err := c.ws.Close(websocket.StatusGoingAway, errShuttingDown.Error()); err != nil {
				c.logger.Debug("close on shutdown failed", "error", err)
			}
			return
		}
	}
}
