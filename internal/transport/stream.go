package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claraverse/pulse/internal/logging"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
	closeGrace       = 1 * time.Second
)

// stream is one logical push connection and its reconnect loop
type stream struct {
	m      *Manager
	key    string
	ep     Endpoint
	logger *slog.Logger

	state atomic.Int32

	// deliverMu serializes callbacks with attach/detach
	deliverMu sync.Mutex
	handles   []*Handle

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newStream(m *Manager, key string, ep Endpoint) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		m:      m,
		key:    key,
		ep:     ep,
		logger: logging.WithStream(m.logger, key),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *stream) State() State {
	return State(s.state.Load())
}

func (s *stream) attach(h *Handle) {
	s.deliverMu.Lock()
	s.handles = append(s.handles, h)
	s.deliverMu.Unlock()
}

func (s *stream) detach(h *Handle) int {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for i, existing := range s.handles {
		if existing == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	return len(s.handles)
}

func (s *stream) detachAll() {
	s.deliverMu.Lock()
	s.handles = nil
	s.deliverMu.Unlock()
}

// shutdown stops the run loop and waits for it to exit
func (s *stream) shutdown() {
	s.stopOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()
	})
	<-s.done
}

func (s *stream) setState(next State) {
	var prev State
	for {
		prev = State(s.state.Load())
		if prev == StateClosing || prev == next {
			return
		}
		if s.state.CompareAndSwap(int32(prev), int32(next)) {
			break
		}
	}
	s.m.opts.Metrics.SetTransportState(s.key, int(next))
	s.logger.Debug("stream state changed", "from", prev.String(), "to", next.String())

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, h := range s.handles {
		s.safeCall(func() { h.handler.HandleState(next) })
	}
}

// run is the reconnect loop. attempt counts consecutive failures and resets on
// every successful handshake.
func (s *stream) run() {
	defer close(s.done)

	attempt := 0
	for {
		s.setState(StateConnecting)

		conn, err := s.dial()
		switch {
		case err == nil:
			attempt = 0
			s.setState(StateConnected)
			s.logger.Info("push stream connected")
			if s.serve(conn) {
				return
			}
			s.logger.Warn("push stream lost")
		case s.ctx.Err() != nil:
			return
		case errors.Is(err, ErrUnauthorized):
			s.logger.Warn("push handshake rejected, will retry", "error", err)
		default:
			s.logger.Warn("push dial failed", "error", err)
		}

		s.setState(StateDisconnected)

		attempt++
		delay := BackoffDelay(attempt, s.m.opts.BaseDelay, s.m.opts.MaxDelay)
		s.m.opts.Metrics.RecordReconnect(s.key)
		s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

		if !s.m.opts.Wait(s.ctx, delay) {
			return
		}
	}
}

func (s *stream) dial() (*websocket.Conn, error) {
	u, err := url.Parse(s.ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	header := http.Header{}
	if s.m.opts.Credentials != nil {
		if token := s.m.opts.Credentials.Current().Token; token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := s.m.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if s.ep.Hello != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.ep.Hello); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send hello: %w", err)
		}
		conn.SetWriteDeadline(time.Time{})
	}

	return conn, nil
}

// serve pumps one connection until it fails or the stream is closed. It
// returns true when the stream was closed on purpose.
func (s *stream) serve(conn *websocket.Conn) bool {
	readDone := make(chan error, 1)
	go func() {
		readDone <- s.readLoop(conn)
	}()

	ping := time.NewTicker(s.m.opts.Keepalive)
	defer ping.Stop()

	for {
		select {
		case err := <-readDone:
			conn.Close()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.logger.Info("server closed push stream", "code", closeErr.Code, "reason", closeErr.Text)
			} else {
				s.logger.Debug("push read failed", "error", err)
			}
			return false

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				conn.Close()
				<-readDone
				return false
			}

		case <-s.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("close frame not sent", "error", err)
			}
			// give the server a moment to echo the close frame
			select {
			case <-readDone:
				conn.Close()
			case <-time.After(closeGrace):
				conn.Close()
				<-readDone
			}
			s.logger.Info("push stream closed")
			return true
		}
	}
}

func (s *stream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *stream) dispatch(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownEvent) {
			reason = "unknown_type"
		}
		s.m.opts.Metrics.RecordDropped(s.key, reason)
		s.logger.Warn("dropping push frame", "reason", reason, "error", err)
		return
	}
	s.m.opts.Metrics.RecordEvent(s.key, string(ev.Type))

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, h := range s.handles {
		s.safeCall(func() { h.handler.HandleEvent(ev) })
	}
}

func (s *stream) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("push handler panicked", "panic", r)
		}
	}()
	fn()
}
