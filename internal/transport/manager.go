package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/metrics"
	"github.com/claraverse/pulse/internal/session"
)

var (
	// ErrManagerClosed is returned by Open after Close
	ErrManagerClosed = errors.New("transport manager is closed")
	// ErrUnauthorized marks a handshake rejected with 401/403. It is retried
	// like any other failure since the session may be refreshed meanwhile.
	ErrUnauthorized = errors.New("push handshake rejected")
)

// Handler observes one stream. Callbacks run on the stream's goroutines, one at
// a time and in arrival order. They must not call Handle.Close.
type Handler interface {
	HandleEvent(Event)
	HandleState(State)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnEvent func(Event)
	OnState func(State)
}

// HandleEvent implements Handler
func (f HandlerFuncs) HandleEvent(ev Event) {
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

// HandleState implements Handler
func (f HandlerFuncs) HandleState(s State) {
	if f.OnState != nil {
		f.OnState(s)
	}
}

// Endpoint is where a stream connects. Hello, when set, is written as a JSON
// frame right after every successful handshake.
type Endpoint struct {
	URL   string
	Hello interface{}
}

// Dialer opens websocket connections; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// WaitFunc blocks for d or until ctx is done and reports whether the full
// delay elapsed.
type WaitFunc func(ctx context.Context, d time.Duration) bool

// Options configures a Manager. Zero values get defaults.
type Options struct {
	Credentials session.Source
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Keepalive   time.Duration
	Dialer      Dialer
	Wait        WaitFunc
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Manager owns at most one live push connection per stream key
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// NewManager creates a Manager
func NewManager(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}

	return &Manager{
		opts:    opts,
		logger:  logging.WithComponent(opts.Logger, "transport"),
		streams: make(map[string]*stream),
	}
}

// Open attaches h to the stream for key, starting the stream if none exists.
// Opening an existing key never dials a second connection.
func (m *Manager) Open(key string, ep Endpoint, h Handler) (*Handle, error) {
	if key == "" {
		return nil, errors.New("stream key is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	s, ok := m.streams[key]
	if !ok {
		if ep.URL == "" {
			return nil, errors.New("endpoint URL is required")
		}
		s = newStream(m, key, ep)
		m.streams[key] = s
		go s.run()
	}

	handle := &Handle{stream: s, handler: h}
	s.attach(handle)
	return handle, nil
}

// State returns the state of the stream for key; disconnected when none exists
func (m *Manager) State(key string) State {
	m.mu.Lock()
	s, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return s.State()
}

// Connected reports whether the stream for key is currently connected
func (m *Manager) Connected(key string) bool {
	return m.State(key) == StateConnected
}

// Close shuts down every stream gracefully and waits for them to exit
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	streams := make([]*stream, 0, len(m.streams))
	for key, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, key)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.detachAll()
		s.shutdown()
	}
}

// release is called by Handle.Close
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	s := h.stream
	remaining := s.detach(h)
	if remaining == 0 && m.streams[s.key] == s {
		delete(m.streams, s.key)
	}
	m.mu.Unlock()

	if remaining == 0 {
		s.shutdown()
	}
}

// Handle is one consumer's attachment to a stream
type Handle struct {
	stream  *stream
	handler Handler
	once    sync.Once
}

// Key returns the stream key
func (h *Handle) Key() string {
	return h.stream.key
}

// State returns the current connection state of the stream
func (h *Handle) State() State {
	return h.stream.State()
}

// Connected reports whether the stream is connected
func (h *Handle) Connected() bool {
	return h.stream.State() == StateConnected
}

// Close detaches the handler. No callback reaches it after Close returns. The
// last Close on a stream closes the connection with a normal closure and
// cancels any pending reconnect. Close is idempotent.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.stream.m.release(h)
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
