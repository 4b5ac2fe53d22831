package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/metrics"
	"github.com/claraverse/pulse/internal/poller"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/transport"
)

// StreamKey is the transport key of the shared presence stream
const StreamKey = "presence"

// DefaultPollInterval keeps staleness bounded when push is down
const DefaultPollInterval = time.Second

// Fetcher returns the backend's current online users
type Fetcher interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Opener opens push streams; *transport.Manager satisfies it
type Opener interface {
	Open(key string, ep transport.Endpoint, h transport.Handler) (*transport.Handle, error)
}

// Listener receives the online set each time it changes. It runs while the
// aggregator is publishing and must not call Subscribe or unsubscribe.
type Listener func(Set)

// Config wires an Aggregator
type Config struct {
	Transport    Opener
	Fetcher      Fetcher
	Session      session.Source
	Endpoint     string // presence websocket URL, e.g. ws://host/ws/presence/
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type subscription struct {
	id       uint64
	listener Listener
}

// Aggregator shares one presence stream and one poll loop among any number
// of listeners and owns the online set.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	poller *poller.Poller

	// lifecycleMu guards handle and the start/stop transitions; it is always
	// taken before publishMu
	lifecycleMu sync.Mutex
	handle      *transport.Handle

	// publishMu serializes writers of online and guards listeners
	publishMu sync.Mutex
	listeners []subscription
	nextID    uint64

	online    atomic.Value // Set
	connected atomic.Bool
}

// New creates an idle aggregator; nothing connects until the first Subscribe
func New(cfg Config) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	a := &Aggregator{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "presence"),
	}
	a.online.Store(NewSet())
	a.poller = poller.New(StreamKey, poller.Every(cfg.PollInterval), a.poll, poller.Options{
		Timeout: pollTimeout(cfg.PollInterval),
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	return a
}

// poll ticks are short; a slow backend must not hold a tick much longer
// than the interval itself
func pollTimeout(interval time.Duration) time.Duration {
	if interval < 5*time.Second {
		return 5 * time.Second
	}
	return interval
}

// Subscribe registers l and calls it once with the current set. The first
// subscription opens the shared stream and starts polling; the returned
// function unsubscribes, and the last unsubscribe stops both. After
// unsubscribe returns l is never called again.
func (a *Aggregator) Subscribe(l Listener) (unsubscribe func()) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.publishMu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, subscription{id: id, listener: l})
	count := len(a.listeners)
	a.deliver(l, a.Snapshot())
	a.publishMu.Unlock()

	a.cfg.Metrics.SetListeners(count)
	if count == 1 {
		a.start()
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.unsubscribe(id) })
	}
}

func (a *Aggregator) unsubscribe(id uint64) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.publishMu.Lock()
	for i, sub := range a.listeners {
		if sub.id == id {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			break
		}
	}
	count := len(a.listeners)
	a.publishMu.Unlock()

	a.cfg.Metrics.SetListeners(count)
	if count == 0 {
		a.stop()
	}
}

// Close drops every listener and stops the stream and poller
func (a *Aggregator) Close() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.publishMu.Lock()
	a.listeners = nil
	a.publishMu.Unlock()

	a.cfg.Metrics.SetListeners(0)
	a.stop()
}

// start and stop run under lifecycleMu but never under publishMu, so stream
// and poller goroutines blocked on publishing can drain while we wait for them.
func (a *Aggregator) start() {
	if a.cfg.Transport != nil && a.cfg.Endpoint != "" {
		var hello interface{}
		if a.cfg.Session != nil {
			hello = map[string]string{"type": "join", "user_id": a.cfg.Session.Current().UserID}
		}
		handle, err := a.cfg.Transport.Open(StreamKey, transport.Endpoint{URL: a.cfg.Endpoint, Hello: hello}, transport.HandlerFuncs{
			OnEvent: a.handleEvent,
			OnState: a.handleState,
		})
		if err != nil {
			// polling alone still keeps the set fresh
			a.logger.Warn("presence stream unavailable, polling only", "error", err)
		} else {
			a.handle = handle
		}
	}

	if err := a.poller.Start(); err != nil {
		a.logger.Error("failed to start presence poller", "error", err)
	}
	a.logger.Info("presence started", "poll_interval", a.cfg.PollInterval)
}

func (a *Aggregator) stop() {
	if a.handle != nil {
		a.handle.Close()
		a.handle = nil
	}
	a.connected.Store(false)

	if err := a.poller.Stop(); err != nil {
		a.logger.Warn("failed to stop presence poller", "error", err)
	}
	a.logger.Info("presence stopped")
}

// Snapshot returns the current online set
func (a *Aggregator) Snapshot() Set {
	return a.online.Load().(Set)
}

// IsOnline reports whether userID is in the current set
func (a *Aggregator) IsOnline(userID string) bool {
	return a.Snapshot().Has(userID)
}

// StatusOf maps each of userIDs to its online status, leaving out self
func (a *Aggregator) StatusOf(userIDs []string, self string) map[string]bool {
	snap := a.Snapshot()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || id == self {
			continue
		}
		out[id] = snap.Has(id)
	}
	return out
}

// Connected reports whether the presence push stream is up
func (a *Aggregator) Connected() bool {
	return a.connected.Load()
}

// Listeners is the number of registered listeners
func (a *Aggregator) Listeners() int {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	return len(a.listeners)
}

// Refresh fetches the online users now and replaces the set
func (a *Aggregator) Refresh(ctx context.Context) error {
	return a.poll(ctx)
}

func (a *Aggregator) poll(ctx context.Context) error {
	if a.cfg.Fetcher == nil {
		return errors.New("presence fetcher not configured")
	}
	ids, err := a.cfg.Fetcher.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	a.publish(func(current Set) Set {
		return replace(current, NewSet(ids...))
	})
	return nil
}

func (a *Aggregator) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventOnlineUsers:
		a.publish(func(current Set) Set {
			return replace(current, NewSet(ev.UserIDs...))
		})
	case transport.EventUserOnline, transport.EventUserOffline:
		a.publish(func(current Set) Set {
			return applyDelta(current, ev)
		})
	case transport.EventConnectionEstablished:
		a.logger.Debug("presence stream established", "message", ev.Message)
	default:
		a.logger.Debug("ignoring event on presence stream", "type", ev.Type)
	}
}

func (a *Aggregator) handleState(s transport.State) {
	a.connected.Store(s == transport.StateConnected)
}

// publish applies merge and notifies listeners when membership changed
func (a *Aggregator) publish(merge func(Set) Set) bool {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	current := a.Snapshot()
	next := merge(current)
	if next.Equal(current) {
		return false
	}

	a.online.Store(next)
	a.cfg.Metrics.SetOnlineUsers(next.Len())
	a.logger.Debug("online set changed", "count", next.Len())

	for _, sub := range a.listeners {
		a.deliver(sub.listener, next)
	}
	return true
}

func (a *Aggregator) deliver(l Listener, s Set) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("presence listener panicked", "panic", r)
		}
	}()
	l(s)
}
