package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/metrics"
	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/poller"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/transport"
)

var (
	// ErrNotificationNotFound is returned when marking an unknown id
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrNoSession is returned by Start without a usable identity
	ErrNoSession = session.ErrNoSession
)

// DefaultPendingTTL is how long a local mark-read is re-asserted over the
// backend's answer before backend truth wins again
const DefaultPendingTTL = 10 * time.Minute

// API is the backend surface the store needs; *backend.Client satisfies it
type API interface {
	ListNotifications(ctx context.Context, userID string) ([]json.RawMessage, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// Opener opens push streams; *transport.Manager satisfies it
type Opener interface {
	Open(key string, ep transport.Endpoint, h transport.Handler) (*transport.Handle, error)
}

// Config wires a Store
type Config struct {
	API        API
	Session    session.Source
	Transport  Opener
	WSBase     string         // push base URL, e.g. ws://host/ws
	Refresh    poller.Trigger // zero disables the refresh poller
	PendingTTL time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Draft is a locally created notification
type Draft struct {
	Kind       models.Kind
	Title      string
	Message    string
	ProjectID  string
	TaskID     string
	SenderID   string
	SenderName string
}

// Store holds the deduplicated notification list of one session. Push
// arrivals and user actions both go through its mutex.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	list []models.Notification // newest first
	ids  map[string]struct{}

	// ids marked read locally that no snapshot has reported read yet. The
	// value is true once the backend accepted the update; false entries are
	// retried on the next Load or Sync.
	pending *cache.Cache

	watchMu  sync.Mutex
	watchers map[uint64]func(models.Notification)
	nextID   uint64

	lifecycleMu sync.Mutex
	started     bool
	handle      *transport.Handle
	refresh     *poller.Poller
	connected   atomic.Bool
}

// NewStore creates an empty store
func NewStore(cfg Config) *Store {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		cfg:      cfg,
		logger:   logging.WithComponent(cfg.Logger, "notifications"),
		ids:      make(map[string]struct{}),
		pending:  cache.New(cfg.PendingTTL, cfg.PendingTTL),
		watchers: make(map[uint64]func(models.Notification)),
	}
	if cfg.Refresh != (poller.Trigger{}) {
		s.refresh = poller.New("notifications", cfg.Refresh, s.Sync, poller.Options{
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
	}
	return s
}

func (s *Store) userID() string {
	if s.cfg.Session == nil {
		return ""
	}
	return s.cfg.Session.Current().UserID
}

// StreamKey is the transport key of the user's notification stream
func StreamKey(userID string) string {
	return "notifications:" + userID
}

// Start loads the initial snapshot, opens the user's push stream and starts
// the refresh poller. Backend or push failures degrade to polling and are
// only logged.
func (s *Store) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return nil
	}
	identity := session.Identity{}
	if s.cfg.Session != nil {
		identity = s.cfg.Session.Current()
	}
	if !identity.Valid() {
		return ErrNoSession
	}

	if _, err := s.Load(ctx); err != nil {
		s.logger.Warn("initial notification load failed", "error", err)
	}

	if s.cfg.Transport != nil && s.cfg.WSBase != "" {
		endpoint := strings.TrimSuffix(s.cfg.WSBase, "/") + "/notifications/" + url.PathEscape(identity.UserID) + "/"
		handle, err := s.cfg.Transport.Open(StreamKey(identity.UserID), transport.Endpoint{URL: endpoint}, transport.HandlerFuncs{
			OnEvent: s.handleEvent,
			OnState: func(st transport.State) { s.connected.Store(st == transport.StateConnected) },
		})
		if err != nil {
			s.logger.Warn("notification stream unavailable", "error", err)
		} else {
			s.handle = handle
		}
	}

	if s.refresh != nil {
		if err := s.refresh.Start(); err != nil {
			s.logger.Error("failed to start notification refresh", "error", err)
		}
	}

	s.started = true
	logging.WithUser(s.logger, identity.UserID).Info("notification store started")
	return nil
}

// Stop closes the push stream and the refresh poller. The list is kept.
func (s *Store) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return
	}
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	s.connected.Store(false)
	if s.refresh != nil {
		if err := s.refresh.Stop(); err != nil {
			s.logger.Warn("failed to stop notification refresh", "error", err)
		}
	}
	s.started = false
	s.logger.Info("notification store stopped")
}

// Connected reports whether the push stream is up
func (s *Store) Connected() bool {
	return s.connected.Load()
}

func (s *Store) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventNewNotification:
		s.HandlePushEvent(ev.Notification)
	case transport.EventConnectionEstablished:
		s.logger.Debug("notification stream established", "message", ev.Message)
	default:
		s.logger.Debug("ignoring event on notification stream", "type", ev.Type)
	}
}

// Load fetches the full snapshot and replaces local state with it
func (s *Store) Load(ctx context.Context) ([]models.Notification, error) {
	fetched, backendRead, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	added := 0
	ids := make(map[string]struct{}, len(fetched))
	for i, n := range fetched {
		ids[n.ID] = struct{}{}
		if _, known := s.ids[n.ID]; !known {
			added++
		}
		s.applyPendingLocked(&fetched[i])
	}
	s.list = fetched
	s.ids = ids
	out := s.copyLocked()
	s.mu.Unlock()

	s.recordSnapshot(added)
	s.retryPending(ctx, backendRead)
	return out, nil
}

// Sync fetches the snapshot and merges it: snapshot entries update or insert,
// local-only entries are kept, the result is ordered newest first.
func (s *Store) Sync(ctx context.Context) error {
	fetched, backendRead, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	added := 0
	byID := make(map[string]int, len(s.list))
	for i, n := range s.list {
		byID[n.ID] = i
	}
	merged := make([]models.Notification, len(s.list))
	copy(merged, s.list)
	for _, n := range fetched {
		s.applyPendingLocked(&n)
		if i, ok := byID[n.ID]; ok {
			merged[i] = n
			continue
		}
		byID[n.ID] = len(merged)
		merged = append(merged, n)
		s.ids[n.ID] = struct{}{}
		added++
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	s.list = merged
	s.mu.Unlock()

	s.recordSnapshot(added)
	s.retryPending(ctx, backendRead)
	return nil
}

// fetch returns the deduplicated snapshot and the ids the backend itself
// reports as read
func (s *Store) fetch(ctx context.Context) ([]models.Notification, map[string]struct{}, error) {
	userID := s.userID()
	raws, err := s.cfg.API.ListNotifications(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load notifications: %w", err)
	}

	now := s.cfg.Now()
	backendRead := make(map[string]struct{})
	seen := make(map[string]struct{}, len(raws))
	out := make([]models.Notification, 0, len(raws))
	for _, raw := range raws {
		n, err := normalizeSnapshot(raw, userID, now)
		if err != nil {
			s.logger.Warn("skipping notification record", "error", err)
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		if n.IsRead {
			backendRead[n.ID] = struct{}{}
		}
		out = append(out, n)
	}
	return out, backendRead, nil
}

// applyPendingLocked keeps a local mark-read over a snapshot that predates
// it. Must be called with s.mu held, the same lock MarkRead records under.
func (s *Store) applyPendingLocked(n *models.Notification) {
	if n.IsRead {
		return
	}
	if _, ok := s.pending.Get(n.ID); ok {
		n.IsRead = true
	}
}

func (s *Store) recordSnapshot(added int) {
	if added > 0 {
		s.cfg.Metrics.RecordNotifications("snapshot", added)
	}
}

// retryPending drops ids the backend now reports as read and re-sends
// mark-read for the ones it never accepted.
func (s *Store) retryPending(ctx context.Context, backendRead map[string]struct{}) {
	if s.pending.ItemCount() == 0 {
		return
	}
	for id, item := range s.pending.Items() {
		if _, done := backendRead[id]; done {
			s.pending.Delete(id)
			continue
		}
		if accepted, _ := item.Object.(bool); accepted {
			continue
		}
		if err := s.cfg.API.MarkRead(ctx, id); err != nil {
			s.logger.Warn("mark-read retry failed", "id", id, "error", err)
			continue
		}
		s.pending.SetDefault(id, true)
		s.logger.Debug("mark-read reconciled", "id", id)
	}
}

// HandlePushEvent normalizes a pushed notification and prepends it unless its
// id is already present. It reports whether the notification was new; only
// new arrivals reach watchers.
func (s *Store) HandlePushEvent(raw json.RawMessage) (models.Notification, bool) {
	n, err := normalizePush(raw, s.userID(), s.cfg.Now())
	if err != nil {
		s.logger.Warn("dropping pushed notification", "error", err)
		return models.Notification{}, false
	}

	s.mu.Lock()
	if _, exists := s.ids[n.ID]; exists {
		s.mu.Unlock()
		s.logger.Debug("duplicate notification ignored", "id", n.ID)
		return n, false
	}
	s.prependLocked(n)
	s.mu.Unlock()

	s.cfg.Metrics.RecordNotification("push")
	s.notify(n)
	return n, true
}

// Add inserts a local-only notification with a temporary id. Watchers are not
// notified.
func (s *Store) Add(d Draft) models.Notification {
	n := models.Notification{
		ID:          newTempID(),
		Kind:        d.Kind,
		Title:       d.Title,
		Message:     d.Message,
		RecipientID: s.userID(),
		ProjectID:   d.ProjectID,
		TaskID:      d.TaskID,
		SenderID:    d.SenderID,
		SenderName:  d.SenderName,
		CreatedAt:   s.cfg.Now(),
	}
	if n.Kind == "" {
		n.Kind = models.KindMessage
	}
	if n.Title == "" {
		n.Title = defaultTitle
	}

	s.mu.Lock()
	s.prependLocked(n)
	s.mu.Unlock()

	s.cfg.Metrics.RecordNotification("local")
	return n
}

func (s *Store) prependLocked(n models.Notification) {
	s.list = append([]models.Notification{n}, s.list...)
	s.ids[n.ID] = struct{}{}
}

// MarkRead flips the notification to read locally, then tells the backend.
// The local flip is never rolled back: the id stays pending until a snapshot
// reports it read, and is re-sent on the next Load or Sync if the backend
// call failed.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.list {
		if s.list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotificationNotFound
	}
	wasRead := s.list[idx].IsRead
	s.list[idx].IsRead = true
	if isTemp(id) {
		s.mu.Unlock()
		return nil
	}
	if wasRead {
		v, pending := s.pending.Get(id)
		if accepted, _ := v.(bool); !pending || accepted {
			s.mu.Unlock()
			return nil
		}
	} else {
		s.pending.SetDefault(id, false)
	}
	s.mu.Unlock()

	if err := s.cfg.API.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", id, err)
	}
	s.pending.SetDefault(id, true)
	return nil
}

// MarkAllRead flips every notification to read, then issues one backend bulk
// update.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	var flipped []string
	for i := range s.list {
		if !s.list[i].IsRead && !isTemp(s.list[i].ID) {
			flipped = append(flipped, s.list[i].ID)
			s.pending.SetDefault(s.list[i].ID, false)
		}
		s.list[i].IsRead = true
	}
	s.mu.Unlock()

	if err := s.cfg.API.MarkAllRead(ctx, s.userID()); err != nil {
		return fmt.Errorf("failed to mark all read: %w", err)
	}
	for _, id := range flipped {
		s.pending.SetDefault(id, true)
	}
	return nil
}

// Counts derives the unread counts from the current list
func (s *Store) Counts() models.Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CountUnread(s.list)
}

// Unread is the total unread count
func (s *Store) Unread() int {
	return s.Counts().Total
}

// Notifications returns a copy of the list, newest first
func (s *Store) Notifications() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Get returns the notification with id
func (s *Store) Get(id string) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.list {
		if n.ID == id {
			return n, true
		}
	}
	return models.Notification{}, false
}

// Pending returns the ids whose mark-read has not reached the backend yet
func (s *Store) Pending() []string {
	items := s.pending.Items()
	out := make([]string, 0, len(items))
	for id, item := range items {
		if accepted, _ := item.Object.(bool); !accepted {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) copyLocked() []models.Notification {
	out := make([]models.Notification, len(s.list))
	copy(out, s.list)
	return out
}

// Watch registers fn for genuinely new push arrivals. fn runs outside the
// store lock but must not call the returned cancel.
func (s *Store) Watch(fn func(models.Notification)) (cancel func()) {
	s.watchMu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store) notify(n models.Notification) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, fn := range s.watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("notification watcher panicked", "panic", r)
				}
			}()
			fn(n)
		}()
	}
}
