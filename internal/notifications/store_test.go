package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claraverse/pulse/internal/backend"
	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/poller"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/testutil"
	"github.com/claraverse/pulse/internal/transport"
)

const waitTimeout = 3 * time.Second

var testSession = session.Static{UserID: "42", Token: "tok"}

func newTestStore(t *testing.T, cfg Config) (*Store, *testutil.Backend) {
	t.Helper()
	fake := testutil.NewBackend(t)
	cfg.API = backend.NewClient(fake.APIURL(), testSession)
	cfg.Session = testSession
	cfg.Logger = logging.Discard()
	s := NewStore(cfg)
	t.Cleanup(s.Stop)
	return s, fake
}

func push(t *testing.T, s *Store, v map[string]interface{}) (models.Notification, bool) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return s.HandlePushEvent(raw)
}

func wireRecord(id, kind string, read bool, created string) map[string]interface{} {
	return map[string]interface{}{
		"id": id, "type": kind, "title": "T " + id, "message": "m", "userId": "42",
		"isRead": read, "createdAt": created,
	}
}

func TestStore_NewNotificationWhileOnline(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	n, isNew := push(t, s, map[string]interface{}{"id": "n1", "type": "task_assigned", "title": "T", "recipientId": "42"})
	if !isNew || n.ID != "n1" {
		t.Fatalf("Expected new notification n1, got %+v (new=%v)", n, isNew)
	}

	c := s.Counts()
	if c.Total != 1 || c.TaskAssigned != 1 {
		t.Errorf("Expected total 1 and taskAssigned 1, got %+v", c)
	}
}

func TestStore_DuplicateSuppression(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	var mu sync.Mutex
	var alerts []string
	cancel := s.Watch(func(n models.Notification) {
		mu.Lock()
		alerts = append(alerts, n.ID)
		mu.Unlock()
	})
	defer cancel()

	event := map[string]interface{}{"id": "n1", "type": "task_assigned", "title": "T", "recipientId": "42"}
	push(t, s, event)
	if _, isNew := push(t, s, event); isNew {
		t.Error("Second delivery must not be new")
	}

	if got := len(s.Notifications()); got != 1 {
		t.Errorf("Expected 1 notification, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Errorf("Expected exactly one alert, got %v", alerts)
	}
}

func TestStore_MarkAllRead(t *testing.T) {
	s, fake := newTestStore(t, Config{})
	fake.SetNotifications(
		wireRecord("1", "task_assigned", false, "2024-05-01T10:00:00Z"),
		wireRecord("2", "message", false, "2024-05-01T09:00:00Z"),
		wireRecord("3", "task_review", false, "2024-05-01T08:00:00Z"),
	)
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Counts().Total != 3 {
		t.Fatalf("Expected 3 unread, got %d", s.Counts().Total)
	}

	if err := s.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("MarkAllRead failed: %v", err)
	}
	if s.Counts().Total != 0 {
		t.Errorf("Expected 0 unread, got %+v", s.Counts())
	}
	for _, n := range s.Notifications() {
		if !n.IsRead {
			t.Errorf("Notification %s still unread", n.ID)
		}
	}
	if fake.MarkAllCalls() != 1 {
		t.Errorf("Expected one bulk backend call, got %d", fake.MarkAllCalls())
	}
}

func TestStore_MarkReadIsIdempotent(t *testing.T) {
	s, fake := newTestStore(t, Config{})
	fake.SetNotifications(
		wireRecord("1", "message", false, "2024-05-01T10:00:00Z"),
		wireRecord("2", "message", false, "2024-05-01T09:00:00Z"),
	)
	s.Load(context.Background())

	if err := s.MarkRead(context.Background(), "1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	once := s.Notifications()
	if err := s.MarkRead(context.Background(), "1"); err != nil {
		t.Fatalf("Second MarkRead failed: %v", err)
	}
	twice := s.Notifications()

	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("State differs after second MarkRead: %+v vs %+v", once[i], twice[i])
		}
	}
	if c := s.Counts(); c.Total != 1 || c.Messages != 1 {
		t.Errorf("Unexpected counts %+v", c)
	}
	if calls := fake.MarkReadCalls(); len(calls) != 1 {
		t.Errorf("Expected one backend call, got %v", calls)
	}

	if err := s.MarkRead(context.Background(), "missing"); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("Expected ErrNotificationNotFound, got %v", err)
	}
}

func TestStore_DedupAcrossLoadAndPush(t *testing.T) {
	s, fake := newTestStore(t, Config{})
	fake.SetNotifications(
		wireRecord("n2", "message", false, "2024-05-01T10:00:00Z"),
		wireRecord("n1", "message", true, "2024-05-01T09:00:00Z"),
		wireRecord("n1", "message", true, "2024-05-01T09:00:00Z"),
	)

	list, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected duplicate snapshot rows to collapse, got %d", len(list))
	}

	if _, isNew := push(t, s, map[string]interface{}{"id": "n2", "title": "again"}); isNew {
		t.Error("Push of a loaded id must be ignored")
	}
	if _, isNew := push(t, s, map[string]interface{}{"id": "n3", "type": "task_completed"}); !isNew {
		t.Error("Expected n3 to be new")
	}

	got := s.Notifications()
	ids := make([]string, len(got))
	for i, n := range got {
		ids[i] = n.ID
	}
	if strings.Join(ids, ",") != "n3,n2,n1" {
		t.Errorf("Expected n3,n2,n1, got %v", ids)
	}
	if n, _ := s.Get("n2"); n.Title != "T n2" {
		t.Errorf("Duplicate push must not overwrite fields, got title %q", n.Title)
	}
}

func TestStore_LoadReplacesSyncMerges(t *testing.T) {
	s, fake := newTestStore(t, Config{})
	fake.SetNotifications(wireRecord("a", "message", false, "2024-05-01T08:00:00Z"))
	s.Load(context.Background())

	local := s.Add(Draft{Kind: models.KindMessage, Title: "local"})
	push(t, s, map[string]interface{}{"id": "p", "createdAt": "2024-05-01T09:00:00Z"})

	fake.SetNotifications(
		wireRecord("a", "message", true, "2024-05-01T08:00:00Z"),
		wireRecord("b", "task_review", false, "2024-05-01T10:00:00Z"),
	)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got := s.Notifications()
	if len(got) != 4 {
		t.Fatalf("Expected snapshot plus local-only entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Errorf("Sync result not newest first at %d", i)
		}
	}
	if n, ok := s.Get("a"); !ok || !n.IsRead {
		t.Error("Snapshot update for a not applied")
	}
	if _, ok := s.Get(local.ID); !ok {
		t.Error("Local-only entry dropped by Sync")
	}

	// Load replaces entirely
	list, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected Load to replace the list, got %d entries", len(list))
	}
}

func TestStore_FailedMarkReadIsReconciled(t *testing.T) {
	s, fake := newTestStore(t, Config{})
	fake.SetNotifications(wireRecord("1", "message", false, "2024-05-01T10:00:00Z"))
	s.Load(context.Background())

	fake.FailWrites(http.StatusInternalServerError)
	if err := s.MarkRead(context.Background(), "1"); err == nil {
		t.Fatal("Expected backend failure to be reported")
	}
	if n, _ := s.Get("1"); !n.IsRead {
		t.Fatal("Optimistic flip must not be rolled back")
	}
	if p := s.Pending(); len(p) != 1 || p[0] != "1" {
		t.Fatalf("Expected 1 to be pending, got %v", p)
	}

	// backend still says unread, local stays read
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n, _ := s.Get("1"); !n.IsRead {
		t.Error("Pending read lost on reload")
	}
	if s.Counts().Total != 0 {
		t.Errorf("Expected 0 unread, got %d", s.Counts().Total)
	}

	fake.FailWrites(0)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if calls := fake.MarkReadCalls(); len(calls) != 1 || calls[0] != "1" {
		t.Errorf("Expected mark-read retry for 1, got %v", calls)
	}
	if p := s.Pending(); len(p) != 0 {
		t.Errorf("Expected nothing pending, got %v", p)
	}
}

func TestStore_PendingExpires(t *testing.T) {
	s, fake := newTestStore(t, Config{PendingTTL: 20 * time.Millisecond})
	fake.SetNotifications(wireRecord("1", "message", false, "2024-05-01T10:00:00Z"))
	s.Load(context.Background())

	fake.FailWrites(http.StatusBadGateway)
	s.MarkRead(context.Background(), "1")
	time.Sleep(50 * time.Millisecond)

	// backend truth wins once the pending entry expired
	s.Load(context.Background())
	if n, _ := s.Get("1"); n.IsRead {
		t.Error("Expected backend state after pending expiry")
	}
}

func TestStore_AddIsLocalAndSilent(t *testing.T) {
	s, fake := newTestStore(t, Config{})

	alerted := false
	cancel := s.Watch(func(models.Notification) { alerted = true })
	defer cancel()

	n := s.Add(Draft{Title: "hello"})
	if !strings.HasPrefix(n.ID, "temp-") || n.Kind != models.KindMessage || n.RecipientID != "42" {
		t.Errorf("Unexpected local notification %+v", n)
	}
	if alerted {
		t.Error("Local notifications must not alert")
	}

	if err := s.MarkRead(context.Background(), n.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(fake.MarkReadCalls()) != 0 {
		t.Error("Temp ids must never reach the backend")
	}
}

func TestStore_StartStreamsAndStops(t *testing.T) {
	fake := testutil.NewBackend(t)
	fake.SetNotifications(wireRecord("old", "message", true, "2024-05-01T10:00:00Z"))

	tm := transport.NewManager(transport.Options{
		Credentials: testSession,
		BaseDelay:   10 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	defer tm.Close()

	s := NewStore(Config{
		API:       backend.NewClient(fake.APIURL(), testSession),
		Session:   testSession,
		Transport: tm,
		WSBase:    fake.WSURL(),
		Logger:    logging.Discard(),
	})

	arrivals := make(chan models.Notification, 4)
	cancel := s.Watch(func(n models.Notification) { arrivals <- n })
	defer cancel()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(s.Notifications()) != 1 {
		t.Fatalf("Expected initial snapshot to be loaded")
	}

	path := "/ws/notifications/42/"
	testutil.WaitFor(t, waitTimeout, func() bool { return s.Connected() && fake.Conns(path) == 1 }, "notification stream connected")

	fake.Broadcast(path, map[string]interface{}{"type": "connection_established", "message": "hi"})
	fake.Broadcast(path, map[string]interface{}{
		"type":         "new_notification",
		"notification": map[string]interface{}{"id": 99, "type": "task_review", "title": "Review please"},
	})

	select {
	case n := <-arrivals:
		if n.ID != "99" || n.Kind != models.KindTaskReview {
			t.Errorf("Unexpected arrival %+v", n)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Pushed notification never arrived")
	}
	if s.Counts().TaskReview != 1 {
		t.Errorf("Expected 1 unread review, got %+v", s.Counts())
	}

	s.Stop()
	select {
	case code := <-fake.Closes():
		if code != 1000 {
			t.Errorf("Expected normal closure, got %d", code)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Notification stream not closed on Stop")
	}
	if s.Connected() {
		t.Error("Expected disconnected after Stop")
	}
}

func TestStore_StartRequiresSession(t *testing.T) {
	s := NewStore(Config{Session: session.Static{}, Logger: logging.Discard()})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestStore_RefreshPollerMergesBackendChanges(t *testing.T) {
	s, fake := newTestStore(t, Config{Refresh: poller.Every(20 * time.Millisecond)})
	fake.SetNotifications(wireRecord("1", "message", false, "2024-05-01T10:00:00Z"))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.SetNotifications(
		wireRecord("1", "message", false, "2024-05-01T10:00:00Z"),
		wireRecord("2", "task_completed", false, "2024-05-01T11:00:00Z"),
	)
	testutil.WaitFor(t, waitTimeout, func() bool { return s.Counts().TaskCompleted == 1 }, "refresh merged new notification")

	// a failing backend never stops the refresh loop
	fake.FailReads(http.StatusServiceUnavailable)
	calls := fake.ListCalls()
	testutil.WaitFor(t, waitTimeout, func() bool { return fake.ListCalls() > calls+2 }, "refresh keeps ticking")
	if len(s.Notifications()) != 2 {
		t.Errorf("Failed refresh must leave state alone, got %d", len(s.Notifications()))
	}
}

// gatedAPI serves a fixed snapshot; while gate is set, ListNotifications
// signals entered and waits for the gate to close before answering.
type gatedAPI struct {
	mu       sync.Mutex
	snapshot []json.RawMessage
	gate     chan struct{}
	entered  chan struct{}
	marked   []string
}

func (a *gatedAPI) ListNotifications(ctx context.Context, userID string) ([]json.RawMessage, error) {
	a.mu.Lock()
	gate, snapshot := a.gate, a.snapshot
	a.mu.Unlock()
	if gate != nil {
		a.entered <- struct{}{}
		<-gate
	}
	return snapshot, nil
}

func (a *gatedAPI) MarkRead(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marked = append(a.marked, id)
	return nil
}

func (a *gatedAPI) MarkAllRead(ctx context.Context, userID string) error {
	return nil
}

func TestStore_MarkReadDuringSyncStaysRead(t *testing.T) {
	raw, _ := json.Marshal(wireRecord("n1", "message", false, "2024-05-01T10:00:00Z"))
	api := &gatedAPI{snapshot: []json.RawMessage{raw}, entered: make(chan struct{}, 1)}
	s := NewStore(Config{API: api, Session: testSession, Logger: logging.Discard()})
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	gate := make(chan struct{})
	api.mu.Lock()
	api.gate = gate
	api.mu.Unlock()

	synced := make(chan error, 1)
	go func() { synced <- s.Sync(context.Background()) }()
	<-api.entered

	// the snapshot being fetched still says unread
	if err := s.MarkRead(context.Background(), "n1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	close(gate)
	if err := <-synced; err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if n, _ := s.Get("n1"); !n.IsRead {
		t.Error("Stale snapshot turned n1 unread again")
	}
	if s.Counts().Total != 0 {
		t.Errorf("Expected 0 unread, got %+v", s.Counts())
	}
	if p := s.Pending(); len(p) != 0 {
		t.Errorf("Accepted mark-read must not be pending retry, got %v", p)
	}

	api.mu.Lock()
	api.gate = nil
	marked := len(api.marked)
	api.mu.Unlock()
	if marked != 1 {
		t.Errorf("Expected one backend mark-read, got %d", marked)
	}

	// once the backend reports it read the local override is dropped
	raw, _ = json.Marshal(wireRecord("n1", "message", true, "2024-05-01T10:00:00Z"))
	api.mu.Lock()
	api.snapshot = []json.RawMessage{raw}
	api.mu.Unlock()
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, held := s.pending.Get("n1"); held {
		t.Error("Expected n1 to leave the pending set once the backend reports it read")
	}
}
