package presence

import (
	"context"
	"testing"
	"time"

	"github.com/claraverse/pulse/internal/backend"
	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/testutil"
	"github.com/claraverse/pulse/internal/transport"
)

const waitTimeout = 3 * time.Second

const presencePath = "/ws/presence/"

func TestSet(t *testing.T) {
	a := NewSet("1", "2", "", "2")
	if a.Len() != 2 || !a.Has("1") || a.Has("") {
		t.Errorf("Unexpected set %v", a.IDs())
	}
	if !a.Equal(NewSet("2", "1")) || a.Equal(NewSet("1")) || a.Equal(NewSet("1", "3")) {
		t.Error("Equal must compare by membership")
	}

	b := a.with("3")
	if a.Has("3") {
		t.Error("with must not mutate the receiver")
	}
	if c := b.without("1"); !c.Equal(NewSet("2", "3")) || !b.Has("1") {
		t.Error("without must return a new set and leave the receiver alone")
	}
	if ids := b.IDs(); ids[0] != "1" || ids[2] != "3" {
		t.Errorf("IDs must be sorted, got %v", ids)
	}
	if (Set{}).Len() != 0 || (Set{}).Has("x") {
		t.Error("Zero set must be empty")
	}
}

func TestMerge_PollReplacesPushSet(t *testing.T) {
	pushed := NewSet("1", "2")
	got := replace(pushed, NewSet("2", "3"))
	if !got.Equal(NewSet("2", "3")) {
		t.Errorf("Expected {2,3}, got %v", got.IDs())
	}

	got = applyDelta(got, transport.Event{Type: transport.EventUserOnline, UserID: "4"})
	got = applyDelta(got, transport.Event{Type: transport.EventUserOffline, UserID: "2"})
	if !got.Equal(NewSet("3", "4")) {
		t.Errorf("Expected {3,4}, got %v", got.IDs())
	}
}

type harness struct {
	fake *testutil.Backend
	tm   *transport.Manager
	agg  *Aggregator
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	fake := testutil.NewBackend(t)
	src := session.Static{UserID: "42", Token: "tok"}
	tm := transport.NewManager(transport.Options{
		Credentials: src,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	t.Cleanup(tm.Close)

	agg := New(Config{
		Transport:    tm,
		Fetcher:      backend.NewClient(fake.APIURL(), src),
		Session:      src,
		Endpoint:     fake.WSURL() + "/presence/",
		PollInterval: interval,
		Logger:       logging.Discard(),
	})
	t.Cleanup(agg.Close)

	return &harness{fake: fake, tm: tm, agg: agg}
}

type sink chan Set

func newSink() sink {
	return make(sink, 64)
}

func (s sink) listener(set Set) {
	s <- set
}

func (s sink) waitFor(t *testing.T, want Set) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case got := <-s:
			if got.Equal(want) {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for set %v", want.IDs())
		}
	}
}

func (s sink) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-s:
		t.Fatalf("Unexpected notification %v", got.IDs())
	case <-time.After(100 * time.Millisecond):
	}
}

func waitJoin(t *testing.T, fake *testutil.Backend) {
	t.Helper()
	select {
	case <-fake.Frames():
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for join frame")
	}
}

func TestAggregator_PollReplacesPushedSet(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.fake.SetOnline("9")

	s := newSink()
	unsubscribe := h.agg.Subscribe(s.listener)
	defer unsubscribe()

	// the immediate first poll
	s.waitFor(t, NewSet("9"))
	waitJoin(t, h.fake)

	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "online_users", "user_ids": []int{1, 2}})
	s.waitFor(t, NewSet("1", "2"))

	h.fake.SetOnline("2", "3")
	if err := h.agg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	s.waitFor(t, NewSet("2", "3"))

	if snap := h.agg.Snapshot(); !snap.Equal(NewSet("2", "3")) {
		t.Errorf("Expected snapshot {2,3}, got %v", snap.IDs())
	}
}

func TestAggregator_FanOutSharesOneConnection(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.fake.SetOnline("5")

	sinks := []sink{newSink(), newSink(), newSink()}
	for _, s := range sinks {
		unsubscribe := h.agg.Subscribe(s.listener)
		defer unsubscribe()
	}

	for _, s := range sinks {
		s.waitFor(t, NewSet("5"))
	}
	waitJoin(t, h.fake)

	if got := h.fake.Accepted(); got != 1 {
		t.Errorf("Expected one shared connection, got %d", got)
	}
	if got := h.fake.OnlineCalls(); got != 1 {
		t.Errorf("Expected one poll loop (one immediate fetch), got %d fetches", got)
	}
	if h.agg.Listeners() != 3 {
		t.Errorf("Expected 3 listeners, got %d", h.agg.Listeners())
	}

	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "user_online", "user_id": 6})
	for _, s := range sinks {
		s.waitFor(t, NewSet("5", "6"))
	}
}

func TestAggregator_NotifiesOnlyOnChange(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.fake.SetOnline("1")

	s := newSink()
	unsubscribe := h.agg.Subscribe(s.listener)
	defer unsubscribe()

	s.waitFor(t, NewSet("1"))
	waitJoin(t, h.fake)

	// same membership, different order and types
	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "online_users", "user_ids": []interface{}{1}})
	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "user_online", "user_id": "1"})
	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "user_offline", "user_id": "77"})
	s.expectQuiet(t)

	h.fake.Broadcast(presencePath, map[string]interface{}{"type": "user_offline", "user_id": "1"})
	s.waitFor(t, NewSet())
}

func TestAggregator_LastUnsubscribeStopsStreamAndPoller(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.fake.SetOnline("1")

	first, second := newSink(), newSink()
	unsubFirst := h.agg.Subscribe(first.listener)
	unsubSecond := h.agg.Subscribe(second.listener)

	second.waitFor(t, NewSet("1"))
	waitJoin(t, h.fake)
	testutil.WaitFor(t, waitTimeout, h.agg.Connected, "presence stream connected")

	unsubFirst()
	unsubFirst()
	if !h.agg.Connected() || h.fake.Conns(presencePath) != 1 {
		t.Fatal("Stream must stay open while a listener remains")
	}

	unsubSecond()
	select {
	case code := <-h.fake.Closes():
		if code != 1000 {
			t.Errorf("Expected normal closure, got %d", code)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Presence stream was not closed")
	}
	if h.agg.Connected() {
		t.Error("Expected disconnected after last unsubscribe")
	}

	calls := h.fake.OnlineCalls()
	time.Sleep(100 * time.Millisecond)
	if got := h.fake.OnlineCalls(); got != calls {
		t.Errorf("Poller kept running after last unsubscribe: %d -> %d", calls, got)
	}

	// drain anything delivered before unsubscribe, then nothing more arrives
	for len(first) > 0 {
		<-first
	}
	h.fake.SetOnline("1", "2")
	if err := h.agg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	first.expectQuiet(t)
}

func TestAggregator_ResubscribeReopens(t *testing.T) {
	h := newHarness(t, time.Hour)

	unsubscribe := h.agg.Subscribe(func(Set) {})
	waitJoin(t, h.fake)
	unsubscribe()

	unsubscribe = h.agg.Subscribe(func(Set) {})
	defer unsubscribe()
	waitJoin(t, h.fake)

	if got := h.fake.Accepted(); got != 2 {
		t.Errorf("Expected a fresh connection after resubscribe, got %d total", got)
	}
}

func TestAggregator_PollingOnlyWhenPushDown(t *testing.T) {
	fake := testutil.NewBackend(t)
	src := session.Static{UserID: "42", Token: "tok"}
	tm := transport.NewManager(transport.Options{
		Credentials: src,
		BaseDelay:   time.Hour,
		Logger:      logging.Discard(),
	})
	defer tm.Close()

	agg := New(Config{
		Transport:    tm,
		Fetcher:      backend.NewClient(fake.APIURL(), src),
		Session:      src,
		Endpoint:     "ws://127.0.0.1:1/ws/presence/",
		PollInterval: 20 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	defer agg.Close()

	s := newSink()
	unsubscribe := agg.Subscribe(s.listener)
	defer unsubscribe()

	fake.SetOnline("3")
	s.waitFor(t, NewSet("3"))
	fake.SetOnline("3", "4")
	s.waitFor(t, NewSet("3", "4"))

	if agg.Connected() {
		t.Error("Push stream cannot be connected to a closed port")
	}
}

func TestAggregator_StatusOf(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.fake.SetOnline("1", "2", "42")

	s := newSink()
	unsubscribe := h.agg.Subscribe(s.listener)
	defer unsubscribe()
	s.waitFor(t, NewSet("1", "2", "42"))

	status := h.agg.StatusOf([]string{"1", "3", "42"}, "42")
	if len(status) != 2 || !status["1"] || status["3"] {
		t.Errorf("Unexpected status map %v", status)
	}
	if _, ok := status["42"]; ok {
		t.Error("Self must be excluded")
	}
	if !h.agg.IsOnline("2") || h.agg.IsOnline("3") {
		t.Error("Unexpected IsOnline answers")
	}
}

func TestAggregator_ListenerPanicDoesNotStopFanOut(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.fake.SetOnline("1")

	unsubPanic := h.agg.Subscribe(func(Set) { panic("bad listener") })
	defer unsubPanic()

	s := newSink()
	unsubscribe := h.agg.Subscribe(s.listener)
	defer unsubscribe()

	s.waitFor(t, NewSet("1"))
}
