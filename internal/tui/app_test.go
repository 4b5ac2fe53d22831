package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/presence"
)

type fakeRuntime struct {
	mu        sync.Mutex
	online    presence.Set
	list      []models.Notification
	push      bool
	pres      bool
	markedIDs []string
	markAll   int
	refreshes int
	err       error
}

func (f *fakeRuntime) UserID() string { return "42" }

func (f *fakeRuntime) Online() presence.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeRuntime) Notifications() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.list...)
}

func (f *fakeRuntime) Counts() models.Counts {
	return models.CountUnread(f.Notifications())
}

func (f *fakeRuntime) PushConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.push
}

func (f *fakeRuntime) PresenceConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pres
}

func (f *fakeRuntime) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedIDs = append(f.markedIDs, id)
	for i := range f.list {
		if f.list[i].ID == id {
			f.list[i].IsRead = true
		}
	}
	return f.err
}

func (f *fakeRuntime) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAll++
	for i := range f.list {
		f.list[i].IsRead = true
	}
	return f.err
}

func (f *fakeRuntime) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.err
}

func newFakeRuntime() *fakeRuntime {
	now := time.Now()
	return &fakeRuntime{
		online: presence.NewSet("7", "8"),
		list: []models.Notification{
			{ID: "n3", Kind: models.KindTaskReview, Title: "Review PR", CreatedAt: now},
			{ID: "n2", Kind: models.KindTaskAssigned, Title: "Fix login", CreatedAt: now.Add(-time.Hour)},
			{ID: "n1", Kind: models.KindMessage, Title: "Hi", IsRead: true, CreatedAt: now.Add(-48 * time.Hour)},
		},
		push: true,
		pres: true,
	}
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// exec runs cmd and feeds its message back, as the program loop would
func exec(t *testing.T, a *App, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		t.Fatal("Expected a command")
	}
	a.Update(cmd())
}

func TestApp_ViewShowsState(t *testing.T) {
	a := NewApp(newFakeRuntime())
	view := a.View()

	for _, want := range []string{"pulse", "2 unread", "Online (2)", "7, 8", "Review PR", "Fix login", "user 42", "presence live", "Notifications"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q:\n%s", want, view)
		}
	}
}

func TestApp_MarkReadUnderCursor(t *testing.T) {
	rt := newFakeRuntime()
	a := NewApp(rt)

	a.Update(keyMsg("j"))
	_, cmd := a.Update(keyMsg("enter"))
	exec(t, a, cmd)

	if len(rt.markedIDs) != 1 || rt.markedIDs[0] != "n2" {
		t.Errorf("Expected n2 marked, got %v", rt.markedIDs)
	}
	if a.counts.Total != 1 {
		t.Errorf("Expected 1 unread after reload, got %d", a.counts.Total)
	}

	// already read: no action
	a.Update(keyMsg("down"))
	if _, cmd := a.Update(keyMsg("enter")); cmd != nil {
		t.Error("Marking a read notification should do nothing")
	}
}

func TestApp_MarkAllAndRefresh(t *testing.T) {
	rt := newFakeRuntime()
	a := NewApp(rt)

	_, cmd := a.Update(keyMsg("a"))
	if a.counts.Total != 2 {
		t.Fatalf("Counts should only change after reload")
	}
	exec(t, a, cmd)
	if rt.markAll != 1 || a.counts.Total != 0 {
		t.Errorf("Mark all: calls %d, unread %d", rt.markAll, a.counts.Total)
	}

	_, cmd = a.Update(keyMsg("r"))
	exec(t, a, cmd)
	if rt.refreshes != 1 {
		t.Errorf("Expected one refresh, got %d", rt.refreshes)
	}
	if !strings.Contains(a.View(), "Refresh done") {
		t.Errorf("Expected toast in view:\n%s", a.View())
	}
}

func TestApp_ActionFailureToast(t *testing.T) {
	rt := newFakeRuntime()
	rt.err = errors.New("backend down")
	a := NewApp(rt)

	_, cmd := a.Update(keyMsg("r"))
	exec(t, a, cmd)

	if !strings.Contains(a.View(), "Refresh failed: backend down") {
		t.Errorf("Expected failure toast:\n%s", a.View())
	}
}

func TestApp_PushEvents(t *testing.T) {
	rt := newFakeRuntime()
	a := NewApp(rt)

	a.Update(PresenceMsg{Online: presence.NewSet("9")})
	if !strings.Contains(a.View(), "Online (1)") {
		t.Errorf("Presence update not rendered:\n%s", a.View())
	}

	n := models.Notification{ID: "n4", Kind: models.KindTaskCompleted, Title: "Shipped", SenderName: "Ana"}
	rt.mu.Lock()
	rt.list = append([]models.Notification{n}, rt.list...)
	rt.mu.Unlock()
	a.Update(NotificationMsg{Notification: n})

	view := a.View()
	if !strings.Contains(view, "New: Ana: Shipped") || !strings.Contains(view, "3 unread") {
		t.Errorf("Notification not rendered:\n%s", view)
	}
}

func TestApp_TickPulsesWhileDisconnected(t *testing.T) {
	rt := newFakeRuntime()
	rt.push = false
	rt.pres = false
	a := NewApp(rt)

	first := a.statusDot()
	_, cmd := a.Update(TickMsg{Time: time.Now()})
	if cmd == nil {
		t.Error("Tick should schedule the next tick")
	}
	if a.statusDot() == first {
		t.Error("Status dot should alternate while push is down")
	}
	if !strings.Contains(a.View(), "reconnecting") || !strings.Contains(a.View(), "presence polling") {
		t.Errorf("Expected degraded status:\n%s", a.View())
	}
}

func TestApp_Quit(t *testing.T) {
	a := NewApp(newFakeRuntime())
	_, cmd := a.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
	if a.View() != "" {
		t.Error("View should be empty after quitting")
	}
}

func TestFeed_ForwardsAndStops(t *testing.T) {
	got := make(chan tea.Msg, 4)
	f := NewFeed(func(m tea.Msg) { got <- m })

	f.Presence(presence.NewSet("1"))
	f.Notification(models.Notification{ID: "n1"})

	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			switch m.(type) {
			case PresenceMsg, NotificationMsg:
			default:
				t.Errorf("Unexpected message %T", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for forwarded message")
		}
	}

	f.Close()
	f.Close()
	f.Presence(presence.NewSet("2"))
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-72 * time.Hour), "Mar 7"},
	}
	for _, tt := range tests {
		if got := relativeTime(tt.at, now); got != tt.want {
			t.Errorf("relativeTime(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}
