package tui

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/presence"
)

// PresenceMsg carries a new online set
type PresenceMsg struct {
	Online presence.Set
}

// NotificationMsg is sent for every new push arrival
type NotificationMsg struct {
	Notification models.Notification
}

// ActionResultMsg reports the outcome of a user action
type ActionResultMsg struct {
	Action string
	Err    error
}

// TickMsg is sent periodically to re-read state and animate the status dot
type TickMsg struct {
	Time time.Time
}

// Feed turns presence and notification callbacks into program messages.
// Callbacks only enqueue; a goroutine does the (blocking) send. The console
// re-reads full state on every tick, so a dropped message only delays the
// update.
type Feed struct {
	send func(tea.Msg)
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once
}

// NewFeed starts forwarding to send, usually (*tea.Program).Send
func NewFeed(send func(tea.Msg)) *Feed {
	f := &Feed{
		send: send,
		ch:   make(chan tea.Msg, 64),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	for {
		select {
		case <-f.done:
			return
		case msg := <-f.ch:
			f.send(msg)
		}
	}
}

func (f *Feed) push(msg tea.Msg) {
	select {
	case <-f.done:
	case f.ch <- msg:
	default:
	}
}

// Presence is a presence listener
func (f *Feed) Presence(s presence.Set) {
	f.push(PresenceMsg{Online: s})
}

// Notification is a notification store watcher
func (f *Feed) Notification(n models.Notification) {
	f.push(NotificationMsg{Notification: n})
}

// Close stops forwarding
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}
