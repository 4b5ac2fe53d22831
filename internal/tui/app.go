package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/presence"
)

// Runtime is what the console reads and acts on
type Runtime interface {
	UserID() string
	Online() presence.Set
	Notifications() []models.Notification
	Counts() models.Counts
	PushConnected() bool
	PresenceConnected() bool

	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Refresh(ctx context.Context) error
}

const (
	tickInterval  = 500 * time.Millisecond
	actionTimeout = 15 * time.Second
	toastDuration = 4 * time.Second
	maxOnlineShow = 12
)

// App is the console model
type App struct {
	rt    Runtime
	theme *Theme
	keys  KeyMap
	help  help.Model

	spinner spinner.Model
	busy    string

	width  int
	height int

	online presence.Set
	list   []models.Notification
	counts models.Counts
	cursor int

	pushUp     bool
	presenceUp bool
	pulse      bool

	toast       string
	toastErr    bool
	toastExpiry time.Time

	quitting bool
}

// NewApp creates the console for rt
func NewApp(rt Runtime) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	a := &App{
		rt:      rt,
		theme:   NewTheme(),
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: s,
	}
	a.reload()
	return a
}

// Init starts the tick and spinner loops
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

func (a *App) reload() {
	a.online = a.rt.Online()
	a.list = a.rt.Notifications()
	a.counts = a.rt.Counts()
	a.pushUp = a.rt.PushConnected()
	a.presenceUp = a.rt.PresenceConnected()
	if a.cursor >= len(a.list) {
		a.cursor = len(a.list) - 1
	}
	if a.cursor < 0 {
		a.cursor = 0
	}
}

func (a *App) setToast(msg string, isErr bool) {
	a.toast = msg
	a.toastErr = isErr
	a.toastExpiry = time.Now().Add(toastDuration)
}

// Update handles messages
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case TickMsg:
		a.reload()
		a.pulse = !a.pulse
		if !a.toastExpiry.IsZero() && msg.Time.After(a.toastExpiry) {
			a.toast = ""
			a.toastExpiry = time.Time{}
		}
		return a, a.tick()

	case PresenceMsg:
		a.online = msg.Online
		return a, nil

	case NotificationMsg:
		a.reload()
		title := msg.Notification.Title
		if msg.Notification.SenderName != "" {
			title = msg.Notification.SenderName + ": " + title
		}
		a.setToast("New: "+title, false)
		return a, nil

	case ActionResultMsg:
		a.busy = ""
		a.reload()
		if msg.Err != nil {
			a.setToast(msg.Action+" failed: "+msg.Err.Error(), true)
		} else {
			a.setToast(msg.Action+" done", false)
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		a.quitting = true
		return a, tea.Quit

	case key.Matches(msg, a.keys.Help):
		a.help.ShowAll = !a.help.ShowAll

	case key.Matches(msg, a.keys.Up):
		if a.cursor > 0 {
			a.cursor--
		}

	case key.Matches(msg, a.keys.Down):
		if a.cursor < len(a.list)-1 {
			a.cursor++
		}

	case key.Matches(msg, a.keys.Read):
		if a.cursor >= len(a.list) {
			return a, nil
		}
		n := a.list[a.cursor]
		if n.IsRead {
			return a, nil
		}
		// optimistic, matching the store
		a.list[a.cursor].IsRead = true
		return a, a.run("Mark read", func(ctx context.Context) error {
			return a.rt.MarkRead(ctx, n.ID)
		})

	case key.Matches(msg, a.keys.ReadAll):
		for i := range a.list {
			a.list[i].IsRead = true
		}
		return a, a.run("Mark all read", a.rt.MarkAllRead)

	case key.Matches(msg, a.keys.Refresh):
		return a, a.run("Refresh", a.rt.Refresh)
	}
	return a, nil
}

func (a *App) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	a.busy = action
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return ActionResultMsg{Action: action, Err: fn(ctx)}
	}
}

// View renders the console
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(a.renderHeader())
	b.WriteString("\n")
	b.WriteString(a.renderCounts())
	b.WriteString("\n")
	b.WriteString(a.renderOnline())
	b.WriteString("\n\n")
	b.WriteString(a.theme.Title.Render("Notifications"))
	b.WriteString("\n")
	b.WriteString(a.renderList())
	b.WriteString("\n")
	if a.toast != "" {
		style := a.theme.ToastInfo
		if a.toastErr {
			style = a.theme.ToastError
		}
		b.WriteString(style.Render(a.toast))
		b.WriteString("\n")
	}
	if a.busy != "" {
		b.WriteString(a.spinner.View() + " " + a.theme.Muted.Render(a.busy+"..."))
		b.WriteString("\n")
	}
	b.WriteString(a.help.View(a.keys))
	return b.String()
}

// the dot pulses while the notification stream is down
func (a *App) statusDot() string {
	if a.pushUp {
		return a.theme.DotLive.Render("●")
	}
	if a.pulse {
		return a.theme.DotPulse.Render("●")
	}
	return a.theme.DotDim.Render("○")
}

func (a *App) renderHeader() string {
	status := "live"
	if !a.pushUp {
		status = "reconnecting"
	}
	pres := "presence live"
	if !a.presenceUp {
		pres = "presence polling"
	}

	line := a.statusDot() + " " + a.theme.Logo.Render("pulse") + "  " +
		a.theme.Muted.Render(status+" · "+pres)
	if user := a.rt.UserID(); user != "" {
		line += "  " + a.theme.User.Render("user "+user)
	}
	return a.theme.HeaderContainer.Render(line)
}

func (a *App) renderCounts() string {
	c := a.counts
	unread := a.theme.Muted.Render("no unread")
	if c.Total > 0 {
		unread = a.theme.Badge.Render(fmt.Sprintf("%d unread", c.Total))
	}
	return unread + "  " + a.theme.Label.Render(fmt.Sprintf(
		"assigned %d · review %d · messages %d · completed %d",
		c.TaskAssigned, c.TaskReview, c.Messages, c.TaskCompleted,
	))
}

func (a *App) renderOnline() string {
	ids := a.online.IDs()
	label := a.theme.Label.Render(fmt.Sprintf("Online (%d): ", len(ids)))
	if len(ids) == 0 {
		return label + a.theme.Muted.Render("nobody")
	}
	shown := ids
	more := ""
	if len(shown) > maxOnlineShow {
		more = fmt.Sprintf(" +%d", len(shown)-maxOnlineShow)
		shown = shown[:maxOnlineShow]
	}
	return label + a.theme.Value.Render(strings.Join(shown, ", ")) + a.theme.Muted.Render(more)
}

func (a *App) kindStyle(k models.Kind) lipgloss.Style {
	switch k {
	case models.KindTaskAssigned:
		return a.theme.KindAssigned
	case models.KindTaskReview:
		return a.theme.KindReview
	case models.KindTaskCompleted:
		return a.theme.KindCompleted
	default:
		return a.theme.KindMessage
	}
}

func (a *App) visibleRows() int {
	if a.height <= 0 {
		return 15
	}
	// header, counts, online, spacing, toast, help
	rows := a.height - 10
	if rows < 3 {
		rows = 3
	}
	return rows
}

func (a *App) renderList() string {
	if len(a.list) == 0 {
		return a.theme.Muted.Render("No notifications")
	}

	rows := a.visibleRows()
	start := 0
	if a.cursor >= rows {
		start = a.cursor - rows + 1
	}
	end := start + rows
	if end > len(a.list) {
		end = len(a.list)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		n := a.list[i]

		cursor := "  "
		if i == a.cursor {
			cursor = a.theme.ListCursor.Render("▸ ")
		}
		style := a.theme.ListItem
		mark := " "
		if !n.IsRead {
			style = a.theme.ListItemUnread
			mark = a.theme.DotPulse.Render("•")
		}

		when := ""
		if !n.CreatedAt.IsZero() {
			when = a.theme.Muted.Render(" " + relativeTime(n.CreatedAt, time.Now()))
		}
		b.WriteString(cursor + mark + " " +
			a.kindStyle(n.Kind).Render(fmt.Sprintf("%-14s", n.Kind)) + " " +
			style.Render(n.Title) + when + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
