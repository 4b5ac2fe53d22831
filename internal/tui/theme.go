package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// ClaraVerse design system colors
var (
	ColorSurface = lipgloss.Color("#161616")
	ColorBorder  = lipgloss.Color("#2a2a2a")

	ColorAccent    = lipgloss.Color("#e91e63")
	ColorAccentDim = lipgloss.Color("#880e4f")

	ColorSuccess = lipgloss.Color("#30d158")
	ColorWarning = lipgloss.Color("#ffd60a")
	ColorError   = lipgloss.Color("#ff453a")
	ColorInfo    = lipgloss.Color("#64d2ff")

	ColorTextPrimary   = lipgloss.Color("#ffffff")
	ColorTextSecondary = lipgloss.Color("#d0d0d0")
	ColorTextMuted     = lipgloss.Color("#808080")
)

// Theme contains all styled components
type Theme struct {
	HeaderContainer lipgloss.Style
	Logo            lipgloss.Style
	DotLive         lipgloss.Style
	DotPulse        lipgloss.Style
	DotDim          lipgloss.Style
	User            lipgloss.Style

	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Muted lipgloss.Style

	Badge lipgloss.Style

	ListItem       lipgloss.Style
	ListItemUnread lipgloss.Style
	ListCursor     lipgloss.Style

	KindAssigned  lipgloss.Style
	KindReview    lipgloss.Style
	KindMessage   lipgloss.Style
	KindCompleted lipgloss.Style

	ToastInfo  lipgloss.Style
	ToastError lipgloss.Style
}

// NewTheme creates the ClaraVerse themed styles
func NewTheme() *Theme {
	t := &Theme{}

	t.HeaderContainer = lipgloss.NewStyle().
		Background(ColorSurface).
		Padding(0, 2).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorBorder)

	t.Logo = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorTextPrimary)

	t.DotLive = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	t.DotPulse = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	t.DotDim = lipgloss.NewStyle().Foreground(ColorAccentDim)

	t.User = lipgloss.NewStyle().Foreground(ColorTextSecondary)

	t.Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent).
		MarginBottom(1)

	t.Label = lipgloss.NewStyle().Foreground(ColorTextMuted)
	t.Value = lipgloss.NewStyle().Foreground(ColorTextPrimary).Bold(true)
	t.Muted = lipgloss.NewStyle().Foreground(ColorTextMuted)

	t.Badge = lipgloss.NewStyle().
		Background(ColorAccent).
		Foreground(ColorTextPrimary).
		Bold(true).
		Padding(0, 1)

	t.ListItem = lipgloss.NewStyle().Foreground(ColorTextMuted)
	t.ListItemUnread = lipgloss.NewStyle().Foreground(ColorTextPrimary).Bold(true)
	t.ListCursor = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)

	t.KindAssigned = lipgloss.NewStyle().Foreground(ColorInfo)
	t.KindReview = lipgloss.NewStyle().Foreground(ColorWarning)
	t.KindMessage = lipgloss.NewStyle().Foreground(ColorTextSecondary)
	t.KindCompleted = lipgloss.NewStyle().Foreground(ColorSuccess)

	t.ToastInfo = lipgloss.NewStyle().Foreground(ColorInfo)
	t.ToastError = lipgloss.NewStyle().Foreground(ColorError)

	return t
}
