package console

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the console palette. Colors are ANSI 256 codes so they
// render on any reasonable terminal.
type Theme struct {
	Banner      lipgloss.Color
	Assistant   lipgloss.Color
	System      lipgloss.Color
	Action      lipgloss.Color
	Alert       lipgloss.Color
	Error       lipgloss.Color
	FaintText   lipgloss.Color
	PromptColor lipgloss.Color
}

// DefaultTheme is the stock palette.
var DefaultTheme = Theme{
	Banner:      lipgloss.Color("51"),
	Assistant:   lipgloss.Color("45"),
	System:      lipgloss.Color("42"),
	Action:      lipgloss.Color("220"),
	Alert:       lipgloss.Color("196"),
	Error:       lipgloss.Color("203"),
	FaintText:   lipgloss.Color("245"),
	PromptColor: lipgloss.Color("255"),
}

// styles are the theme bound to one output's color profile.
type styles struct {
	banner    lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	action    lipgloss.Style
	alert     lipgloss.Style
	err       lipgloss.Style
	faint     lipgloss.Style
	prompt    lipgloss.Style
}

// newStyles renders for w, so piped or captured output gets no escape
// codes.
func newStyles(theme Theme, w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		banner:    r.NewStyle().Foreground(theme.Banner).Bold(true),
		assistant: r.NewStyle().Foreground(theme.Assistant).Bold(true),
		system:    r.NewStyle().Foreground(theme.System).Bold(true),
		action:    r.NewStyle().Foreground(theme.Action),
		alert:     r.NewStyle().Foreground(theme.Alert).Bold(true),
		err:       r.NewStyle().Foreground(theme.Error),
		faint:     r.NewStyle().Foreground(theme.FaintText),
		prompt:    r.NewStyle().Foreground(theme.PromptColor).Bold(true),
	}
}
