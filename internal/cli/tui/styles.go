package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/syntor/relay/pkg/models"
)

// Forest green dark theme
var (
	primaryColor   = lipgloss.Color("#4ade80")
	secondaryColor = lipgloss.Color("#6b7b6b")
	successColor   = lipgloss.Color("#22c55e")
	errorColor     = lipgloss.Color("#ef4444")
	warningColor   = lipgloss.Color("#eab308")
	accentColor    = lipgloss.Color("#2dd4bf")
	bgSecondary    = lipgloss.Color("#1a211a")
)

// Styles defines the visual styles of the dashboard and CLI tables
type Styles struct {
	Header    lipgloss.Style
	Counter   lipgloss.Style
	CounterOK lipgloss.Style

	StatusBar lipgloss.Style
	HelpBar   lipgloss.Style
	HelpKey   lipgloss.Style
	HelpDesc  lipgloss.Style

	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(secondaryColor).
			Padding(0, 1),

		Counter: lipgloss.NewStyle().
			Foreground(accentColor).
			Padding(0, 1),

		CounterOK: lipgloss.NewStyle().
			Foreground(successColor).
			Padding(0, 1),

		StatusBar: lipgloss.NewStyle().
			Foreground(secondaryColor).
			Background(bgSecondary).
			Padding(0, 1),

		HelpBar: lipgloss.NewStyle().
			Foreground(secondaryColor).
			Padding(0, 1),

		HelpKey: lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor),

		HelpDesc: lipgloss.NewStyle().
			Foreground(secondaryColor),

		Error: lipgloss.NewStyle().
			Foreground(errorColor),

		Success: lipgloss.NewStyle().
			Foreground(successColor),

		Warning: lipgloss.NewStyle().
			Foreground(warningColor),

		Muted: lipgloss.NewStyle().
			Foreground(secondaryColor),
	}
}

// Health colours a health status
func (s Styles) Health(h models.HealthStatus) string {
	switch h {
	case models.HealthHealthy:
		return s.Success.Render(string(h))
	case models.HealthDegraded:
		return s.Warning.Render(string(h))
	case models.HealthUnhealthy:
		return s.Error.Render(string(h))
	}
	return s.Muted.Render(string(h))
}

// TableStyles returns the agent table styles
func TableStyles() table.Styles {
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(secondaryColor).
		BorderBottom(true).
		Bold(true).
		Foreground(primaryColor)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("#0f1410")).
		Background(primaryColor).
		Bold(false)
	return st
}
