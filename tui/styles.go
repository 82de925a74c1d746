// Package tui renders plans, topologies and commit progress in the terminal.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette for consistent theming
var (
	ColorPrimary    = lipgloss.Color("#7D56F4") // Purple
	ColorSecondary  = lipgloss.Color("#6C757D") // Gray
	ColorSuccess    = lipgloss.Color("#28A745") // Green
	ColorWarning    = lipgloss.Color("#FFC107") // Yellow
	ColorError      = lipgloss.Color("#DC3545") // Red
	ColorInfo       = lipgloss.Color("#17A2B8") // Blue
	ColorMuted      = lipgloss.Color("#6C757D") // Muted gray
	ColorForeground = lipgloss.Color("#CDD6F4") // Light foreground
)

// Status indicator symbols
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolSkipped    = "-"
	SymbolArrow      = "→"
	SymbolBullet     = "•"
)

// Styles provides consistent styling across the TUI
type Styles struct {
	Title       lipgloss.Style
	Subtitle    lipgloss.Style
	SectionHead lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style

	Box lipgloss.Style

	TableHeader lipgloss.Style
	TableRow    lipgloss.Style
	TableCell   lipgloss.Style

	// Destructive marks actions that discard data.
	Destructive lipgloss.Style

	Help     lipgloss.Style
	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorForeground),

		SectionHead: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorSecondary),

		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),

		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSecondary).
			Padding(0, 1),

		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		TableRow: lipgloss.NewStyle().
			Foreground(ColorForeground),

		TableCell: lipgloss.NewStyle().
			PaddingRight(1),

		Destructive: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError),

		Help: lipgloss.NewStyle().Foreground(ColorMuted),
		HelpKey: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo),
		HelpDesc: lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// StatusIcon returns a styled status icon for a step or run status
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "done", "ok":
		return s.Success.Render(SymbolSuccess)
	case "failed":
		return s.Error.Render(SymbolError)
	case "ignored":
		return s.Warning.Render(SymbolWarning)
	case "skipped":
		return s.Muted.Render(SymbolSkipped)
	case "running":
		return s.Info.Render(SymbolInProgress)
	case "pending":
		return s.Muted.Render(SymbolPending)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatDuration formats duration into a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
