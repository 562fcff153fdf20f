package cmd

import (
	"os"
	"strings"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metadata"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	greenColor   = lipgloss.Color("#10B981") // Green
	amberColor   = lipgloss.Color("#F59E0B") // Amber
	blueColor    = lipgloss.Color("#60A5FA") // Blue
	redColor     = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	cyanColor    = lipgloss.Color("#22D3EE") // Cyan

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	keyStyle    = lipgloss.NewStyle().Foreground(cyanColor)
)

// stateStyle returns the style for a file state.
func stateStyle(state metadata.State) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch state {
	case metadata.Available:
		return s.Foreground(greenColor)
	case metadata.LockedRead:
		return s.Foreground(blueColor)
	case metadata.LockedWrite:
		return s.Foreground(amberColor)
	case metadata.Modified:
		return s.Foreground(primaryColor)
	case metadata.Conflict:
		return s.Foreground(redColor)
	}
	return s
}

// levelStyle returns the style for a log level.
func levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return mutedStyle
	case logging.LevelInfo:
		return lipgloss.NewStyle().Foreground(blueColor)
	case logging.LevelWarn:
		return lipgloss.NewStyle().Foreground(amberColor)
	case logging.LevelError:
		return lipgloss.NewStyle().Foreground(redColor)
	}
	return lipgloss.NewStyle()
}

// terminalWidth returns the width of stdout, or fallback when stdout is
// not a terminal.
func terminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return fallback
}

// actionStyle returns the style for an audit action.
func actionStyle(action audit.Action) lipgloss.Style {
	switch action {
	case audit.ActionWrote, audit.ActionCreated:
		return lipgloss.NewStyle().Foreground(primaryColor)
	case audit.ActionAcquired:
		return lipgloss.NewStyle().Foreground(amberColor)
	case audit.ActionConflict:
		return lipgloss.NewStyle().Bold(true).Foreground(redColor)
	}
	return mutedStyle
}
