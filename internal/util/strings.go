// Package util provides shared helpers for terminal output.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis marks truncated text.
const Ellipsis = "…"

// Truncate shortens s to at most maxWidth visual columns, ending in an
// ellipsis when anything was cut. Escape sequences and wide characters
// are accounted for, so styled text can be truncated after rendering.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	if maxWidth == 1 {
		return Ellipsis
	}
	// ansi.Truncate includes the tail in the final width calculation
	return ansi.Truncate(s, maxWidth, Ellipsis)
}

// PadRight pads s with spaces to width visual columns. Longer strings
// are returned unchanged.
func PadRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Cell truncates s to width and pads it back out, for fixed-width columns.
func Cell(s string, width int) string {
	return PadRight(Truncate(s, width), width)
}
