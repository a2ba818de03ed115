// Package style provides the lipgloss styles used for CLI output.
package style

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorPrimary = lipgloss.Color("39")  // blue
	colorSuccess = lipgloss.Color("76")  // green
	colorWarning = lipgloss.Color("214") // orange
	colorError   = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Title   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	Success = lipgloss.NewStyle().Foreground(colorSuccess)
	Warning = lipgloss.NewStyle().Foreground(colorWarning)
	Error   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	Dim     = lipgloss.NewStyle().Foreground(colorMuted)
)

// Status icons
var (
	IconOK   = Success.Render("✓")
	IconWarn = Warning.Render("⚠")
	IconFail = Error.Render("✗")
	IconDot  = Bold.Render("●")
)
