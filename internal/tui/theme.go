package tui

import "github.com/charmbracelet/lipgloss"

type theme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	title       lipgloss.Style
	panel       lipgloss.Style
	inputPanel  lipgloss.Style
	footer      lipgloss.Style
	user        lipgloss.Style
	assistant   lipgloss.Style
	streaming   lipgloss.Style
	question    lipgloss.Style
	muted       lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	lensOn      lipgloss.Style
	lensOff     lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	amber := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#8a83a8")
	text := lipgloss.Color("#f5f3ff")

	return theme{
		root: lipgloss.NewStyle().Foreground(text).Padding(0, 1),
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		title: lipgloss.NewStyle().Foreground(mint).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint),
		footer:      lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		user:        lipgloss.NewStyle().Foreground(blue).Bold(true),
		assistant:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		streaming:   lipgloss.NewStyle().Foreground(muted).Italic(true),
		question:    lipgloss.NewStyle().Foreground(amber).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(muted),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		lensOn:      lipgloss.NewStyle().Foreground(mint),
		lensOff:     lipgloss.NewStyle().Foreground(muted),
	}
}
