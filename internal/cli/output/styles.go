package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles of text output.
type Styles struct {
	Header1  lipgloss.Style
	Header2  lipgloss.Style
	TaskName lipgloss.Style
	Key      lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Muted    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) *Styles {
	return &Styles{
		Header1:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Underline(true),
		Header2:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		TaskName: r.NewStyle().Foreground(lipgloss.Color("13")),
		Key:      r.NewStyle().Bold(true),
		Success:  r.NewStyle().Foreground(lipgloss.Color("10")),
		Warning:  r.NewStyle().Foreground(lipgloss.Color("11")),
		Error:    r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Muted:    r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// StatusStyle returns the style matching a run or task status.
func (s *Styles) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "success":
		return s.Success
	case "failed":
		return s.Error
	case "cancelled", "skipped":
		return s.Warning
	default:
		return s.Muted
	}
}

// FormatHeader returns a markdown heading.
func FormatHeader(level int, text string) string {
	if level < 1 {
		level = 1
	}
	return strings.Repeat("#", level) + " " + text
}

// FormatKeyValue returns a markdown list item with a bold key.
func FormatKeyValue(key, value string) string {
	return fmt.Sprintf("- **%s**: %s", key, value)
}
