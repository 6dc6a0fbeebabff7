package console

import (
	"github.com/charmbracelet/lipgloss"

	"consultd/pkg/tips"
)

// theme groups reusable styles for console regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	clock      lipgloss.Style
	system     lipgloss.Style
	joined     lipgloss.Style
	left       lipgloss.Style
	speaker    lipgloss.Style
	tipHigh    lipgloss.Style
	tipMedium  lipgloss.Style
	tipLow     lipgloss.Style
	errorLine  lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	viewport   lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("153")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("31")),
		clock: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		system: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Italic(true),
		joined: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		left: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		speaker: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("117")),
		tipHigh: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
		tipMedium: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("214")).
			Padding(0, 1),
		tipLow: lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("109")).
			Padding(0, 1),
		errorLine: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("31")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("24")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}

// tipBadge picks the badge style for a tip priority.
func (t theme) tipBadge(priority tips.Priority) lipgloss.Style {
	switch priority {
	case tips.PriorityHigh:
		return t.tipHigh
	case tips.PriorityMedium:
		return t.tipMedium
	default:
		return t.tipLow
	}
}
