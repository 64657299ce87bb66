package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const Version = "0.1.0"

var (
	Accent = lipgloss.Color("#00D4FF")
	Subtle = lipgloss.Color("#555555")
	Green  = lipgloss.Color("#04B575")
	Red    = lipgloss.Color("#FF4444")
	Amber  = lipgloss.Color("#FFB000")

	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	BoldStyle  = lipgloss.NewStyle().Bold(true)
	ErrStyle   = lipgloss.NewStyle().Foreground(Red)
	OkStyle    = lipgloss.NewStyle().Foreground(Green).Bold(true)
	WarnStyle  = lipgloss.NewStyle().Foreground(Amber)
	DimStyle   = lipgloss.NewStyle().Foreground(Subtle)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(Accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func StatusBadge(ok bool) string {
	if ok {
		return OkStyle.Render("✓")
	}
	return DimStyle.Render("✗")
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(DimStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}
