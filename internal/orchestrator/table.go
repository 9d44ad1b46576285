package orchestrator

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/loykin/easysvc/internal/registry"
)

var (
	colorRunning = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#10B981"}
	colorStopped = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#EF4444"}
	colorPending = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"}

	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

const statusColumn = 1

func statusStyle(s string) lipgloss.Style {
	switch s {
	case registry.StatusRunning.String():
		return cellStyle.Foreground(colorRunning)
	case registry.StatusStopped.String(), registry.StatusNotInstalled.String():
		return cellStyle.Foreground(colorStopped)
	case registry.StatusStartPending.String(), registry.StatusStopPending.String():
		return cellStyle.Foreground(colorPending)
	}
	return cellStyle
}

// renderTable draws name, status, dependencies and config dir per service.
func renderTable(services []registry.Service) string {
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		deps := strings.Join(s.Dependencies, ", ")
		if deps == "" {
			deps = "-"
		}
		rows = append(rows, []string{s.Name, s.Status.String(), deps, s.ConfigDir})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "STATUS", "DEPENDENCIES", "CONFIG DIR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][statusColumn])
			}
			return cellStyle
		})
	return t.Render()
}

func (o *Orchestrator) printTable(title string, services []registry.Service) {
	_, _ = fmt.Fprintln(o.out, titleStyle.Render(title))
	_, _ = fmt.Fprintln(o.out, renderTable(services))
}
