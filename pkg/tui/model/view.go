package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/watch"
)

const (
	headerHeight = 2
	footerHeight = 2
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	tsStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pathStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		a.renderHeader(),
		a.viewport.View(),
		a.renderStatusBar(),
	)
}

func (a App) renderHeader() string {
	title := titleStyle.Render(" monitor ") + dimStyle.Render("pattern ") + a.cfg.Pattern
	counts := fmt.Sprintf("targets %d/%d", a.active, a.total)

	remaining := "--"
	if !a.cfg.Deadline.IsZero() {
		left := a.cfg.Deadline.Sub(a.now).Round(time.Second)
		remaining = max(left, 0).String()
	}

	right := counts + "  " + dimStyle.Render("remaining ") + remaining + " "
	gap := max(a.width-lipgloss.Width(title)-lipgloss.Width(right), 1)
	return title + strings.Repeat(" ", gap) + right + "\n" + dimStyle.Render(strings.Repeat("─", a.width))
}

func (a App) renderRecords() string {
	records := a.filteredRecords()
	if len(records) == 0 {
		return dimStyle.Render("waiting for matches...")
	}
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		ts := tsStyle.Render(rec.Time.Local().Format(a.cfg.TimeLayout))
		b.WriteString(watch.FormatLine(ts, pathStyle.Render(rec.Path), rec.Line))
	}
	return b.String()
}

func (a App) renderStatusBar() string {
	var parts []string
	parts = append(parts, stateIndicator(a.state)+" "+string(a.state))
	if retired := a.total - a.active; retired > 0 && a.state != core.RunTerminated {
		parts = append(parts, statusRestart.Render(fmt.Sprintf("%d retired", retired)))
	}
	parts = append(parts, fmt.Sprintf("%d matches", len(a.records)))
	if a.paused {
		parts = append(parts, statusRestart.Render("paused"))
	}
	if a.statusMsg != "" {
		parts = append(parts, a.statusMsg)
	}

	line := " " + strings.Join(parts, dimStyle.Render(" │ "))
	if a.mode == ModeSearch {
		return line + "\n " + a.search.View()
	}
	help := helpStyle.Render(" q quit  / filter  space pause  ↑/↓ scroll")
	return line + "\n" + help
}

func stateIndicator(s core.RunState) string {
	switch s {
	case core.RunRunning:
		return statusRunning.Render("●")
	case core.RunShuttingDown:
		return statusRestart.Render("◐")
	case core.RunTerminated:
		return statusStopped.Render("○")
	case core.RunInitializing:
		return dimStyle.Render("◌")
	default:
		return statusFailed.Render("?")
	}
}
