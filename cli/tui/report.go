package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chrisbazley/cblibrary/cli/reader"
)

// NewReportModel creates the view of a demo report.
func NewReportModel(data any) tea.Model {
	r, ok := data.(*reader.Report)
	if !ok {
		return newPager("Demo Report", "Invalid data type for "+ViewReport)
	}
	title := fmt.Sprintf("Demo Report: %s over %s", strings.Join(r.Scenarios, ", "), r.Transport)
	return newPager(title, renderReport(r))
}

func renderReport(r *reader.Report) string {
	var b strings.Builder

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Transfers", int64(r.Summary.Total), highlightColor),
		renderStatBox("Completed", int64(r.Summary.Completed), successColor),
		renderStatBox("Failed", int64(r.Summary.Failed), errorColor),
		renderStatBox("Cancelled", int64(r.Summary.Cancelled), warningColor),
		renderStatBox("Bytes", r.Summary.Bytes, primaryColor),
	))
	b.WriteString("\n\n")

	m := r.Metrics
	rows := [][2]string{
		{"Saves", fmt.Sprintf("%d started, %d completed, %d failed", m.SavesStarted, m.SavesCompleted, m.SavesFailed)},
		{"Loads", fmt.Sprintf("%d started, %d completed, %d failed", m.LoadsStarted, m.LoadsCompleted, m.LoadsFailed)},
		{"Paths", fmt.Sprintf("%d RAM, %d file", m.RAMTransfers, m.FileTransfers)},
		{"Messages", fmt.Sprintf("%d sent, %d received, %d bounced", m.MessagesSent, m.MessagesReceived, m.Bounces)},
		{"Entities", fmt.Sprintf("%d claimed, %d lost, %d requests", m.EntitiesClaimed, m.EntitiesLost, m.ClipboardRequests)},
		{"Drags", fmt.Sprintf("%d started, %d dropped, %d aborted", m.DragsStarted, m.DragsDropped, m.DragsAborted)},
		{"Watchdog", fmt.Sprintf("%d timeouts", m.WatchdogTimeouts)},
		{"Journal", fmt.Sprintf("%s: %d written, %d failed", r.Journal, m.JournalWriteSuccess, m.JournalWriteFailure)},
	}
	var lines []string
	for _, row := range rows {
		lines = append(lines, LabelStyle.Render(row[0]+":")+" "+ValueStyle.Render(row[1]))
	}
	b.WriteString(BoxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n\n")

	for _, t := range r.Transfers {
		fmt.Fprintf(&b, "%-10s %-8s %-8s %s %-6s %-4s %6d",
			t.Scenario, t.Task, t.Direction,
			OutcomeStyle(t.Outcome).Render(fmt.Sprintf("%-9s", t.Outcome)),
			t.Method, t.FileType, t.Bytes)
		if t.Error != "" {
			b.WriteString("  " + ErrorStyle.Render(t.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderStatBox(label string, value int64, color lipgloss.Color) string {
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)
	return StatBoxStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// RenderReportStatic renders a report without starting a program.
func RenderReportStatic(r *reader.Report) string {
	return NewReportModel(r).View()
}
