package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chrisbazley/cblibrary/cli/reader"
)

// NewTraceModel creates the view of a message trace.
func NewTraceModel(data any) tea.Model {
	tr, ok := data.(*reader.Trace)
	if !ok {
		return newPager("Trace", "Invalid data type for "+ViewTrace)
	}
	title := fmt.Sprintf("Trace: %s (%d deliveries, started %s)", tr.Scenario, len(tr.Deliveries), tr.Started)
	return newPager(title, renderTrace(tr))
}

func renderTrace(tr *reader.Trace) string {
	var b strings.Builder
	for _, d := range tr.Deliveries {
		line := fmt.Sprintf("%4d  %2d -> %-2d %-11s %-13s ref=%-4d yours=%-4d %s",
			d.Seq, d.From, d.To, d.Mode, d.Action, d.MyRef, d.YourRef, d.Detail)
		if d.Bounced {
			line = BounceStyle.Render(line + "  (bounced)")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
