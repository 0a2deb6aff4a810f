package reader

import (
	"github.com/chrisbazley/cblibrary/journal"
)

// TransferFromEntry converts a journal entry.
func TransferFromEntry(scenario string, e journal.Entry) Transfer {
	return Transfer{
		Scenario:  scenario,
		Task:      e.Task,
		Direction: e.Direction,
		Outcome:   e.Outcome,
		Method:    e.Method,
		FileType:  e.FileType.String(),
		Bytes:     e.Bytes,
		Error:     e.Error,
	}
}

// TransfersFromEntries converts journal entries read back from a dataset.
func TransfersFromEntries(entries []journal.Entry) []Transfer {
	out := make([]Transfer, 0, len(entries))
	for _, e := range entries {
		out = append(out, TransferFromEntry("", e))
	}
	return out
}

// Summarize counts transfers by outcome. Only completed transfers add to
// Bytes.
func Summarize(transfers []Transfer) Summary {
	s := Summary{Total: len(transfers)}
	for _, t := range transfers {
		switch t.Outcome {
		case journal.OutcomeCompleted:
			s.Completed++
			s.Bytes += t.Bytes
		case journal.OutcomeFailed:
			s.Failed++
		case journal.OutcomeCancelled:
			s.Cancelled++
		}
	}
	return s
}
