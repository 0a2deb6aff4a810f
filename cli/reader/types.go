// Package reader turns what a demo run leaves behind (journal entries and
// message traces) into the response types the CLI renders.
package reader

import (
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/types"
)

// Report is the response for the demo command.
type Report struct {
	Scenarios []string         `json:"scenarios"`
	Transport string           `json:"transport"`
	Journal   string           `json:"journal"`
	Summary   Summary          `json:"summary"`
	Transfers []Transfer       `json:"transfers"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// Transfer is one finished transfer.
type Transfer struct {
	Scenario  string `json:"scenario,omitempty"`
	Task      string `json:"task"`
	Direction string `json:"direction"`
	Outcome   string `json:"outcome"`
	Method    string `json:"method"`
	FileType  string `json:"file_type"`
	Bytes     int64  `json:"bytes"`
	Error     string `json:"error,omitempty"`
}

// Summary counts transfers by outcome.
type Summary struct {
	Total     int   `json:"total"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Cancelled int   `json:"cancelled"`
	Bytes     int64 `json:"bytes"`
}

// Delivery is one message delivery read back from a trace.
type Delivery struct {
	Seq     uint64           `json:"seq"`
	Mode    string           `json:"mode"`
	From    types.TaskHandle `json:"from"`
	To      types.TaskHandle `json:"to"`
	Bounced bool             `json:"bounced"`
	Action  string           `json:"action"`
	MyRef   types.Ref        `json:"my_ref"`
	YourRef types.Ref        `json:"your_ref"`
	Detail  string           `json:"detail"`
}

// Trace is the response for the trace command.
type Trace struct {
	Version    string     `json:"version"`
	Scenario   string     `json:"scenario"`
	Started    string     `json:"started"`
	Deliveries []Delivery `json:"deliveries"`
}
