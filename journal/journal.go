// Package journal records finished data transfers.
//
// Every save, load, entity request and drag that reaches a terminal state
// can be appended to a Journal. The Lode-backed implementation stores
// entries as JSONL in a Hive-partitioned dataset on the local filesystem,
// in memory, or in S3.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/types"
)

// Directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
	DirectionRequest = "request"
	DirectionDrag    = "drag"
)

// Outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Methods by which data moved.
const (
	MethodRAM   = "ram"
	MethodFile  = "file"
	MethodLocal = "local"
	MethodNone  = "none"
)

// Entry describes one finished transfer.
type Entry struct {
	Task      string           `json:"task"`
	Peer      types.TaskHandle `json:"peer"`
	Direction string           `json:"direction"`
	Outcome   string           `json:"outcome"`
	Method    string           `json:"method"`
	FileType  types.FileType   `json:"file_type"`
	Bytes     int64            `json:"bytes"`
	Path      string           `json:"path,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Journal appends transfer entries.
type Journal interface {
	// Record appends one entry.
	Record(ctx context.Context, e Entry) error
	// Close releases resources.
	Close() error
}

// DeriveDay computes the partition day from a time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Nop discards entries.
type Nop struct{}

// Record implements Journal.
func (Nop) Record(context.Context, Entry) error { return nil }

// Close implements Journal.
func (Nop) Close() error { return nil }

var _ Journal = Nop{}

// Stub keeps entries in memory for tests and for the demo's summary.
type Stub struct {
	mu      sync.Mutex
	entries []Entry
	Closed  bool
}

// NewStub creates an empty stub journal.
func NewStub() *Stub {
	return &Stub{}
}

// Record implements Journal.
func (s *Stub) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *Stub) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Close implements Journal.
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

var _ Journal = (*Stub)(nil)

// Emit records e in j, logging rather than returning a failure. The
// engines call it from message handlers, where there is no caller to
// return an error to. A nil j does nothing.
func Emit(j Journal, logger *log.Logger, e Entry) {
	if j == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := j.Record(context.Background(), e); err != nil {
		logger.Warn("journal write failed", map[string]any{
			"direction": e.Direction,
			"outcome":   e.Outcome,
			"error":     err.Error(),
		})
	}
}
