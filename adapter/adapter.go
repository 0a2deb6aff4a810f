// Package adapter publishes finished transfers to downstream systems.
//
// An Adapter receives one TransferEvent per journal entry. Wrap it in a
// Journal to attach it wherever a journal.Journal is accepted. Publisher
// is the Adapter for transports that only move bytes: it encodes each
// event and retries the Sink's deliveries.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/types"
)

// EventTypeTransferFinished is the event_type of every TransferEvent.
const EventTypeTransferFinished = "transfer_finished"

// TransferEvent is the payload published when a transfer finishes.
type TransferEvent struct {
	Version   string           `json:"version"`
	EventType string           `json:"event_type"`
	Task      string           `json:"task"`
	Peer      types.TaskHandle `json:"peer"`
	Direction string           `json:"direction"`
	Outcome   string           `json:"outcome"`
	Method    string           `json:"method"`
	FileType  string           `json:"file_type"`
	Bytes     int64            `json:"bytes"`
	Path      string           `json:"path,omitempty"`
	Error     string           `json:"error,omitempty"`
	Day       string           `json:"day"`
	Timestamp string           `json:"timestamp"` // RFC 3339
}

// EventFromEntry builds the event for a journal entry. A zero At is
// stamped with the current time.
func EventFromEntry(e journal.Entry) *TransferEvent {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return &TransferEvent{
		Version:   types.Version,
		EventType: EventTypeTransferFinished,
		Task:      e.Task,
		Peer:      e.Peer,
		Direction: e.Direction,
		Outcome:   e.Outcome,
		Method:    e.Method,
		FileType:  e.FileType.String(),
		Bytes:     e.Bytes,
		Path:      e.Path,
		Error:     e.Error,
		Day:       journal.DeriveDay(at),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// Adapter publishes transfer events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation and
	// deadlines.
	Publish(ctx context.Context, event *TransferEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff returns the delay before retry attempt i (i >= 1): 500ms,
// doubling on each retry.
func Backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Retry bounds how failed deliveries are retried.
type Retry struct {
	// Retries is the number of attempts after the first.
	Retries int
	// Wait returns the delay before retry i. Defaults to Backoff.
	Wait func(i int) time.Duration
}

// Do runs op until it succeeds, fails permanently or runs out of
// attempts. Cancelling ctx stops it between attempts.
func (r Retry) Do(ctx context.Context, op func(context.Context) error) error {
	wait := r.Wait
	if wait == nil {
		wait = Backoff
	}
	attempts := 1 + max(r.Retries, 0)

	var lastErr error
	for i := range attempts {
		if i > 0 {
			t := time.NewTimer(wait(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("canceled during backoff: %w", ctx.Err())
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return fmt.Errorf("not retried: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Sink delivers one encoded event to a downstream system.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
	Close() error
}

// Publisher is an Adapter that hands JSON-encoded events to a Sink.
type Publisher struct {
	name  string
	sink  Sink
	retry Retry
}

// NewPublisher returns a Publisher for sink. Errors are prefixed with
// name.
func NewPublisher(name string, sink Sink, retry Retry) (*Publisher, error) {
	if sink == nil {
		return nil, fmt.Errorf("%s: no sink", name)
	}
	if retry.Retries < 0 {
		return nil, fmt.Errorf("%s: retries must be >= 0, got %d", name, retry.Retries)
	}
	return &Publisher{name: name, sink: sink, retry: retry}, nil
}

// Publish implements Adapter.
func (p *Publisher) Publish(ctx context.Context, event *TransferEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s: marshal event: %w", p.name, err)
	}
	if err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.sink.Deliver(ctx, body)
	}); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// Close implements Adapter.
func (p *Publisher) Close() error {
	return p.sink.Close()
}

var _ Adapter = (*Publisher)(nil)

// Journal records entries by publishing them through an Adapter.
type Journal struct {
	Adapter Adapter
}

// Record implements journal.Journal.
func (j Journal) Record(ctx context.Context, e journal.Entry) error {
	return j.Adapter.Publish(ctx, EventFromEntry(e))
}

// Close implements journal.Journal.
func (j Journal) Close() error {
	return j.Adapter.Close()
}

var _ journal.Journal = Journal{}
