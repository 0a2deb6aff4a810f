package journal

import (
	"context"
	"errors"

	"github.com/chrisbazley/cblibrary/metrics"
)

// Instrumented wraps a Journal and counts each Record call as a journal
// write success or failure.
type Instrumented struct {
	inner     Journal
	collector *metrics.Collector
}

// NewInstrumented wraps j with metrics instrumentation.
func NewInstrumented(j Journal, collector *metrics.Collector) *Instrumented {
	return &Instrumented{inner: j, collector: collector}
}

// Record delegates to the inner journal and records success or failure.
func (i *Instrumented) Record(ctx context.Context, e Entry) error {
	err := i.inner.Record(ctx, e)
	if err != nil {
		i.collector.IncJournalWriteFailure()
	} else {
		i.collector.IncJournalWriteSuccess()
	}
	return err
}

// Close delegates to the inner journal.
func (i *Instrumented) Close() error {
	return i.inner.Close()
}

var _ Journal = (*Instrumented)(nil)

// Tee records every entry in each of its journals in turn. Record returns
// the joined failures, but a failing journal does not stop the others.
type Tee []Journal

// Record implements Journal.
func (t Tee) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, j := range t {
		if err := j.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every journal.
func (t Tee) Close() error {
	var errs []error
	for _, j := range t {
		errs = append(errs, j.Close())
	}
	return errors.Join(errs...)
}

var _ Journal = Tee(nil)
