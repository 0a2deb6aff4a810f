package journal

import (
	"context"
	"errors"
	"sync"

	"github.com/chrisbazley/cblibrary/log"
)

// Batcher writes several entries at once.
type Batcher interface {
	RecordBatch(ctx context.Context, entries []Entry) error
}

// BatchJournal is a Journal that can also write batches.
type BatchJournal interface {
	Journal
	Batcher
}

// ErrBufferClosed is returned by Record after Close.
var ErrBufferClosed = errors.New("journal buffer closed")

// Buffered holds entries and writes them to the underlying journal in
// batches of up to MaxEntries. A failed flush keeps the batch, so entries
// are written at least once; a retried flush may write some twice.
type Buffered struct {
	next       BatchJournal
	maxEntries int
	logger     *log.Logger

	mu      sync.Mutex
	buf     []Entry
	closed  bool
	flushes int64
}

// NewBuffered wraps next. maxEntries below 1 is treated as 1.
func NewBuffered(next BatchJournal, maxEntries int, logger *log.Logger) *Buffered {
	maxEntries = max(maxEntries, 1)
	return &Buffered{
		next:       next,
		maxEntries: maxEntries,
		logger:     logger,
		buf:        make([]Entry, 0, maxEntries),
	}
}

// Record buffers e and flushes once the buffer is full.
func (b *Buffered) Record(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	b.buf = append(b.buf, e)
	if len(b.buf) < b.maxEntries {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush writes any buffered entries.
func (b *Buffered) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *Buffered) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if err := b.next.RecordBatch(ctx, b.buf); err != nil {
		b.logger.Warn("journal flush failed", map[string]any{
			"buffered": len(b.buf),
			"error":    err.Error(),
		})
		return err
	}
	b.flushes++
	b.logger.Debug("journal flushed", map[string]any{"entries": len(b.buf)})
	b.buf = b.buf[:0]
	return nil
}

// Buffered returns the number of entries not yet written.
func (b *Buffered) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flushes returns the number of successful flushes.
func (b *Buffered) Flushes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// Close flushes and closes the underlying journal. Closing twice does
// nothing.
func (b *Buffered) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(b.flushLocked(context.Background()), b.next.Close())
}

var _ Journal = (*Buffered)(nil)
