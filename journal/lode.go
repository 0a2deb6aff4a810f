package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/chrisbazley/cblibrary/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "cblib"

// RecordKindTransfer discriminates transfer records.
const RecordKindTransfer = "transfer"

// Config holds Lode journal configuration.
type Config struct {
	// Dataset is the Lode dataset ID (default "cblib").
	Dataset string
}

func (c Config) dataset() string {
	if c.Dataset == "" {
		return DefaultDataset
	}
	return c.Dataset
}

// LodeJournal writes entries to a Lode dataset partitioned by task, day
// and direction.
type LodeJournal struct {
	dataset lode.Dataset
	config  Config

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error

	mu sync.Mutex
}

// NewDataset creates a Dataset with the journal's layout and codec. Use it
// to read back what a LodeJournal wrote.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("task", "day", "direction"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewFS creates a journal stored under root on the local filesystem.
func NewFS(cfg Config, root string) (*LodeJournal, error) {
	return NewWithFactory(cfg, lode.NewFSFactory(root))
}

// NewMemory creates a journal held in memory.
func NewMemory(cfg Config) (*LodeJournal, error) {
	return NewWithFactory(cfg, lode.NewMemoryFactory())
}

// NewWithFactory creates a journal with a custom store factory.
func NewWithFactory(cfg Config, factory lode.StoreFactory) (*LodeJournal, error) {
	ds, err := NewDataset(cfg.dataset(), factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.dataset())
	}
	return &LodeJournal{dataset: ds, config: cfg, storeFactory: factory}, nil
}

// Record implements Journal. Each call writes one snapshot.
func (j *LodeJournal) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.dataset.Write(ctx, []any{toRecordMap(e)}, lode.Metadata{})
	return WrapWriteError(err, j.config.dataset())
}

// RecordBatch writes entries as one snapshot.
func (j *LodeJournal) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]any, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		if e.At.IsZero() {
			e.At = now
		}
		records = append(records, toRecordMap(e))
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.dataset.Write(ctx, records, lode.Metadata{})
	return WrapWriteError(err, j.config.dataset())
}

// PutPayload stores the bytes of a transfer beside its record. Files land
// under datasets/<dataset>/partitions/task=<t>/day=<d>/direction=<dir>/files/.
func (j *LodeJournal) PutPayload(ctx context.Context, e Entry, filename string, data []byte) error {
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return fmt.Errorf("invalid payload filename %q", filename)
	}
	j.storeOnce.Do(func() {
		j.store, j.storeErr = j.storeFactory()
	})
	if j.storeErr != nil {
		return WrapInitError(j.storeErr, j.config.dataset())
	}
	path := j.payloadPath(e, filename)
	return WrapWriteError(j.store.Put(ctx, path, bytes.NewReader(data)), path)
}

func (j *LodeJournal) payloadPath(e Entry, filename string) string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("datasets/%s/partitions/task=%s/day=%s/direction=%s/files/%s",
		j.config.dataset(), e.Task, DeriveDay(at), e.Direction, filename)
}

// Close implements Journal.
func (j *LodeJournal) Close() error {
	return nil
}

var (
	_ Journal = (*LodeJournal)(nil)
	_ Batcher = (*LodeJournal)(nil)
)

func toRecordMap(e Entry) map[string]any {
	m := map[string]any{
		"record_kind": RecordKindTransfer,
		"task":        e.Task,
		"day":         DeriveDay(e.At),
		"direction":   e.Direction,
		"peer":        int64(e.Peer),
		"outcome":     e.Outcome,
		"method":      e.Method,
		"file_type":   int64(e.FileType),
		"bytes":       e.Bytes,
		"at":          e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.Path != "" {
		m["path"] = e.Path
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	return m
}

// ErrNoEntries is returned by Query when the dataset holds no transfers.
var ErrNoEntries = errors.New("no journal entries found")

// Query reads every transfer record in ds, oldest first, keeping those for
// which keep returns true. A nil keep keeps everything.
func Query(ctx context.Context, ds lode.Dataset, keep func(Entry) bool) ([]Entry, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, string(ds.ID())+"/snapshots")
	}

	var out []Entry
	for _, snap := range snapshots {
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindTransfer {
				continue
			}
			e := fromRecordMap(record)
			if keep == nil || keep(e) {
				out = append(out, e)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoEntries
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.At.Compare(b.At) })
	return out, nil
}

func fromRecordMap(m map[string]any) Entry {
	e := Entry{
		Task:      toString(m["task"]),
		Direction: toString(m["direction"]),
		Outcome:   toString(m["outcome"]),
		Method:    toString(m["method"]),
		Path:      toString(m["path"]),
		Error:     toString(m["error"]),
		Bytes:     toInt64(m["bytes"]),
	}
	e.Peer = types.TaskHandle(toInt64(m["peer"]))
	e.FileType = types.FileType(toInt64(m["file_type"]))
	if at, err := time.Parse(time.RFC3339Nano, toString(m["at"])); err == nil {
		e.At = at
	}
	return e
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 converts a decoded JSON number to int64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
