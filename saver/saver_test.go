package saver

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// receiver is a scripted peer playing the receiving side of a save.
type receiver struct {
	port *transport.BusPort
	fs   afero.Fs

	// chunk > 0 answers DataSave with RAMFetch of that size; otherwise
	// DataSaveAck naming path.
	chunk int32
	path  string
	safe  bool

	// ignoreLoad leaves DataLoad unanswered so it bounces.
	ignoreLoad bool
	// ignoreTransmit leaves full RAMTransmits unanswered.
	ignoreTransmit bool

	got     []byte
	loaded  []byte
	offers  []types.DataTransfer
	bounced []types.Action
	saveRef types.Ref
	from    types.TaskHandle
}

func newReceiver(bus *transport.Bus, fs afero.Fs) *receiver {
	r := &receiver{port: bus.Connect("receiver"), fs: fs, path: "/scrap", safe: false}
	r.port.Handle(types.ActionDataSave, r.onDataSave)
	r.port.Handle(types.ActionRAMTransmit, r.onRAMTransmit)
	r.port.Handle(types.ActionDataLoad, r.onDataLoad)
	r.port.HandleBounce(types.ActionRAMFetch, r.onFetchBounce)
	r.port.HandleBounce(types.ActionDataSaveAck, func(msg *types.Message) bool {
		r.bounced = append(r.bounced, msg.Action)
		return true
	})
	return r
}

func (r *receiver) onDataSave(msg *types.Message) bool {
	r.offers = append(r.offers, *msg.Transfer)
	r.saveRef = msg.MyRef
	r.from = msg.Sender
	if r.chunk > 0 {
		r.fetch(msg)
		return true
	}
	r.ackSave(msg.Sender, msg.MyRef)
	return true
}

func (r *receiver) ackSave(to types.TaskHandle, yourRef types.Ref) {
	est := int32(types.UnsafeEstimate)
	if r.safe {
		est = 10
	}
	_, _ = r.port.Send(transport.SendRecorded, &types.Message{
		Action:   types.ActionDataSaveAck,
		YourRef:  yourRef,
		Transfer: &types.DataTransfer{EstSize: est, FileType: types.FileTypeText, Name: r.path},
	}, transport.ToTask(to))
}

func (r *receiver) fetch(msg *types.Message) {
	_, _ = r.port.Send(transport.SendRecorded, &types.Message{
		Action:  types.ActionRAMFetch,
		YourRef: msg.MyRef,
		RAM:     &types.RAMBlock{Buffer: 1, Size: r.chunk},
	}, transport.ToTask(msg.Sender))
}

func (r *receiver) onRAMTransmit(msg *types.Message) bool {
	r.got = append(r.got, msg.RAM.Data[:msg.RAM.Size]...)
	if msg.RAM.Size == r.chunk && !r.ignoreTransmit {
		r.fetch(msg)
	}
	return true
}

func (r *receiver) onDataLoad(msg *types.Message) bool {
	if r.ignoreLoad {
		return false
	}
	data, err := afero.ReadFile(r.fs, msg.Transfer.Name)
	if err == nil {
		r.loaded = data
	}
	_, _ = r.port.Send(transport.Send, &types.Message{
		Action:   types.ActionDataLoadAck,
		YourRef:  msg.MyRef,
		Transfer: msg.Transfer,
	}, transport.ToTask(msg.Sender))
	return true
}

// onFetchBounce falls back to a file transfer, as a receiver does when
// the sender will not do RAM transfer.
func (r *receiver) onFetchBounce(msg *types.Message) bool {
	r.bounced = append(r.bounced, msg.Action)
	r.chunk = 0
	r.ackSave(r.from, r.saveRef)
	return true
}

// outcome records which callback fired and with what.
type outcome struct {
	completed int
	failed    int
	path      string
	err       error
}

func (o *outcome) job(j Job) Job {
	j.Complete = func(path string) { o.completed++; o.path = path }
	j.Failed = func(err error) { o.failed++; o.err = err }
	return j
}

func setup(t *testing.T) (*transport.Bus, *Saver, *receiver, afero.Fs) {
	t.Helper()
	bus := transport.NewBus()
	fs := afero.NewMemMapFs()
	s := New(bus.Connect("sender"), Options{TaskName: "sender", Fs: fs})
	r := newReceiver(bus, fs)
	return bus, s, r, fs
}

func TestSend_RAMTransferReproducesByteRange(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	start, end := 3, 29
	want := payload[start:end]

	for _, chunk := range []int32{1, 2, 7, 13, 26, 27, 100} {
		bus, s, r, _ := setup(t)
		r.chunk = chunk
		var o outcome

		err := s.Send(o.job(Job{
			Dest:  transport.ToTask(r.port.Task()),
			Offer: types.DataTransfer{FileType: types.FileTypeText, Name: "Text"},
			Data:  payload, Start: start, End: end,
		}))
		if err != nil {
			t.Fatalf("chunk %d: Send failed: %v", chunk, err)
		}
		bus.Run(0)

		if diff := cmp.Diff(want, r.got); diff != "" {
			t.Errorf("chunk %d: bytes mismatch (-want +got):\n%s", chunk, diff)
		}
		if o.completed != 1 || o.failed != 0 || o.path != "" {
			t.Errorf("chunk %d: completed=%d failed=%d path=%q", chunk, o.completed, o.failed, o.path)
		}
		if s.Pending() != 0 {
			t.Errorf("chunk %d: Pending = %d after completion", chunk, s.Pending())
		}
	}
}

func TestSend_EstimateFromRangeOrDefault(t *testing.T) {
	bus, s, r, _ := setup(t)
	r.chunk = 64

	_ = s.Send(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("hello"), Start: 1, End: 4})
	_ = s.Send(Job{Dest: transport.ToTask(r.port.Task()), Write: func(w io.Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	}})
	_ = s.Send(Job{Dest: transport.ToTask(r.port.Task()), Offer: types.DataTransfer{EstSize: -5},
		Write: func(io.Writer) error { return nil }})
	bus.Run(0)

	got := []int32{r.offers[0].EstSize, r.offers[1].EstSize, r.offers[2].EstSize}
	want := []int32{3, DefaultEstimate, DefaultEstimate}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("estimates mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_WriteStrategyOverRAM(t *testing.T) {
	bus, s, r, _ := setup(t)
	r.chunk = 4
	var o outcome

	_ = s.Send(o.job(Job{
		Dest:  transport.ToTask(r.port.Task()),
		Write: func(w io.Writer) error { _, err := io.WriteString(w, "streamed data"); return err },
	}))
	bus.Run(0)

	if string(r.got) != "streamed data" {
		t.Errorf("got %q, want %q", r.got, "streamed data")
	}
	if o.completed != 1 {
		t.Errorf("completed = %d, want 1", o.completed)
	}
}

func TestSend_FileTransfer(t *testing.T) {
	tests := []struct {
		name     string
		safe     bool
		wantPath string
	}{
		{"safe destination", true, "/docs/out"},
		{"temporary destination", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, s, r, _ := setup(t)
			r.path, r.safe = "/docs/out", tt.safe
			var o outcome

			_ = s.Send(o.job(Job{
				Dest:  transport.ToTask(r.port.Task()),
				Offer: types.DataTransfer{FileType: types.FileTypeText, Name: "Text"},
				Data:  []byte("file contents"), End: 13,
			}))
			bus.Run(0)

			if string(r.loaded) != "file contents" {
				t.Errorf("receiver loaded %q", r.loaded)
			}
			if o.completed != 1 || o.failed != 0 {
				t.Fatalf("completed=%d failed=%d", o.completed, o.failed)
			}
			if o.path != tt.wantPath {
				t.Errorf("path = %q, want %q", o.path, tt.wantPath)
			}
		})
	}
}

func TestSend_DataSaveBounceFails(t *testing.T) {
	bus := transport.NewBus()
	s := New(bus.Connect("sender"), Options{Fs: afero.NewMemMapFs()})
	deaf := bus.Connect("deaf")
	var o outcome

	if err := s.Send(o.job(Job{Dest: transport.ToTask(deaf.Task()), Data: []byte("x"), End: 1})); err != nil {
		t.Fatal(err)
	}
	bus.Run(0)

	if o.failed != 1 || o.err != nil || o.completed != 0 {
		t.Errorf("failed=%d err=%v completed=%d; want one silent failure", o.failed, o.err, o.completed)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d", s.Pending())
	}
}

func TestSend_DataLoadBounceDeletesTemporaryFile(t *testing.T) {
	bus, s, r, fs := setup(t)
	r.ignoreLoad = true
	var o outcome

	_ = s.Send(o.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("abc"), End: 3}))
	bus.Run(0)

	if o.failed != 1 || !errors.Is(o.err, types.ErrRecipientDied) {
		t.Fatalf("failed=%d err=%v; want ErrRecipientDied", o.failed, o.err)
	}
	if ok, _ := afero.Exists(fs, "/scrap"); ok {
		t.Error("temporary file left behind")
	}
}

func TestSend_MidRAMBounceFailsSilently(t *testing.T) {
	bus, s, r, _ := setup(t)
	r.chunk = 2
	r.ignoreTransmit = true
	var o outcome

	_ = s.Send(o.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("abcdef"), End: 6}))
	bus.Run(0)

	if o.failed != 1 || o.err != nil {
		t.Errorf("failed=%d err=%v; want one failure with no detail", o.failed, o.err)
	}
	if string(r.got) != "ab" {
		t.Errorf("receiver got %q", r.got)
	}
}

func TestSend_SaveFileDeclinesRAM(t *testing.T) {
	bus, s, r, _ := setup(t)
	r.chunk = 16
	r.safe = true
	var saved []string
	var o outcome

	_ = s.Send(o.job(Job{
		Dest:     transport.ToTask(r.port.Task()),
		Offer:    types.DataTransfer{FileType: types.FileTypeDirectory, EstSize: 1},
		SaveFile: func(path string) error { saved = append(saved, path); return nil },
	}))
	bus.Run(0)

	if diff := cmp.Diff([]types.Action{types.ActionRAMFetch}, r.bounced); diff != "" {
		t.Errorf("bounces mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/scrap"}, saved); diff != "" {
		t.Errorf("SaveFile calls mismatch (-want +got):\n%s", diff)
	}
	if o.completed != 1 || o.path != "/scrap" {
		t.Errorf("completed=%d path=%q", o.completed, o.path)
	}
}

func TestSend_WriteStrategyFailureIsNotReportedAgain(t *testing.T) {
	bus, s, r, fs := setup(t)
	var o outcome

	_ = s.Send(o.job(Job{
		Dest:  transport.ToTask(r.port.Task()),
		Write: func(io.Writer) error { return errors.New("client said no") },
	}))
	bus.Run(0)

	if o.failed != 1 || o.err != nil {
		t.Errorf("failed=%d err=%v; want silent failure", o.failed, o.err)
	}
	if ok, _ := afero.Exists(fs, "/scrap"); ok {
		t.Error("partial file left behind")
	}
	if diff := cmp.Diff([]types.Action{types.ActionDataSaveAck}, r.bounced); diff != "" {
		t.Errorf("receiver bounces mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_CreateFailureIsWriteFailed(t *testing.T) {
	bus := transport.NewBus()
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := New(bus.Connect("sender"), Options{Fs: fs})
	r := newReceiver(bus, fs)
	var o outcome

	_ = s.Send(o.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("x"), End: 1}))
	bus.Run(0)

	if o.failed != 1 || !errors.Is(o.err, types.ErrWriteFailed) {
		t.Errorf("failed=%d err=%v; want ErrWriteFailed", o.failed, o.err)
	}
}

func TestSend_SynchronousErrors(t *testing.T) {
	bus, s, r, _ := setup(t)
	var o outcome

	tests := []struct {
		name string
		job  Job
		kind error
	}{
		{"no source", Job{Dest: transport.ToTask(r.port.Task())}, types.ErrBadMessage},
		{"range past end", Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("ab"), Start: 1, End: 3}, types.ErrBadMessage},
		{"inverted range", Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("ab"), Start: 2, End: 1}, types.ErrBadMessage},
		{"unknown task", Job{Dest: transport.ToTask(99), Data: []byte("ab"), End: 2}, types.ErrTransport},
	}
	for _, tt := range tests {
		err := s.Send(o.job(tt.job))
		if !errors.Is(err, tt.kind) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.kind)
		}
	}
	bus.Run(0)
	if o.completed+o.failed != 0 {
		t.Errorf("callbacks fired after synchronous failure: %+v", o)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d", s.Pending())
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	bus, s, r, _ := setup(t)
	var mine, other outcome

	_ = s.Send(mine.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("a"), End: 1, Client: "doc1"}))
	_ = s.Send(other.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("b"), End: 1, Client: "doc2"}))

	s.Cancel("doc1")
	s.Cancel("doc1")
	s.Cancel("nobody")
	bus.Run(0)

	if mine.failed != 1 || mine.err != nil || mine.completed != 0 {
		t.Errorf("cancelled save: %+v", mine)
	}
	if other.completed != 1 || other.failed != 0 {
		t.Errorf("other save: %+v", other)
	}
}

func TestCancelAwaitingLoadAck_DeletesTemporaryFile(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(*Saver)
	}{
		{"cancel", func(s *Saver) { s.Cancel("doc") }},
		{"close", func(s *Saver) { _ = s.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, s, r, fs := setup(t)
			r.ignoreLoad = true
			var o outcome

			_ = s.Send(o.job(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("abc"), End: 3, Client: "doc"}))
			// DataSave, then DataSaveAck: the file is written and DataLoad queued.
			bus.Run(2)
			if ok, _ := afero.Exists(fs, "/scrap"); !ok {
				t.Fatal("temporary file not written")
			}

			tt.cancel(s)
			bus.Run(0)

			if o.failed != 1 || o.err != nil || o.completed != 0 {
				t.Errorf("failed=%d err=%v completed=%d; want one silent failure", o.failed, o.err, o.completed)
			}
			if ok, _ := afero.Exists(fs, "/scrap"); ok {
				t.Error("temporary file left behind")
			}
		})
	}
}

func TestRangeSize(t *testing.T) {
	tests := []struct {
		start, end int
		want       int32
		ok         bool
	}{
		{0, 0, 0, true},
		{3, 29, 26, true},
		{0, math.MaxInt32, math.MaxInt32, true},
		{0, math.MaxInt32 + 1, 0, false},
		{1, math.MaxInt32 + 1, math.MaxInt32, true},
		{5, 4, 0, false},
	}
	for _, tt := range tests {
		got, ok := rangeSize(tt.start, tt.end)
		if got != tt.want || ok != tt.ok {
			t.Errorf("rangeSize(%d, %d) = %d, %v, want %d, %v", tt.start, tt.end, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStaleReplyIsIgnored(t *testing.T) {
	bus := transport.NewBus()
	s := New(bus.Connect("sender"), Options{Fs: afero.NewMemMapFs()})
	peer := bus.Connect("peer")
	var claimed []bool
	peer.Handle(types.ActionDataSave, func(msg *types.Message) bool {
		_, _ = peer.Send(transport.Acknowledge, &types.Message{YourRef: msg.MyRef}, transport.ToTask(msg.Sender))
		return true
	})

	var o outcome
	_ = s.Send(o.job(Job{Dest: transport.ToTask(peer.Task()), Data: []byte("a"), End: 1}))
	bus.Run(0)

	claimed = append(claimed, s.handleSaveAck(&types.Message{
		Action: types.ActionDataSaveAck, YourRef: 12345, Transfer: &types.DataTransfer{Name: "/x"},
	}))
	claimed = append(claimed, s.handleLoadAck(&types.Message{Action: types.ActionDataLoadAck, YourRef: 0}))
	if diff := cmp.Diff([]bool{false, false}, claimed); diff != "" {
		t.Errorf("stale replies claimed (-want +got):\n%s", diff)
	}
	if s.Pending() != 1 || o.completed+o.failed != 0 {
		t.Errorf("save disturbed by stale replies: pending=%d %+v", s.Pending(), o)
	}
}

func TestSaver_MetricsAndJournal(t *testing.T) {
	bus := transport.NewBus()
	fs := afero.NewMemMapFs()
	c := metrics.NewCollector("sender", "bus", "stub")
	j := journal.NewStub()
	s := New(bus.Connect("sender"), Options{TaskName: "sender", Fs: fs, Metrics: c, Journal: j})
	r := newReceiver(bus, fs)
	r.chunk = 3

	_ = s.Send(Job{Dest: transport.ToTask(r.port.Task()), Data: []byte("abcdefgh"), End: 8,
		Offer: types.DataTransfer{FileType: types.FileTypeText}})
	bus.Run(0)

	snap := c.Snapshot()
	if snap.SavesStarted != 1 || snap.SavesCompleted != 1 || snap.BytesSent != 8 || snap.RAMTransfers != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("journal has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Direction != journal.DirectionSend || e.Outcome != journal.OutcomeCompleted ||
		e.Method != journal.MethodRAM || e.Bytes != 8 || e.Peer != r.port.Task() {
		t.Errorf("entry = %+v", e)
	}
}

func TestClose_FailsPendingAndRemovesHandlers(t *testing.T) {
	bus := transport.NewBus()
	port := bus.Connect("sender")
	before := port.Handlers()
	s := New(port, Options{Fs: afero.NewMemMapFs()})
	peer := bus.Connect("peer")
	var o outcome
	_ = s.Send(o.job(Job{Dest: transport.ToTask(peer.Task()), Data: bytes.Repeat([]byte("x"), 4), End: 4}))

	_ = s.Close()
	bus.Run(0)
	if o.failed != 1 {
		t.Errorf("failed = %d, want 1", o.failed)
	}
	if port.Handlers() != before {
		t.Errorf("Handlers = %d, want %d", port.Handlers(), before)
	}
}
