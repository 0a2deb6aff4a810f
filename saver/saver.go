// Package saver drives the sender's half of the data-transfer protocol.
//
// A save starts with a recorded DataSave offering the data. The receiver
// either replies with RAMFetch, in which case the data is copied into its
// buffer chunk by chunk, or with DataSaveAck naming a file, in which case
// the data is written there and announced with a recorded DataLoad that the
// receiver acknowledges with DataLoadAck. A bounce at any step ends the
// save.
//
// Exactly one of Job.Complete and Job.Failed is called for each save that
// Send accepted.
package saver

import (
	"bytes"
	"errors"
	"io"
	"math"

	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/iox"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/registry"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// DefaultEstimate is the size estimate sent when the caller gives none.
const DefaultEstimate = 4096

// WriteFunc streams the data to be saved to w.
type WriteFunc func(w io.Writer) error

// SaveFileFunc saves the data to the named file itself. A save with a
// SaveFileFunc never uses RAM transfer.
type SaveFileFunc func(path string) error

// Job describes one save.
type Job struct {
	// Dest is where the DataSave goes: a window and icon for drops, or
	// the task that asked for the data.
	Dest transport.Destination
	// YourRef is the reference of the message being answered (a
	// DataRequest or DragClaim), or zero.
	YourRef types.Ref
	// Offer is the DataSave template: window, icon, position, file type
	// and leaf name. EstSize is filled in from the data when the data is
	// held in memory.
	Offer types.DataTransfer

	// Data holds the bytes to send; Start and End bound the range.
	Data       []byte
	Start, End int
	// Write produces the data when Data is nil.
	Write WriteFunc
	// SaveFile replaces the engine's own file writing when set.
	SaveFile SaveFileFunc

	// Complete is called when the receiver has the data. path is the
	// file it was saved to, or empty if the destination was temporary or
	// the data went by RAM.
	Complete func(path string)
	// Failed is called when the save fails. A nil error means the failure
	// has already been reported.
	Failed func(err error)
	// Client identifies the save for Cancel. It must be comparable.
	Client any
}

// Options configures a Saver.
type Options struct {
	// TaskName labels journal entries.
	TaskName string
	// Fs is the filesystem files are written to. Defaults to the OS.
	Fs afero.Fs
	// DefaultEstimate replaces a zero or negative size estimate.
	DefaultEstimate int
	Logger          *log.Logger
	Metrics         *metrics.Collector
	Journal         journal.Journal
}

type state int

const (
	awaitingDestination state = iota
	awaitingRAMFetch
	awaitingLoadAck
)

func (s state) String() string {
	switch s {
	case awaitingDestination:
		return "awaiting_destination"
	case awaitingRAMFetch:
		return "awaiting_ram_fetch"
	default:
		return "awaiting_load_ack"
	}
}

// save is the pending record of one save.
type save struct {
	ref   types.Ref
	state state
	job   Job
	peer  types.TaskHandle

	payload []byte
	loaded  bool
	sent    int

	path  string
	safe  bool
	wrote bool
	ram   bool
}

func (s *save) Ref() types.Ref { return s.ref }

// Saver is the sender's engine for one task. It is not safe for
// concurrent use; all calls must come from the goroutine that delivers
// the task's messages.
type Saver struct {
	port     transport.Port
	opts     Options
	saves    registry.Arena[*save]
	handlers []transport.HandlerID
}

// New creates a Saver and registers its message handlers on port.
func New(port transport.Port, opts Options) *Saver {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.DefaultEstimate <= 0 {
		opts.DefaultEstimate = DefaultEstimate
	}
	s := &Saver{port: port, opts: opts}
	s.handlers = []transport.HandlerID{
		port.Handle(types.ActionDataSaveAck, s.handleSaveAck),
		port.Handle(types.ActionRAMFetch, s.handleRAMFetch),
		port.Handle(types.ActionDataLoadAck, s.handleLoadAck),
		port.HandleBounce(types.ActionDataSave, s.handleBounce),
		port.HandleBounce(types.ActionRAMTransmit, s.handleBounce),
		port.HandleBounce(types.ActionDataLoad, s.handleBounce),
	}
	return s
}

// Send offers the data described by job and returns once the DataSave is
// queued. An error means nothing was started and no callback will run.
func (s *Saver) Send(job Job) error {
	if job.Data == nil && job.Write == nil && job.SaveFile == nil {
		return types.NewTransferError(types.ErrBadMessage, "save", "", errors.New("no data source"))
	}
	if job.Data != nil && (job.Start < 0 || job.Start > job.End || job.End > len(job.Data)) {
		return types.NewTransferError(types.ErrBadMessage, "save", "", errors.New("byte range out of bounds"))
	}

	offer := job.Offer
	switch {
	case job.Data != nil:
		size, ok := rangeSize(job.Start, job.End)
		if !ok {
			return types.NewTransferError(types.ErrBadMessage, "save", "", errors.New("byte range too large"))
		}
		offer.EstSize = size
	case offer.EstSize <= 0:
		offer.EstSize = int32(s.opts.DefaultEstimate)
	}
	job.Offer = offer

	msg := &types.Message{Action: types.ActionDataSave, YourRef: job.YourRef, Transfer: &offer}
	ref, err := s.port.Send(transport.SendRecorded, msg, job.Dest)
	if err != nil {
		s.opts.Metrics.IncTransportError()
		return err
	}
	s.opts.Metrics.IncMessageSent()
	s.opts.Metrics.IncSaveStarted()
	s.saves.Add(&save{ref: ref, state: awaitingDestination, job: job})

	s.opts.Logger.Debug("save offered", map[string]any{
		"ref":       int(ref),
		"file_type": offer.FileType.String(),
		"est_size":  int(offer.EstSize),
	})
	return nil
}

// rangeSize returns the length of [start, end) as a message size field.
func rangeSize(start, end int) (int32, bool) {
	n := end - start
	if n < 0 || n > math.MaxInt32 {
		return 0, false
	}
	return int32(n), true
}

// Cancel fails every save whose Client equals client, with no error. A
// file already written to a temporary destination is removed.
// Cancelling twice, or cancelling a client with no saves, does nothing.
func (s *Saver) Cancel(client any) {
	s.saves.Each(func(h registry.Handle, rec *save) {
		if rec.job.Client == client {
			s.removeUnsafe(rec)
			s.fail(h, rec, nil, journal.OutcomeCancelled)
		}
	})
}

// Pending returns the number of saves in progress.
func (s *Saver) Pending() int {
	return s.saves.Len()
}

// Close cancels every save and removes the Saver's handlers.
func (s *Saver) Close() error {
	s.saves.Each(func(h registry.Handle, rec *save) {
		s.removeUnsafe(rec)
		s.fail(h, rec, nil, journal.OutcomeCancelled)
	})
	for _, id := range s.handlers {
		s.port.Remove(id)
	}
	s.handlers = nil
	return nil
}

func (s *Saver) handleSaveAck(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&s.saves, msg.YourRef)
	if !ok || rec.state != awaitingDestination || msg.Transfer == nil {
		return false
	}
	s.opts.Metrics.IncMessageReceived()
	rec.peer = msg.Sender
	rec.path = msg.Transfer.Name
	rec.safe = msg.Transfer.Safe()
	rec.ref = 0

	size, err := s.saveToFile(rec)
	if err != nil {
		s.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}

	reply := &types.Message{
		Action:   types.ActionDataLoad,
		YourRef:  msg.MyRef,
		Transfer: &types.DataTransfer{},
	}
	*reply.Transfer = *msg.Transfer
	reply.Transfer.EstSize = int32(size)
	ref, err := s.port.Send(transport.SendRecorded, reply, transport.ToTask(msg.Sender))
	if err != nil {
		s.opts.Metrics.IncTransportError()
		s.removeUnsafe(rec)
		s.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}
	s.opts.Metrics.IncMessageSent()
	rec.ref = ref
	rec.state = awaitingLoadAck
	rec.sent = size
	return true
}

// saveToFile writes the data to rec.path and returns the number of bytes
// written. Failures of the client's own strategies come back as
// errReported.
func (s *Saver) saveToFile(rec *save) (int, error) {
	job := rec.job
	if job.SaveFile != nil {
		if err := job.SaveFile(rec.path); err != nil {
			return 0, errReported
		}
		rec.wrote = true
		return int(job.Offer.EstSize), nil
	}

	f, err := s.opts.Fs.Create(rec.path)
	if err != nil {
		return 0, types.NewTransferError(types.ErrWriteFailed, "create", rec.path, err)
	}
	rec.wrote = true
	cw := iox.NewCountingWriter(f)
	if job.Data != nil {
		_, err = cw.Write(job.Data[job.Start:job.End])
		if err != nil {
			err = types.NewTransferError(types.ErrWriteFailed, "write", rec.path, err)
		}
	} else if werr := job.Write(cw); werr != nil {
		err = errReported
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = types.NewTransferError(types.ErrWriteFailed, "close", rec.path, cerr)
	}
	if err != nil {
		iox.DiscardErr(func() error { return s.opts.Fs.Remove(rec.path) })
		rec.wrote = false
		return 0, err
	}
	return int(cw.N), nil
}

func (s *Saver) handleRAMFetch(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&s.saves, msg.YourRef)
	if !ok || rec.state == awaitingLoadAck || msg.RAM == nil {
		return false
	}
	if rec.job.SaveFile != nil {
		// Declining lets the fetch bounce; the receiver falls back to a
		// file transfer.
		return false
	}
	s.opts.Metrics.IncMessageReceived()
	rec.peer = msg.Sender
	rec.ram = true

	if !rec.loaded {
		if err := s.load(rec); err != nil {
			s.fail(h, rec, err, journal.OutcomeFailed)
			return true
		}
	}

	free := int(msg.RAM.Size)
	if free < 0 {
		free = 0
	}
	chunk := rec.payload[rec.sent:]
	final := len(chunk) < free
	if !final {
		chunk = chunk[:free]
	}

	reply := &types.Message{
		Action:  types.ActionRAMTransmit,
		YourRef: msg.MyRef,
		RAM: &types.RAMBlock{
			Buffer: msg.RAM.Buffer,
			Size:   int32(len(chunk)),
			Data:   chunk,
		},
	}
	mode := transport.SendRecorded
	if final {
		mode = transport.Send
	}
	ref, err := s.port.Send(mode, reply, transport.ToTask(msg.Sender))
	if err != nil {
		s.opts.Metrics.IncTransportError()
		s.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}
	s.opts.Metrics.IncMessageSent()
	rec.sent += len(chunk)

	if final {
		s.complete(h, rec, "")
		return true
	}
	rec.ref = ref
	rec.state = awaitingRAMFetch
	return true
}

// load fills rec.payload from the job's data source.
func (s *Saver) load(rec *save) error {
	rec.loaded = true
	if rec.job.Data != nil {
		rec.payload = rec.job.Data[rec.job.Start:rec.job.End]
		return nil
	}
	var buf bytes.Buffer
	if err := rec.job.Write(&buf); err != nil {
		return errReported
	}
	rec.payload = buf.Bytes()
	return nil
}

func (s *Saver) handleLoadAck(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&s.saves, msg.YourRef)
	if !ok || rec.state != awaitingLoadAck {
		return false
	}
	s.opts.Metrics.IncMessageReceived()
	path := ""
	if rec.safe {
		path = rec.path
	}
	s.complete(h, rec, path)
	return true
}

func (s *Saver) handleBounce(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&s.saves, msg.MyRef)
	if !ok {
		return false
	}
	s.opts.Metrics.IncBounce(msg.Action.String())
	s.opts.Logger.Warn("save message bounced", map[string]any{
		"action": msg.Action.String(),
		"state":  rec.state.String(),
	})

	var err error
	if rec.state == awaitingLoadAck {
		s.removeUnsafe(rec)
		err = types.NewTransferError(types.ErrRecipientDied, "load", rec.path, nil)
	}
	s.fail(h, rec, err, journal.OutcomeFailed)
	return true
}

// removeUnsafe deletes a file written to a temporary destination.
func (s *Saver) removeUnsafe(rec *save) {
	if rec.wrote && !rec.safe && rec.job.SaveFile == nil {
		iox.DiscardErr(func() error { return s.opts.Fs.Remove(rec.path) })
		rec.wrote = false
	}
}

func (s *Saver) method(rec *save) string {
	switch {
	case rec.ram:
		return journal.MethodRAM
	case rec.state == awaitingLoadAck:
		return journal.MethodFile
	default:
		return journal.MethodNone
	}
}

func (s *Saver) complete(h registry.Handle, rec *save, path string) {
	if !s.saves.Remove(h) {
		return
	}
	s.opts.Metrics.IncSaveCompleted()
	s.opts.Metrics.AddBytesSent(rec.sent)
	if rec.ram {
		s.opts.Metrics.IncRAMTransfer()
	} else {
		s.opts.Metrics.IncFileTransfer()
	}
	s.opts.Logger.Debug("save completed", map[string]any{
		"bytes":  rec.sent,
		"method": s.method(rec),
		"path":   path,
	})
	journal.Emit(s.opts.Journal, s.opts.Logger, journal.Entry{
		Task:      s.opts.TaskName,
		Peer:      rec.peer,
		Direction: journal.DirectionSend,
		Outcome:   journal.OutcomeCompleted,
		Method:    s.method(rec),
		FileType:  rec.job.Offer.FileType,
		Bytes:     int64(rec.sent),
		Path:      path,
	})
	if rec.job.Complete != nil {
		rec.job.Complete(path)
	}
}

func (s *Saver) fail(h registry.Handle, rec *save, err error, outcome string) {
	if !s.saves.Remove(h) {
		return
	}
	if errors.Is(err, errReported) {
		err = nil
	}
	s.opts.Metrics.IncSaveFailed()
	entry := journal.Entry{
		Task:      s.opts.TaskName,
		Peer:      rec.peer,
		Direction: journal.DirectionSend,
		Outcome:   outcome,
		Method:    s.method(rec),
		FileType:  rec.job.Offer.FileType,
		Bytes:     int64(rec.sent),
		Path:      rec.path,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.opts.Logger.Debug("save failed", map[string]any{
		"outcome": outcome,
		"state":   rec.state.String(),
		"error":   entry.Error,
	})
	journal.Emit(s.opts.Journal, s.opts.Logger, entry)
	if rec.job.Failed != nil {
		rec.job.Failed(err)
	}
}

// errReported marks a failure the client's own strategy has already
// reported. It never reaches a Failed callback.
var errReported = errors.New("already reported")
