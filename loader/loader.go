// Package loader drives the receiver's half of the data-transfer protocol.
//
// Given a DataSave offer, a Loader asks for the data by RAM transfer when
// the reader can take a stream, growing its buffer each time the sender
// fills it, and otherwise (or when the sender declines RAM transfer) asks
// for the data to be written to a scrap file and reads it when the sender's
// DataLoad arrives.
//
// Every load is guarded by a watchdog: a load that hears nothing from the
// sender for Options.Watchdog ticks fails.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/iox"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/registry"
	"github.com/chrisbazley/cblibrary/sched"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// Defaults applied to zero Options fields.
const (
	DefaultBufferSize    = 1024
	DefaultMaxBufferSize = 16 << 20
	DefaultWatchdog      = 30 * sched.TicksPerSecond
)

// DefaultScrapPath is where senders are asked to write file transfers.
var DefaultScrapPath = filepath.Join(os.TempDir(), "cblib-scrap")

// Info describes data handed to a reader.
type Info struct {
	// Sender is the task the data came from.
	Sender types.TaskHandle
	// FileType is the type of the data.
	FileType types.FileType
	// Name is the leaf name offered for RAM transfers, or the file read
	// for file transfers.
	Name string
	// Size is the number of bytes for RAM transfers, or the sender's
	// estimate for file transfers.
	Size int
	// Method is journal.MethodRAM, journal.MethodFile or
	// journal.MethodLocal.
	Method string
	// Safe reports whether Name is a persistent file.
	Safe bool
}

// ReadFunc consumes received data.
type ReadFunc func(r io.Reader, info Info) error

// LoadFileFunc loads a delivered file itself. Directories and
// applications cannot be streamed, so loads of them should supply one.
type LoadFileFunc func(path string, info Info) error

// Job describes one load.
type Job struct {
	// Offer is the DataSave being answered.
	Offer *types.Message
	// Read consumes the data as a stream.
	Read ReadFunc
	// LoadFile consumes a delivered file by path. When set, RAM transfer
	// is not attempted.
	LoadFile LoadFileFunc
	// Failed is called when the load fails. A nil error means the failure
	// has already been reported.
	Failed func(err error)
	// Client identifies the load for Cancel. It must be comparable.
	Client any
}

// Options configures a Loader.
type Options struct {
	TaskName string
	// Fs is the filesystem delivered files are read from. Defaults to the
	// OS.
	Fs afero.Fs
	// ScrapPath is the temporary file senders are asked to write.
	ScrapPath string
	// BufferSize is the initial RAM buffer when the offer has no
	// plausible size estimate.
	BufferSize int
	// MaxBufferSize caps RAM buffer growth.
	MaxBufferSize int
	// Watchdog is how long a load may go without hearing from the sender.
	Watchdog sched.Ticks
	// NoRAM disables RAM transfer.
	NoRAM   bool
	Logger  *log.Logger
	Metrics *metrics.Collector
	Journal journal.Journal
}

type state int

const (
	awaitingTransmit state = iota
	awaitingDataLoad
)

// load is the pending record of one receive.
type load struct {
	ref   types.Ref
	state state
	job   Job
	offer types.DataTransfer
	peer  types.TaskHandle

	buffer   types.BufferID
	buf      []byte
	capacity int

	watchdog sched.Token
	armed    bool
}

func (l *load) Ref() types.Ref { return l.ref }

// Loader is the receiver's engine for one task. It is not safe for
// concurrent use.
type Loader struct {
	port       transport.Port
	sched      sched.Scheduler
	opts       Options
	loads      registry.Arena[*load]
	nextBuffer types.BufferID
	handlers   []transport.HandlerID
}

// New creates a Loader and registers its message handlers on port.
func New(port transport.Port, s sched.Scheduler, opts Options) *Loader {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.ScrapPath == "" {
		opts.ScrapPath = DefaultScrapPath
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	l := &Loader{port: port, sched: s, opts: opts}
	l.handlers = []transport.HandlerID{
		port.Handle(types.ActionRAMTransmit, l.handleTransmit),
		port.Handle(types.ActionDataLoad, l.handleDataLoad),
		port.HandleBounce(types.ActionRAMFetch, l.handleFetchBounce),
		port.HandleBounce(types.ActionDataSaveAck, l.handleSaveAckBounce),
	}
	return l
}

// ScrapPath returns the file senders are asked to write to.
func (l *Loader) ScrapPath() string {
	return l.opts.ScrapPath
}

// Receive answers the DataSave in job.Offer and returns once the reply is
// queued. An error means nothing was started and no callback will run.
func (l *Loader) Receive(job Job) error {
	if job.Offer == nil || job.Offer.Action != types.ActionDataSave || job.Offer.Transfer == nil {
		return types.NewTransferError(types.ErrBadMessage, "receive", "", errors.New("not a DataSave"))
	}
	if job.Read == nil && job.LoadFile == nil {
		return types.NewTransferError(types.ErrBadMessage, "receive", "", errors.New("no reader"))
	}
	offer := *job.Offer.Transfer

	rec := &load{job: job, offer: offer, peer: job.Offer.Sender}
	viaRAM := !l.opts.NoRAM && job.LoadFile == nil && !offer.FileType.IsContainer()

	var err error
	if viaRAM {
		rec.capacity = l.initialCapacity(int(offer.EstSize))
		rec.buf = make([]byte, 0, rec.capacity)
		l.nextBuffer++
		rec.buffer = l.nextBuffer
		err = l.fetch(rec, job.Offer.MyRef)
	} else {
		err = l.requestFile(rec, job.Offer.MyRef)
	}
	if err != nil {
		return err
	}

	h := l.loads.Add(rec)
	if err := l.arm(h, rec); err != nil {
		l.loads.Remove(h)
		return err
	}
	l.opts.Metrics.IncLoadStarted()
	l.opts.Logger.Debug("load started", map[string]any{
		"ram":       viaRAM,
		"file_type": offer.FileType.String(),
		"est_size":  int(offer.EstSize),
	})
	return nil
}

// Cancel fails every load whose Client equals client, with no error.
func (l *Loader) Cancel(client any) {
	l.loads.Each(func(h registry.Handle, rec *load) {
		if rec.job.Client == client {
			l.fail(h, rec, nil, journal.OutcomeCancelled)
		}
	})
}

// Pending returns the number of loads in progress.
func (l *Loader) Pending() int {
	return l.loads.Len()
}

// Close cancels every load and removes the Loader's handlers.
func (l *Loader) Close() error {
	l.loads.Each(func(h registry.Handle, rec *load) {
		l.fail(h, rec, nil, journal.OutcomeCancelled)
	})
	for _, id := range l.handlers {
		l.port.Remove(id)
	}
	l.handlers = nil
	return nil
}

func (l *Loader) initialCapacity(est int) int {
	if est <= 0 || est > l.opts.MaxBufferSize {
		return l.opts.BufferSize
	}
	return est
}

// fetch asks the sender to fill the free part of rec's buffer.
func (l *Loader) fetch(rec *load, yourRef types.Ref) error {
	msg := &types.Message{
		Action:  types.ActionRAMFetch,
		YourRef: yourRef,
		RAM:     &types.RAMBlock{Buffer: rec.buffer, Size: int32(rec.capacity - len(rec.buf))},
	}
	ref, err := l.port.Send(transport.SendRecorded, msg, transport.ToTask(rec.peer))
	if err != nil {
		l.opts.Metrics.IncTransportError()
		return err
	}
	l.opts.Metrics.IncMessageSent()
	rec.ref = ref
	rec.state = awaitingTransmit
	return nil
}

// requestFile asks the sender to write the data to the scrap file.
func (l *Loader) requestFile(rec *load, yourRef types.Ref) error {
	ack := rec.offer
	ack.EstSize = types.UnsafeEstimate
	ack.Name = l.opts.ScrapPath
	msg := &types.Message{Action: types.ActionDataSaveAck, YourRef: yourRef, Transfer: &ack}
	ref, err := l.port.Send(transport.SendRecorded, msg, transport.ToTask(rec.peer))
	if err != nil {
		l.opts.Metrics.IncTransportError()
		return err
	}
	l.opts.Metrics.IncMessageSent()
	rec.ref = ref
	rec.state = awaitingDataLoad
	rec.buf = nil
	return nil
}

// arm (re)starts rec's watchdog.
func (l *Loader) arm(h registry.Handle, rec *load) error {
	l.disarm(rec)
	tok, err := l.sched.RegisterDelay(func(sched.Ticks) sched.Ticks {
		rec.armed = false
		if cur, ok := l.loads.Get(h); ok && cur == rec {
			l.opts.Metrics.IncWatchdogTimeout()
			l.opts.Logger.Warn("load timed out", map[string]any{"peer": int(rec.peer)})
			l.fail(h, rec, nil, journal.OutcomeFailed)
		}
		return sched.Done
	}, l.opts.Watchdog, sched.PriorityLow)
	if err != nil {
		return err
	}
	rec.watchdog, rec.armed = tok, true
	return nil
}

func (l *Loader) disarm(rec *load) {
	if rec.armed {
		l.sched.Deregister(rec.watchdog)
		rec.armed = false
	}
}

func (l *Loader) handleTransmit(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&l.loads, msg.YourRef)
	if !ok || rec.state != awaitingTransmit || msg.RAM == nil || msg.RAM.Buffer != rec.buffer {
		return false
	}
	l.opts.Metrics.IncMessageReceived()
	rec.ref = 0

	n := int(msg.RAM.Size)
	free := rec.capacity - len(rec.buf)
	switch {
	case n > free:
		l.opts.Metrics.IncProtocolError()
		l.fail(h, rec, types.NewTransferError(types.ErrProtocol, "ram_transmit", "",
			fmt.Errorf("sender transmitted %d bytes into a %d byte buffer", n, free)), journal.OutcomeFailed)
		return true
	case n < 0 || n != len(msg.RAM.Data):
		l.opts.Metrics.IncProtocolError()
		l.fail(h, rec, types.NewTransferError(types.ErrProtocol, "ram_transmit", "",
			fmt.Errorf("sender claimed %d bytes but sent %d", n, len(msg.RAM.Data))), journal.OutcomeFailed)
		return true
	}
	rec.buf = append(rec.buf, msg.RAM.Data...)

	if n < free {
		// An under-filled buffer ends the transfer.
		rec.buf = rec.buf[:len(rec.buf):len(rec.buf)]
		l.deliver(h, rec)
		return true
	}

	if err := l.grow(rec); err != nil {
		l.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}
	if err := l.fetch(rec, msg.MyRef); err != nil {
		l.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}
	if err := l.arm(h, rec); err != nil {
		l.fail(h, rec, err, journal.OutcomeFailed)
	}
	return true
}

// grow doubles rec's buffer, up to the configured maximum.
func (l *Loader) grow(rec *load) error {
	if rec.capacity >= l.opts.MaxBufferSize {
		return types.NewTransferError(types.ErrNoMemory, "grow", "",
			fmt.Errorf("buffer would exceed %d bytes", l.opts.MaxBufferSize))
	}
	next := rec.capacity * 2
	if next > l.opts.MaxBufferSize {
		next = l.opts.MaxBufferSize
	}
	buf := make([]byte, len(rec.buf), next)
	copy(buf, rec.buf)
	rec.buf, rec.capacity = buf, next
	return nil
}

// deliver hands a completed RAM buffer to the reader.
func (l *Loader) deliver(h registry.Handle, rec *load) {
	if !l.loads.Remove(h) {
		return
	}
	l.disarm(rec)
	data := rec.buf
	rec.buf = nil
	info := Info{
		Sender:   rec.peer,
		FileType: rec.offer.FileType,
		Name:     rec.offer.Name,
		Size:     len(data),
		Method:   journal.MethodRAM,
	}
	if err := rec.job.Read(bytes.NewReader(data), info); err != nil {
		l.finishFailed(rec, nil, journal.OutcomeFailed, journal.MethodRAM, len(data))
		return
	}
	l.finishCompleted(rec, info)
}

func (l *Loader) handleDataLoad(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&l.loads, msg.YourRef)
	if !ok || rec.state != awaitingDataLoad || msg.Transfer == nil {
		return false
	}
	l.opts.Metrics.IncMessageReceived()
	if !l.loads.Remove(h) {
		return true
	}
	l.disarm(rec)

	path := msg.Transfer.Name
	info := Info{
		Sender:   rec.peer,
		FileType: msg.Transfer.FileType,
		Name:     path,
		Size:     int(msg.Transfer.EstSize),
		Method:   journal.MethodFile,
		Safe:     path != l.opts.ScrapPath,
	}

	err := l.readFile(rec, path, info)
	if !info.Safe {
		iox.DiscardErr(func() error { return l.opts.Fs.Remove(path) })
	}
	if err != nil {
		l.finishFailed(rec, err, journal.OutcomeFailed, journal.MethodFile, 0)
		return true
	}

	ack := &types.Message{Action: types.ActionDataLoadAck, YourRef: msg.MyRef, Transfer: &types.DataTransfer{}}
	*ack.Transfer = *msg.Transfer
	if _, err := l.port.Send(transport.Send, ack, transport.ToTask(msg.Sender)); err != nil {
		l.opts.Metrics.IncTransportError()
		l.finishFailed(rec, err, journal.OutcomeFailed, journal.MethodFile, 0)
		return true
	}
	l.opts.Metrics.IncMessageSent()
	l.finishCompleted(rec, info)
	return true
}

// readFile passes a delivered file to the job's loader or reader.
// Failures of the client's own strategy come back as errReported.
func (l *Loader) readFile(rec *load, path string, info Info) error {
	if rec.job.LoadFile != nil {
		if err := rec.job.LoadFile(path, info); err != nil {
			return errReported
		}
		return nil
	}
	f, err := l.opts.Fs.Open(path)
	if err != nil {
		return types.NewTransferError(types.ErrProtocol, "open", path, err)
	}
	defer iox.DiscardClose(f)
	if err := rec.job.Read(f, info); err != nil {
		return errReported
	}
	return nil
}

func (l *Loader) handleFetchBounce(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&l.loads, msg.MyRef)
	if !ok {
		return false
	}
	l.opts.Metrics.IncBounce(msg.Action.String())
	if len(rec.buf) > 0 {
		l.opts.Logger.Warn("sender vanished during RAM transfer", map[string]any{"received": len(rec.buf)})
		l.fail(h, rec, nil, journal.OutcomeFailed)
		return true
	}
	// The sender does not do RAM transfer; ask for a file instead, in
	// reply to the original offer.
	if err := l.requestFile(rec, rec.job.Offer.MyRef); err != nil {
		l.fail(h, rec, err, journal.OutcomeFailed)
		return true
	}
	if err := l.arm(h, rec); err != nil {
		l.fail(h, rec, err, journal.OutcomeFailed)
	}
	return true
}

func (l *Loader) handleSaveAckBounce(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&l.loads, msg.MyRef)
	if !ok {
		return false
	}
	l.opts.Metrics.IncBounce(msg.Action.String())
	l.fail(h, rec, nil, journal.OutcomeFailed)
	return true
}

func (l *Loader) method(rec *load) string {
	if rec.state == awaitingTransmit {
		return journal.MethodRAM
	}
	return journal.MethodFile
}

func (l *Loader) fail(h registry.Handle, rec *load, err error, outcome string) {
	if !l.loads.Remove(h) {
		return
	}
	l.disarm(rec)
	n := len(rec.buf)
	rec.buf = nil
	l.finishFailed(rec, err, outcome, l.method(rec), n)
}

func (l *Loader) finishCompleted(rec *load, info Info) {
	l.opts.Metrics.IncLoadCompleted()
	l.opts.Metrics.AddBytesReceived(info.Size)
	if info.Method == journal.MethodRAM {
		l.opts.Metrics.IncRAMTransfer()
	} else {
		l.opts.Metrics.IncFileTransfer()
	}
	l.opts.Logger.Debug("load completed", map[string]any{"bytes": info.Size, "method": info.Method})
	journal.Emit(l.opts.Journal, l.opts.Logger, journal.Entry{
		Task:      l.opts.TaskName,
		Peer:      rec.peer,
		Direction: journal.DirectionReceive,
		Outcome:   journal.OutcomeCompleted,
		Method:    info.Method,
		FileType:  info.FileType,
		Bytes:     int64(info.Size),
		Path:      info.Name,
	})
}

func (l *Loader) finishFailed(rec *load, err error, outcome, method string, n int) {
	if errors.Is(err, errReported) {
		err = nil
	}
	l.opts.Metrics.IncLoadFailed()
	entry := journal.Entry{
		Task:      l.opts.TaskName,
		Peer:      rec.peer,
		Direction: journal.DirectionReceive,
		Outcome:   outcome,
		Method:    method,
		FileType:  rec.offer.FileType,
		Bytes:     int64(n),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	l.opts.Logger.Debug("load failed", map[string]any{"outcome": outcome, "error": entry.Error})
	journal.Emit(l.opts.Journal, l.opts.Logger, entry)
	if rec.job.Failed != nil {
		rec.job.Failed(err)
	}
}

var errReported = errors.New("already reported")
