// Package entity implements ownership of shared entities such as the
// caret, the selection and the clipboard.
//
// A task claims an entity by broadcasting ClaimEntity; whoever owned it
// before sees the broadcast and gives it up. Data belonging to an entity
// is fetched by broadcasting DataRequest, which the owner answers with an
// ordinary save. When the owner is this task the messages are skipped and
// the providers are called directly.
package entity

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/loader"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/registry"
	"github.com/chrisbazley/cblibrary/saver"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// DefaultClaimRing is the number of recent claims remembered so that
// their broadcast echoes can be recognised.
const DefaultClaimRing = 4

// DefaultLeafName names data offered without a Provider.Name.
const DefaultLeafName = "Clipboard"

// Provider supplies the data of an owned entity. Any function may be nil.
type Provider struct {
	// FileTypes lists the types the data can be supplied in, preferred
	// first.
	FileTypes types.FileTypes
	// Estimate returns the approximate size of the data in a given type.
	Estimate func(ft types.FileType) int
	// Write writes the data in a given type.
	Write func(w io.Writer, ft types.FileType) error
	// Lost is called when the provider stops being the owner of flag,
	// because another provider or task claimed it or it was released.
	Lost func(flag types.EntityFlags)
	// Name is the leaf name offered with the data.
	Name string
	// Client is passed back by Owner.
	Client any
}

func (p *Provider) name() string {
	if p.Name == "" {
		return DefaultLeafName
	}
	return p.Name
}

// Request describes where requested data is going.
type Request struct {
	// Flags selects the entities wanted; each set bit is requested
	// separately.
	Flags types.EntityFlags
	// Window, Icon, X and Y name the destination of the data.
	Window types.WindowHandle
	Icon   types.IconHandle
	X, Y   int32
	// FileTypes lists the types wanted, preferred first.
	FileTypes types.FileTypes
	// InReplyTo, when set, sends the request to the sender of that
	// message as a reply to it (for example to rescue data offered in a
	// ReleaseEntity) instead of broadcasting it.
	InReplyTo *types.Message
}

// ProbeFunc receives the type and size estimate of an entity's data.
type ProbeFunc func(info loader.Info)

// Options configures an Entity.
type Options struct {
	TaskName string
	// ClaimRing is the number of recent claims remembered.
	ClaimRing int
	// Report receives errors raised while serving other tasks' requests.
	Report  func(error)
	Logger  *log.Logger
	Metrics *metrics.Collector
	Journal journal.Journal
}

type request struct {
	ref    types.Ref
	flag   types.EntityFlags
	probe  ProbeFunc
	read   loader.ReadFunc
	failed func(error)
	client any
}

func (r *request) Ref() types.Ref { return r.ref }

type disposal struct {
	ref     types.Ref
	pending int
	exit    func()
}

// Entity tracks which entities this task owns and moves their data. It is
// not safe for concurrent use.
type Entity struct {
	port   transport.Port
	saver  *saver.Saver
	loader *loader.Loader
	opts   Options

	owned types.EntityFlags
	slots [types.NumEntities]*Provider

	claims    []types.Ref
	nextClaim int

	requests registry.Arena[*request]
	disposal *disposal
	handlers []transport.HandlerID
}

// New creates an Entity that moves data with sv and ld and registers its
// message handlers on port.
func New(port transport.Port, sv *saver.Saver, ld *loader.Loader, opts Options) *Entity {
	if opts.ClaimRing <= 0 {
		opts.ClaimRing = DefaultClaimRing
	}
	e := &Entity{
		port:   port,
		saver:  sv,
		loader: ld,
		opts:   opts,
		claims: make([]types.Ref, opts.ClaimRing),
	}
	e.handlers = []transport.HandlerID{
		port.Handle(types.ActionClaimEntity, e.handleClaim),
		port.Handle(types.ActionDataRequest, e.handleDataRequest),
		port.Handle(types.ActionDataSave, e.handleDataSave),
		port.HandleBounce(types.ActionDataRequest, e.handleRequestBounce),
		port.HandleBounce(types.ActionReleaseEntity, e.handleReleaseBounce),
	}
	return e
}

// Owned returns the entities this task owns.
func (e *Entity) Owned() types.EntityFlags {
	return e.owned
}

// Owner returns the provider installed for a single entity flag.
func (e *Entity) Owner(flag types.EntityFlags) (Provider, bool) {
	i, ok := slot(flag)
	if !ok || e.slots[i] == nil {
		return Provider{}, false
	}
	return *e.slots[i], true
}

func slot(flag types.EntityFlags) (int, bool) {
	if bits.OnesCount32(uint32(flag&types.AllEntities)) != 1 || flag&^types.AllEntities != 0 {
		return 0, false
	}
	return bits.TrailingZeros32(uint32(flag)), true
}

// Claim makes p the provider for every entity in flags. Entities not
// already owned are announced to other tasks; a provider displaced from an
// entity this task already owned is told through its Lost function first.
func (e *Entity) Claim(flags types.EntityFlags, p Provider) error {
	flags &= types.AllEntities
	if flags == 0 {
		return types.NewTransferError(types.ErrBadMessage, "claim", "", fmt.Errorf("no entities"))
	}
	if fresh := flags &^ e.owned; fresh != 0 {
		ref, err := e.port.Send(transport.Send, &types.Message{
			Action: types.ActionClaimEntity,
			Entity: &types.EntityClaim{Flags: fresh},
		}, transport.Broadcast)
		if err != nil {
			e.opts.Metrics.IncTransportError()
			return err
		}
		e.opts.Metrics.IncMessageSent()
		e.opts.Metrics.AddEntitiesClaimed(len(fresh.Bits()))
		e.claims[e.nextClaim] = ref
		e.nextClaim = (e.nextClaim + 1) % len(e.claims)
	}

	p.FileTypes = p.FileTypes.Clone()
	shared := &p
	for _, i := range flags.Bits() {
		if old := e.slots[i]; old != nil && old.Lost != nil {
			e.slots[i] = nil
			old.Lost(1 << i)
		}
		e.slots[i] = shared
	}
	e.owned |= flags
	e.opts.Logger.Debug("entities claimed", map[string]any{"flags": uint32(flags)})
	return nil
}

// Release removes the providers of the owned entities in flags, telling
// each through its Lost function. The entities stay owned until another
// task claims them, but no data can be had from them.
func (e *Entity) Release(flags types.EntityFlags) {
	for _, i := range (flags & e.owned).Bits() {
		old := e.slots[i]
		if old == nil {
			continue
		}
		e.slots[i] = nil
		if old.Lost != nil {
			old.Lost(1 << i)
		}
	}
}

func (e *Entity) ownClaim(ref types.Ref) bool {
	if ref == 0 {
		return false
	}
	for _, r := range e.claims {
		if r == ref {
			return true
		}
	}
	return false
}

func (e *Entity) handleClaim(msg *types.Message) bool {
	if msg.Entity == nil {
		return false
	}
	if e.ownClaim(msg.MyRef) {
		return true
	}
	lost := msg.Entity.Flags & e.owned
	if lost == 0 {
		return false
	}
	e.opts.Metrics.IncMessageReceived()
	e.Release(lost)
	e.owned &^= lost
	e.opts.Metrics.AddEntitiesLost(len(lost.Bits()))
	e.opts.Logger.Debug("entities lost", map[string]any{
		"flags":    uint32(lost),
		"claimant": int(msg.Sender),
	})
	return false
}

// ProbeData finds out the type and size of the data of each entity in
// req.Flags without transferring it. For every entity exactly one of probe
// and failed is called; for entities owned by this task that happens
// before ProbeData returns.
func (e *Entity) ProbeData(req Request, probe ProbeFunc, failed func(error), client any) error {
	if probe == nil {
		return types.NewTransferError(types.ErrBadMessage, "probe", "", fmt.Errorf("no probe function"))
	}
	return e.start(req, probe, nil, failed, client)
}

// RequestData fetches the data of each entity in req.Flags and passes it
// to read. For every entity exactly one of read and failed is called; for
// entities owned by this task that happens before RequestData returns and
// no messages are sent.
func (e *Entity) RequestData(req Request, read loader.ReadFunc, failed func(error), client any) error {
	if read == nil {
		return types.NewTransferError(types.ErrBadMessage, "request", "", fmt.Errorf("no read function"))
	}
	return e.start(req, nil, read, failed, client)
}

func (e *Entity) start(req Request, probe ProbeFunc, read loader.ReadFunc, failed func(error), client any) error {
	flags := req.Flags & types.AllEntities
	if flags == 0 {
		return types.NewTransferError(types.ErrBadMessage, "request", "", fmt.Errorf("no entities"))
	}

	var local, remote []int
	for _, i := range flags.Bits() {
		if !e.owned.Has(1 << i) {
			remote = append(remote, i)
			continue
		}
		p := e.slots[i]
		if p == nil || (read != nil && p.Write == nil) {
			return types.NewTransferError(types.ErrNoOwner, "request", "", fmt.Errorf("entity %d has no data", i))
		}
		local = append(local, i)
	}

	var started []registry.Handle
	for _, i := range remote {
		msg := &types.Message{
			Action: types.ActionDataRequest,
			Request: &types.DataRequest{
				Window:    req.Window,
				Icon:      req.Icon,
				X:         req.X,
				Y:         req.Y,
				Flags:     1 << i,
				FileTypes: req.FileTypes.Clone(),
			},
		}
		dest := transport.Broadcast
		if req.InReplyTo != nil {
			msg.YourRef = req.InReplyTo.MyRef
			dest = transport.ToTask(req.InReplyTo.Sender)
		}
		ref, err := e.port.Send(transport.SendRecorded, msg, dest)
		if err != nil {
			e.opts.Metrics.IncTransportError()
			for _, h := range started {
				e.requests.Remove(h)
			}
			return err
		}
		e.opts.Metrics.IncMessageSent()
		started = append(started, e.requests.Add(&request{
			ref:    ref,
			flag:   1 << i,
			probe:  probe,
			read:   read,
			failed: failed,
			client: client,
		}))
	}

	e.opts.Metrics.IncClipboardRequest()
	for _, i := range local {
		e.serveLocally(e.slots[i], req.FileTypes, probe, read, failed)
	}
	return nil
}

// serveLocally calls p directly in place of the protocol.
func (e *Entity) serveLocally(p *Provider, wanted types.FileTypes, probe ProbeFunc, read loader.ReadFunc, failed func(error)) {
	ft := types.Negotiate(p.FileTypes, wanted)
	info := loader.Info{
		Sender:   e.port.Task(),
		FileType: ft,
		Name:     p.name(),
		Method:   journal.MethodLocal,
	}
	entry := journal.Entry{
		Task:      e.opts.TaskName,
		Peer:      e.port.Task(),
		Direction: journal.DirectionRequest,
		Method:    journal.MethodLocal,
		FileType:  ft,
	}

	if probe != nil {
		switch {
		case p.Estimate != nil:
			info.Size = p.Estimate(ft)
		case p.Write != nil:
			cw := &countWriter{}
			if err := p.Write(cw, ft); err == nil {
				info.Size = cw.n
			}
		}
		entry.Outcome = journal.OutcomeCompleted
		entry.Bytes = int64(info.Size)
		journal.Emit(e.opts.Journal, e.opts.Logger, entry)
		probe(info)
		return
	}

	var buf bytes.Buffer
	err := p.Write(&buf, ft)
	if err == nil {
		info.Size = buf.Len()
		err = read(bytes.NewReader(buf.Bytes()), info)
	}
	entry.Bytes = int64(buf.Len())
	if err != nil {
		entry.Outcome = journal.OutcomeFailed
		entry.Error = err.Error()
		journal.Emit(e.opts.Journal, e.opts.Logger, entry)
		if failed != nil {
			failed(nil)
		}
		return
	}
	entry.Outcome = journal.OutcomeCompleted
	journal.Emit(e.opts.Journal, e.opts.Logger, entry)
}

type countWriter struct{ n int }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}

// handleDataSave picks up the owner's answer to one of our requests.
func (e *Entity) handleDataSave(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&e.requests, msg.YourRef)
	if !ok || msg.Transfer == nil {
		return false
	}
	e.requests.Remove(h)
	e.opts.Metrics.IncMessageReceived()

	if rec.probe != nil {
		// Leaving the DataSave unanswered ends the owner's save.
		journal.Emit(e.opts.Journal, e.opts.Logger, journal.Entry{
			Task:      e.opts.TaskName,
			Peer:      msg.Sender,
			Direction: journal.DirectionRequest,
			Outcome:   journal.OutcomeCompleted,
			Method:    journal.MethodNone,
			FileType:  msg.Transfer.FileType,
			Bytes:     int64(msg.Transfer.EstSize),
		})
		rec.probe(loader.Info{
			Sender:   msg.Sender,
			FileType: msg.Transfer.FileType,
			Name:     msg.Transfer.Name,
			Size:     int(msg.Transfer.EstSize),
			Method:   journal.MethodNone,
		})
		return true
	}

	err := e.loader.Receive(loader.Job{
		Offer:  msg,
		Read:   rec.read,
		Failed: rec.failed,
		Client: rec.client,
	})
	if err != nil && rec.failed != nil {
		rec.failed(err)
	}
	return true
}

func (e *Entity) handleRequestBounce(msg *types.Message) bool {
	h, rec, ok := registry.FindByRef(&e.requests, msg.MyRef)
	if !ok {
		return false
	}
	e.requests.Remove(h)
	e.opts.Metrics.IncBounce(msg.Action.String())
	err := types.NewTransferError(types.ErrNoOwner, "request", "", fmt.Errorf("entity flags %#x", uint32(rec.flag)))
	journal.Emit(e.opts.Journal, e.opts.Logger, journal.Entry{
		Task:      e.opts.TaskName,
		Direction: journal.DirectionRequest,
		Outcome:   journal.OutcomeFailed,
		Method:    journal.MethodNone,
		Error:     err.Error(),
	})
	if rec.failed != nil {
		rec.failed(err)
	}
	return true
}

// handleDataRequest serves another task's request for an entity we own.
// A reply to our ReleaseEntity that starts no save ends the disposal once
// no other save is outstanding.
func (e *Entity) handleDataRequest(msg *types.Message) bool {
	if msg.Request == nil || msg.Sender == e.port.Task() {
		return false
	}
	served := e.serveRequest(msg)
	if d := e.disposal; d != nil && !served && msg.YourRef == d.ref && d.pending == 0 {
		e.finishDisposal(d)
	}
	return served
}

func (e *Entity) serveRequest(msg *types.Message) bool {
	for _, i := range (msg.Request.Flags & e.owned).Bits() {
		p := e.slots[i]
		if p == nil || p.Write == nil {
			continue
		}
		e.opts.Metrics.IncMessageReceived()
		if err := e.serve(msg, p); err != nil {
			e.opts.Logger.Warn("cannot serve data request", map[string]any{"error": err.Error()})
			if e.opts.Report != nil {
				e.opts.Report(err)
			}
			return false
		}
		return true
	}
	return false
}

func (e *Entity) serve(msg *types.Message, p *Provider) error {
	req := msg.Request
	ft := types.Negotiate(p.FileTypes, req.FileTypes)
	est := 0
	if p.Estimate != nil {
		est = p.Estimate(ft)
	}
	write := p.Write
	job := saver.Job{
		Dest:    transport.ToTask(msg.Sender),
		YourRef: msg.MyRef,
		Offer: types.DataTransfer{
			Window:   req.Window,
			Icon:     req.Icon,
			X:        req.X,
			Y:        req.Y,
			EstSize:  int32(est),
			FileType: ft,
			Name:     p.name(),
		},
		Write:  func(w io.Writer) error { return write(w, ft) },
		Client: e,
	}
	if d := e.disposal; d != nil {
		d.pending++
		job.Complete = func(string) { e.sendDone(d) }
		job.Failed = func(error) { e.sendDone(d) }
	}
	if err := e.saver.Send(job); err != nil {
		if d := e.disposal; d != nil {
			d.pending--
		}
		return err
	}
	return nil
}

// DisposeAll gives other tasks a last chance to take the data of owned
// entities before this task exits. If any owned entity has data, a
// ReleaseEntity is broadcast and exit runs once every save it prompted has
// finished, or straight away if nobody answers it. Otherwise exit runs
// before DisposeAll returns.
func (e *Entity) DisposeAll(exit func()) error {
	if e.disposal != nil {
		return types.NewTransferError(types.ErrBusy, "dispose", "", nil)
	}
	var flags types.EntityFlags
	for _, i := range e.owned.Bits() {
		if p := e.slots[i]; p != nil && p.Write != nil {
			flags |= 1 << i
		}
	}
	if flags == 0 {
		if exit != nil {
			exit()
		}
		return nil
	}

	ref, err := e.port.Send(transport.SendRecorded, &types.Message{
		Action: types.ActionReleaseEntity,
		Entity: &types.EntityClaim{Flags: flags},
	}, transport.Broadcast)
	if err != nil {
		e.opts.Metrics.IncTransportError()
		return err
	}
	e.opts.Metrics.IncMessageSent()
	e.disposal = &disposal{ref: ref, exit: exit}
	e.opts.Logger.Debug("offering entities before exit", map[string]any{"flags": uint32(flags)})
	return nil
}

func (e *Entity) handleReleaseBounce(msg *types.Message) bool {
	d := e.disposal
	if d == nil || msg.MyRef != d.ref {
		return false
	}
	e.finishDisposal(d)
	return true
}

func (e *Entity) sendDone(d *disposal) {
	d.pending--
	if d.pending == 0 {
		e.finishDisposal(d)
	}
}

func (e *Entity) finishDisposal(d *disposal) {
	if e.disposal != d {
		return
	}
	e.disposal = nil
	if d.exit != nil {
		d.exit()
	}
}

// CancelRequests fails every outstanding request made for client, and any
// load already started for it, with no error. A nil client cancels only
// the requests made without one; loads are left alone.
func (e *Entity) CancelRequests(client any) {
	e.requests.Each(func(h registry.Handle, rec *request) {
		if rec.client == client && e.requests.Remove(h) && rec.failed != nil {
			rec.failed(nil)
		}
	})
	if client != nil {
		e.loader.Cancel(client)
	}
}

// Awaiting reports whether a message with YourRef ref would answer one of
// our requests.
func (e *Entity) Awaiting(ref types.Ref) bool {
	_, _, ok := registry.FindByRef(&e.requests, ref)
	return ok
}

// Pending returns the number of outstanding requests.
func (e *Entity) Pending() int {
	return e.requests.Len()
}

// Close fails outstanding requests, cancels saves serving other tasks and
// removes the Entity's handlers. Ownership is not given up; use
// DisposeAll for that.
func (e *Entity) Close() error {
	e.requests.Each(func(h registry.Handle, rec *request) {
		if e.requests.Remove(h) && rec.failed != nil {
			rec.failed(nil)
		}
	})
	e.saver.Cancel(e)
	for _, id := range e.handlers {
		e.port.Remove(id)
	}
	e.handlers = nil
	return nil
}
