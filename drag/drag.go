// Package drag implements the source side of a drag-and-drop transfer.
//
// While the user drags, the source tells whoever owns the window under the
// pointer by sending Dragging. A task that wants the data answers with
// DragClaim and from then on receives the Dragging messages itself, and may
// ask the source to hide its drag box while it draws its own feedback.
// When the button is released the source sends one last Dragging to the
// claimant, whose DragClaim reply decides where the data is dropped. With
// no claimant the data is dropped on the window under the pointer.
//
// Only one drag can be active per Drag.
package drag

import (
	"errors"
	"fmt"

	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/sched"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// DefaultPollInterval is how often the pointer is sampled during a drag.
const DefaultPollInterval sched.Ticks = sched.TicksPerSecond / 4

// BoxEvent tells a BoxFunc what to do with the drag representation.
type BoxEvent int

// Box events.
const (
	BoxStart BoxEvent = iota
	BoxMove
	BoxHide
	BoxShow
	BoxCancel
)

func (e BoxEvent) String() string {
	switch e {
	case BoxStart:
		return "start"
	case BoxMove:
		return "move"
	case BoxHide:
		return "hide"
	case BoxShow:
		return "show"
	case BoxCancel:
		return "cancel"
	default:
		return fmt.Sprintf("BoxEvent(%d)", int(e))
	}
}

// Pointer is a pointer position and what lies under it. Window is zero
// when the pointer is over no window.
type Pointer struct {
	Window types.WindowHandle
	Icon   types.IconHandle
	X, Y   int32
}

// Desktop samples the state a drag depends on.
type Desktop interface {
	// Pointer returns the current pointer position.
	Pointer() (Pointer, error)
	// SolidDrags reports whether the drag should be drawn solid rather
	// than as an outline, taking user preferences and modifier keys into
	// account.
	SolidDrags() bool
}

// BoxFunc draws the drag representation.
type BoxFunc func(ev BoxEvent, at Pointer, solid bool, client any)

// Drop says where dragged data should go.
type Drop struct {
	// Claimant is the task that claimed the drag, or zero.
	Claimant types.TaskHandle
	// YourRef is the reference of the claimant's DragClaim; a DataSave
	// sent to the claimant should reply to it.
	YourRef types.Ref
	// FileTypes are the types the claimant asked for.
	FileTypes types.FileTypes
	// DeleteSource is set when the claimant asked for the source data to
	// be deleted after the transfer.
	DeleteSource bool
	// Window, Icon, X and Y are where the pointer was released.
	Window types.WindowHandle
	Icon   types.IconHandle
	X, Y   int32
}

// Destination returns where to send the data.
func (d Drop) Destination() transport.Destination {
	if d.Claimant != 0 {
		return transport.ToTask(d.Claimant)
	}
	return transport.ToWindow(d.Window, d.Icon)
}

// DropFunc starts sending the dragged data. It returns false if it did not
// start a save, in which case a claimant is told to give up.
type DropFunc func(d Drop, client any) bool

// Job describes one drag.
type Job struct {
	// FileTypes lists the types the data can be supplied in.
	FileTypes types.FileTypes
	// Bounds is the bounding box of the dragged data relative to the
	// pointer, if known.
	Bounds *types.Box
	// Flags describe where the data comes from.
	Flags types.DraggingFlags
	// DrawBox draws the drag representation. Required.
	DrawBox BoxFunc
	// Drop starts sending the data once the drag ends.
	Drop DropFunc
	// Client is passed back to DrawBox and Drop.
	Client any
}

// Options configures a Drag.
type Options struct {
	TaskName string
	// PollInterval is how often the pointer is sampled.
	PollInterval sched.Ticks
	// Report receives errors raised after Start has returned.
	Report  func(error)
	Logger  *log.Logger
	Metrics *metrics.Collector
	Journal journal.Journal
}

type state int

const (
	dragging state = iota
	finishing
)

type session struct {
	job     Job
	state   state
	solid   bool
	poll    sched.Token
	pointer Pointer

	// lastRef is the reference of the most recent Dragging.
	lastRef types.Ref

	claimant   types.TaskHandle
	claimRef   types.Ref
	claimFlags types.DragClaimFlags
	claimTypes types.FileTypes
	hidden     bool
}

// Drag runs drags for one task. It is not safe for concurrent use.
type Drag struct {
	port     transport.Port
	sched    sched.Scheduler
	desktop  Desktop
	opts     Options
	s        *session
	handlers []transport.HandlerID
}

// New creates a Drag sending its messages through port.
func New(port transport.Port, s sched.Scheduler, desktop Desktop, opts Options) *Drag {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	d := &Drag{port: port, sched: s, desktop: desktop, opts: opts}
	d.handlers = []transport.HandlerID{
		port.Handle(types.ActionDragClaim, d.handleClaim),
		port.HandleBounce(types.ActionDragging, d.handleBounce),
	}
	return d
}

// Active reports whether a drag is in progress or awaiting the claimant's
// final answer.
func (d *Drag) Active() bool {
	return d.s != nil
}

// Start begins a drag. The pointer is sampled at once; Dragging messages
// are sent from the scheduler.
func (d *Drag) Start(job Job) error {
	if d.s != nil {
		return types.NewTransferError(types.ErrBusy, "drag", "", errors.New("a drag is already active"))
	}
	if job.DrawBox == nil {
		return types.NewTransferError(types.ErrBadMessage, "drag", "", errors.New("no box function"))
	}
	p, err := d.desktop.Pointer()
	if err != nil {
		return fmt.Errorf("read pointer: %w", err)
	}

	job.FileTypes = job.FileTypes.Clone()
	if job.Bounds != nil {
		b := *job.Bounds
		job.Bounds = &b
	}
	s := &session{job: job, state: dragging, solid: d.desktop.SolidDrags(), pointer: p}

	tok, err := d.sched.RegisterDelay(func(now sched.Ticks) sched.Ticks {
		return d.tick(s, now)
	}, 0, sched.PriorityMedium)
	if err != nil {
		return fmt.Errorf("register drag poll: %w", err)
	}
	s.poll = tok
	d.s = s

	d.opts.Metrics.IncDragStarted()
	d.opts.Logger.Debug("drag started", map[string]any{"solid": s.solid})
	job.DrawBox(BoxStart, p, s.solid, job.Client)
	return nil
}

func (d *Drag) tick(s *session, now sched.Ticks) sched.Ticks {
	if d.s != s || s.state != dragging {
		return sched.Done
	}
	d.refresh(s)
	d.sendDragging(s)
	return now + d.opts.PollInterval
}

// refresh samples the pointer and moves the box if it moved.
func (d *Drag) refresh(s *session) {
	p, err := d.desktop.Pointer()
	if err != nil {
		d.report(fmt.Errorf("read pointer: %w", err))
		return
	}
	if p == s.pointer {
		return
	}
	s.pointer = p
	if s.state == dragging {
		s.job.DrawBox(BoxMove, p, s.solid, s.job.Client)
	}
}

// sendDragging tells the claimant, or else the owner of the window under
// the pointer, about the drag.
func (d *Drag) sendDragging(s *session) {
	p := s.pointer
	msg := &types.Message{
		Action: types.ActionDragging,
		Dragging: &types.Dragging{
			Window:    p.Window,
			Icon:      p.Icon,
			X:         p.X,
			Y:         p.Y,
			Flags:     s.job.Flags,
			FileTypes: s.job.FileTypes.Clone(),
		},
	}
	if s.job.Bounds != nil {
		b := *s.job.Bounds
		msg.Dragging.Box = &b
	}

	var dest transport.Destination
	switch {
	case s.claimant != 0:
		dest = transport.ToTask(s.claimant)
		msg.YourRef = s.claimRef
	case p.Window != 0:
		dest = transport.ToWindow(p.Window, p.Icon)
	default:
		return
	}

	ref, err := d.port.Send(transport.SendRecorded, msg, dest)
	if err != nil {
		if errors.Is(err, transport.ErrNoSuchTask) && s.claimant == 0 {
			// Nobody owns the window.
			return
		}
		d.opts.Metrics.IncTransportError()
		d.report(err)
		return
	}
	d.opts.Metrics.IncMessageSent()
	s.lastRef = ref
}

func (d *Drag) handleClaim(msg *types.Message) bool {
	s := d.s
	if s == nil || msg.DragClaim == nil || msg.YourRef == 0 || msg.YourRef != s.lastRef {
		return false
	}
	d.opts.Metrics.IncMessageReceived()
	claim := msg.DragClaim

	if s.state == finishing {
		d.drop(s, msg)
		return true
	}

	prev := s.claimFlags
	next := claim.Flags
	switch {
	case next&types.DragClaimRemoveDragBox != 0 && prev&types.DragClaimRemoveDragBox == 0:
		s.hidden = true
		s.job.DrawBox(BoxHide, s.pointer, s.solid, s.job.Client)
	case next&types.DragClaimRemoveDragBox == 0 && prev&types.DragClaimRemoveDragBox != 0:
		s.hidden = false
		s.job.DrawBox(BoxShow, s.pointer, s.solid, s.job.Client)
	}
	if s.claimant != msg.Sender {
		d.opts.Logger.Debug("drag claimed", map[string]any{"claimant": int(msg.Sender)})
	}
	s.claimant = msg.Sender
	s.claimRef = msg.MyRef
	s.claimFlags = next
	s.claimTypes = claim.FileTypes.Clone()
	return true
}

// handleBounce hears that a Dragging went unanswered. Only one sent to
// the claimant matters: the claimant has gone.
func (d *Drag) handleBounce(msg *types.Message) bool {
	s := d.s
	if s == nil {
		return false
	}
	if msg.MyRef != s.lastRef {
		return false
	}
	if s.claimant == 0 {
		return true
	}
	d.opts.Logger.Debug("drag claimant gone", map[string]any{"claimant": int(s.claimant)})
	s.claimant, s.claimRef, s.claimFlags, s.claimTypes = 0, 0, 0, nil
	if s.state == finishing {
		d.drop(s, nil)
		return true
	}
	if s.hidden {
		s.hidden = false
		s.job.DrawBox(BoxShow, s.pointer, s.solid, s.job.Client)
	}
	return true
}

// End finishes the drag when the user releases the button. A claimant is
// sent a final Dragging and the drop waits for its answer; without one the
// data is dropped on the window under the pointer straight away.
func (d *Drag) End() {
	s := d.s
	if s == nil || s.state != dragging {
		return
	}
	s.state = finishing
	d.sched.Deregister(s.poll)
	d.refresh(s)
	s.job.DrawBox(BoxCancel, s.pointer, s.solid, s.job.Client)

	if s.claimant == 0 {
		d.drop(s, nil)
		return
	}
	before := s.lastRef
	d.sendDragging(s)
	if s.lastRef == before {
		// The final Dragging could not be sent.
		d.drop(s, nil)
	}
}

// Abort cancels the drag without dropping anything. A claimant is told to
// give up. Aborting when no drag is active does nothing.
func (d *Drag) Abort() error {
	s := d.s
	if s == nil {
		return nil
	}
	d.sched.Deregister(s.poll)
	if s.state == dragging {
		s.job.DrawBox(BoxCancel, s.pointer, s.solid, s.job.Client)
	}

	var err error
	if s.claimant != 0 {
		err = d.relinquish(s, s.claimant, s.claimRef)
	}
	d.opts.Metrics.IncDragAborted()
	d.finish(s, journal.OutcomeCancelled)
	return err
}

// drop hands the data to claim's sender, or to the window under the
// pointer when claim is nil.
func (d *Drag) drop(s *session, claim *types.Message) {
	dr := Drop{
		Window: s.pointer.Window,
		Icon:   s.pointer.Icon,
		X:      s.pointer.X,
		Y:      s.pointer.Y,
	}
	if claim != nil {
		dr.Claimant = claim.Sender
		dr.YourRef = claim.MyRef
		dr.FileTypes = claim.DragClaim.FileTypes.Clone()
		dr.DeleteSource = claim.DragClaim.Flags&types.DragClaimDeleteSource != 0
	}

	started := false
	if s.job.Drop != nil && (dr.Claimant != 0 || dr.Window != 0) {
		started = s.job.Drop(dr, s.job.Client)
	}
	if !started && claim != nil {
		if err := d.relinquish(s, claim.Sender, claim.MyRef); err != nil {
			d.report(err)
		}
	}

	if started {
		d.opts.Metrics.IncDragDropped()
		d.finish(s, journal.OutcomeCompleted)
		return
	}
	d.finish(s, journal.OutcomeCancelled)
}

// relinquish tells a claimant to stop claiming.
func (d *Drag) relinquish(s *session, to types.TaskHandle, yourRef types.Ref) error {
	_, err := d.port.Send(transport.Send, &types.Message{
		Action:  types.ActionDragging,
		YourRef: yourRef,
		Dragging: &types.Dragging{
			Window:    s.pointer.Window,
			Icon:      s.pointer.Icon,
			X:         s.pointer.X,
			Y:         s.pointer.Y,
			Flags:     s.job.Flags | types.DraggingDoNotClaim,
			FileTypes: s.job.FileTypes.Clone(),
		},
	}, transport.ToTask(to))
	if err != nil {
		d.opts.Metrics.IncTransportError()
		return err
	}
	d.opts.Metrics.IncMessageSent()
	return nil
}

func (d *Drag) finish(s *session, outcome string) {
	if d.s != s {
		return
	}
	d.s = nil
	d.opts.Logger.Debug("drag finished", map[string]any{"outcome": outcome})
	journal.Emit(d.opts.Journal, d.opts.Logger, journal.Entry{
		Task:      d.opts.TaskName,
		Peer:      s.claimant,
		Direction: journal.DirectionDrag,
		Outcome:   outcome,
		Method:    journal.MethodNone,
	})
}

func (d *Drag) report(err error) {
	d.opts.Logger.Warn("drag error", map[string]any{"error": err.Error()})
	if d.opts.Report != nil {
		d.opts.Report(err)
	}
}

// Close aborts any drag and removes the Drag's handlers.
func (d *Drag) Close() error {
	err := d.Abort()
	for _, id := range d.handlers {
		d.port.Remove(id)
	}
	d.handlers = nil
	return err
}
