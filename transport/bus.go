package transport

import (
	"errors"
	"fmt"

	"github.com/chrisbazley/cblibrary/types"
)

// ErrNoSuchTask is returned when a message is addressed to a task or window
// the bus does not know.
var ErrNoSuchTask = errors.New("no such task")

// Event describes one delivery observed by a Tap.
type Event struct {
	Mode    Mode             `json:"mode"`
	From    types.TaskHandle `json:"from"`
	To      types.TaskHandle `json:"to"`
	Bounced bool             `json:"bounced"`
	Message *types.Message   `json:"message"`
}

// Tap observes every delivery made by a Bus. The message must not be
// modified.
type Tap func(Event)

type delivery struct {
	mode    Mode
	from    types.TaskHandle
	to      types.TaskHandle
	bounced bool
	msg     *types.Message
}

// Bus is an in-process message transport connecting any number of tasks.
//
// Sends are queued and delivered by Step or Run, one message at a time, so
// handlers always run on the goroutine driving the bus and never re-enter
// one another. A Bus is not safe for concurrent use.
type Bus struct {
	ports    map[types.TaskHandle]*BusPort
	order    []types.TaskHandle
	windows  map[types.WindowHandle]types.TaskHandle
	queue    []delivery
	nextTask types.TaskHandle
	nextRef  types.Ref
	tap      Tap

	// Reference of the recorded message being delivered, and whether the
	// current recipient has answered it.
	inflight types.Ref
	answered bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		ports:   make(map[types.TaskHandle]*BusPort),
		windows: make(map[types.WindowHandle]types.TaskHandle),
	}
}

// Tap installs a delivery observer, replacing any previous one.
func (b *Bus) Tap(t Tap) {
	b.tap = t
}

// Connect registers a new task and returns its port.
func (b *Bus) Connect(name string) *BusPort {
	b.nextTask++
	p := &BusPort{bus: b, task: b.nextTask, name: name}
	b.ports[p.task] = p
	b.order = append(b.order, p.task)
	return p
}

// SetWindowOwner records that task owns window w. A zero task forgets w.
func (b *Bus) SetWindowOwner(w types.WindowHandle, task types.TaskHandle) {
	if task == 0 {
		delete(b.windows, w)
		return
	}
	b.windows[w] = task
}

// Pending returns the number of queued deliveries.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Step delivers one queued message. It reports whether there was one.
func (b *Bus) Step() bool {
	if len(b.queue) == 0 {
		return false
	}
	d := b.queue[0]
	b.queue[0] = delivery{}
	b.queue = b.queue[1:]

	if d.bounced {
		if p, ok := b.ports[d.to]; ok {
			b.observe(d)
			p.router.Dispatch(d.msg, true)
		}
		return true
	}

	recipients := []types.TaskHandle{d.to}
	if d.to == 0 {
		recipients = append([]types.TaskHandle(nil), b.order...)
	}

	answered := false
	for _, to := range recipients {
		p, ok := b.ports[to]
		if !ok {
			continue
		}
		dd := d
		dd.to = to
		dd.msg = d.msg.Clone()
		b.observe(dd)

		if d.mode == SendRecorded {
			b.inflight, b.answered = d.msg.MyRef, false
		}
		p.router.Dispatch(dd.msg, false)
		if d.mode == SendRecorded {
			answered = b.answered
			b.inflight, b.answered = 0, false
			if answered {
				break
			}
		}
	}

	if d.mode == SendRecorded && !answered {
		b.enqueue(delivery{
			mode:    d.mode,
			from:    d.to,
			to:      d.from,
			bounced: true,
			msg:     d.msg.Clone(),
		})
	}
	return true
}

// Run delivers queued messages until the queue is empty or limit
// deliveries have been made (limit <= 0 means no limit). It returns the
// number of deliveries made.
func (b *Bus) Run(limit int) int {
	n := 0
	for (limit <= 0 || n < limit) && b.Step() {
		n++
	}
	return n
}

func (b *Bus) observe(d delivery) {
	if b.tap != nil {
		b.tap(Event{Mode: d.mode, From: d.from, To: d.to, Bounced: d.bounced, Message: d.msg})
	}
}

func (b *Bus) enqueue(d delivery) {
	b.queue = append(b.queue, d)
}

func (b *Bus) resolve(dest Destination) (types.TaskHandle, error) {
	switch {
	case dest.Window != 0:
		t, ok := b.windows[dest.Window]
		if !ok {
			return 0, fmt.Errorf("window %d: %w", dest.Window, ErrNoSuchTask)
		}
		return t, nil
	case dest.Task != 0:
		if _, ok := b.ports[dest.Task]; !ok {
			return 0, fmt.Errorf("task %d: %w", dest.Task, ErrNoSuchTask)
		}
		return dest.Task, nil
	default:
		return 0, nil
	}
}

func (b *Bus) send(from types.TaskHandle, mode Mode, msg *types.Message, dest Destination) (types.Ref, error) {
	if msg == nil {
		return 0, SendError(0, errors.New("nil message"))
	}
	if _, ok := b.ports[from]; !ok {
		return 0, SendError(msg.Action, fmt.Errorf("task %d: %w", from, ErrNoSuchTask))
	}

	if msg.YourRef != 0 && msg.YourRef == b.inflight {
		b.answered = true
	}
	if mode == Acknowledge {
		return msg.YourRef, nil
	}

	to, err := b.resolve(dest)
	if err != nil {
		return 0, SendError(msg.Action, err)
	}
	if err := msg.SetSize(); err != nil {
		return 0, err
	}

	b.nextRef++
	msg.Sender = from
	msg.MyRef = b.nextRef
	b.enqueue(delivery{mode: mode, from: from, to: to, msg: msg.Clone()})
	return msg.MyRef, nil
}

// BusPort is a task's connection to a Bus.
type BusPort struct {
	bus    *Bus
	task   types.TaskHandle
	name   string
	router Router
	closed bool
}

var _ Port = (*BusPort)(nil)

// Task implements Port.
func (p *BusPort) Task() types.TaskHandle { return p.task }

// Name returns the name the task connected with.
func (p *BusPort) Name() string { return p.name }

// Send implements Port.
func (p *BusPort) Send(mode Mode, msg *types.Message, dest Destination) (types.Ref, error) {
	return p.bus.send(p.task, mode, msg, dest)
}

// Handle implements Port.
func (p *BusPort) Handle(action types.Action, h Handler) HandlerID {
	return p.router.Handle(action, h)
}

// HandleBounce implements Port.
func (p *BusPort) HandleBounce(action types.Action, h Handler) HandlerID {
	return p.router.HandleBounce(action, h)
}

// Remove implements Port.
func (p *BusPort) Remove(id HandlerID) {
	p.router.Remove(id)
}

// Handlers returns the number of registered handlers.
func (p *BusPort) Handlers() int {
	return p.router.Len()
}

// Close disconnects the task. Recorded messages still queued for it will
// bounce, and windows it owned are forgotten.
func (p *BusPort) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	b := p.bus
	delete(b.ports, p.task)
	for i, t := range b.order {
		if t == p.task {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	for w, t := range b.windows {
		if t == p.task {
			delete(b.windows, w)
		}
	}
	return nil
}
