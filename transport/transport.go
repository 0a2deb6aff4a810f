// Package transport defines the inter-task message primitive the transfer
// engines are built on, and an in-process implementation of it.
//
// A Port belongs to one task. Messages are sent with a delivery mode and a
// destination; inbound messages are dispatched to handlers registered per
// action code, and recorded messages that nobody answered come back to the
// sender's bounce handlers.
package transport

import (
	"fmt"

	"github.com/chrisbazley/cblibrary/types"
)

// Mode is a delivery mode.
type Mode int

const (
	// Send delivers a message with no delivery tracking.
	Send Mode = iota
	// SendRecorded delivers a message and returns it to the sender as a
	// bounce if the recipient neither replies to it nor acknowledges it
	// while handling it.
	SendRecorded
	// Acknowledge tells the sender of a recorded message that it was
	// received, without replying.
	Acknowledge
)

func (m Mode) String() string {
	switch m {
	case Send:
		return "send"
	case SendRecorded:
		return "recorded"
	case Acknowledge:
		return "acknowledge"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Destination addresses a message. A non-zero Window is resolved to the
// task that owns it; otherwise a non-zero Task is used; otherwise the
// message is broadcast to every task.
type Destination struct {
	Task   types.TaskHandle
	Window types.WindowHandle
	Icon   types.IconHandle
}

// ToTask addresses a task directly.
func ToTask(t types.TaskHandle) Destination {
	return Destination{Task: t}
}

// ToWindow addresses whichever task owns a window.
func ToWindow(w types.WindowHandle, i types.IconHandle) Destination {
	return Destination{Window: w, Icon: i}
}

// Broadcast addresses every task.
var Broadcast = Destination{}

// IsBroadcast reports whether d addresses every task.
func (d Destination) IsBroadcast() bool {
	return d.Task == 0 && d.Window == 0
}

// Handler handles an inbound message (or a bounced outbound one). It
// returns true to claim the message, stopping further dispatch.
type Handler func(msg *types.Message) bool

// HandlerID identifies a registered handler.
type HandlerID uint64

// Port is one task's connection to the message transport.
type Port interface {
	// Task returns the handle of the task that owns this port.
	Task() types.TaskHandle
	// Send sets msg.Sender and msg.MyRef, queues a copy of msg for
	// delivery and returns the reference allocated to it. Acknowledge
	// mode reuses the reference of the message being acknowledged.
	Send(mode Mode, msg *types.Message, dest Destination) (types.Ref, error)
	// Handle registers h for inbound messages with the given action.
	Handle(action types.Action, h Handler) HandlerID
	// HandleBounce registers h for recorded messages of the given action
	// that this task sent and nobody answered.
	HandleBounce(action types.Action, h Handler) HandlerID
	// Remove deregisters a handler. It is safe to call from a handler.
	Remove(id HandlerID)
}

// SendError wraps a synchronous send failure.
func SendError(action types.Action, err error) error {
	return types.NewTransferError(types.ErrTransport, "send "+action.String(), "", err)
}
