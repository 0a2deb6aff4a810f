// Package types defines the desktop message model shared by the transfer
// engines: message header, action codes, protocol bodies and file types.
package types

import "fmt"

// TaskHandle identifies a task on the message transport. Zero means
// "no task" and, as a destination, broadcast.
type TaskHandle int32

// WindowHandle identifies a window. Negative values are reserved by the
// desktop (icon bar, background).
type WindowHandle int32

// IconHandle identifies an icon within a window. -1 means the work area.
type IconHandle int32

// Ref is a message reference allocated by the transport when a message is
// sent. Zero means "no reference".
type Ref int32

// Action is the message action code.
type Action int32

// Message action codes of the data-transfer, clipboard and drag protocols.
const (
	ActionQuit          Action = 0
	ActionDataSave      Action = 1
	ActionDataSaveAck   Action = 2
	ActionDataLoad      Action = 3
	ActionDataLoadAck   Action = 4
	ActionDataOpen      Action = 5
	ActionRAMFetch      Action = 6
	ActionRAMTransmit   Action = 7
	ActionClaimEntity   Action = 15
	ActionDataRequest   Action = 16
	ActionDragging      Action = 17
	ActionDragClaim     Action = 18
	ActionReleaseEntity Action = 19
)

var actionNames = map[Action]string{
	ActionQuit:          "Quit",
	ActionDataSave:      "DataSave",
	ActionDataSaveAck:   "DataSaveAck",
	ActionDataLoad:      "DataLoad",
	ActionDataLoadAck:   "DataLoadAck",
	ActionDataOpen:      "DataOpen",
	ActionRAMFetch:      "RAMFetch",
	ActionRAMTransmit:   "RAMTransmit",
	ActionClaimEntity:   "ClaimEntity",
	ActionDataRequest:   "DataRequest",
	ActionDragging:      "Dragging",
	ActionDragClaim:     "DragClaim",
	ActionReleaseEntity: "ReleaseEntity",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%#x)", int32(a))
}

// HeaderSize is the size in bytes of the message header
// (size, sender, my_ref, your_ref, action).
const HeaderSize = 20

// MaxMessageSize is the largest message the transport will carry.
const MaxMessageSize = 256

// Message is a single inter-task message. Exactly one body pointer is set,
// chosen by Action; messages with no body (Quit) leave them all nil.
type Message struct {
	// Size is the message size in bytes, filled in by SetSize.
	Size int32 `json:"size" msgpack:"size"`
	// Sender is the task that sent the message, filled in by the transport.
	Sender TaskHandle `json:"sender" msgpack:"sender"`
	// MyRef is allocated by the transport on send.
	MyRef Ref `json:"my_ref" msgpack:"my_ref"`
	// YourRef is the MyRef of the message being replied to, or zero.
	YourRef Ref `json:"your_ref" msgpack:"your_ref"`
	// Action is the message action code.
	Action Action `json:"action" msgpack:"action"`

	Transfer  *DataTransfer `json:"transfer,omitempty" msgpack:"transfer,omitempty"`
	RAM       *RAMBlock     `json:"ram,omitempty" msgpack:"ram,omitempty"`
	Entity    *EntityClaim  `json:"entity,omitempty" msgpack:"entity,omitempty"`
	Request   *DataRequest  `json:"request,omitempty" msgpack:"request,omitempty"`
	Dragging  *Dragging     `json:"dragging,omitempty" msgpack:"dragging,omitempty"`
	DragClaim *DragClaim    `json:"drag_claim,omitempty" msgpack:"drag_claim,omitempty"`
}

// Clone returns a deep copy of m. The transport clones every message it
// queues so that senders may reuse their templates.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Transfer != nil {
		t := *m.Transfer
		c.Transfer = &t
	}
	if m.RAM != nil {
		r := *m.RAM
		r.Data = append([]byte(nil), m.RAM.Data...)
		c.RAM = &r
	}
	if m.Entity != nil {
		e := *m.Entity
		c.Entity = &e
	}
	if m.Request != nil {
		r := *m.Request
		r.FileTypes = m.Request.FileTypes.Clone()
		c.Request = &r
	}
	if m.Dragging != nil {
		d := *m.Dragging
		d.FileTypes = m.Dragging.FileTypes.Clone()
		if m.Dragging.Box != nil {
			b := *m.Dragging.Box
			d.Box = &b
		}
		c.Dragging = &d
	}
	if m.DragClaim != nil {
		d := *m.DragClaim
		d.FileTypes = m.DragClaim.FileTypes.Clone()
		c.DragClaim = &d
	}
	return &c
}

// bodySize returns the size of the message body in bytes as laid out on
// the desktop: words for integer fields, a terminated file type list and a
// NUL-terminated name padded to a word boundary.
func (m *Message) bodySize() int {
	switch {
	case m.Transfer != nil:
		return 24 + wordAlign(len(m.Transfer.Name)+1)
	case m.RAM != nil:
		return 8
	case m.Entity != nil:
		return 4
	case m.Request != nil:
		return 20 + 4*(len(m.Request.FileTypes)+1)
	case m.Dragging != nil:
		return 36 + 4*(len(m.Dragging.FileTypes)+1)
	case m.DragClaim != nil:
		return 4 + 4*(len(m.DragClaim.FileTypes)+1)
	default:
		return 0
	}
}

// SetSize fills in the Size field from the body and returns an error if
// the message would not fit in a single transport block.
func (m *Message) SetSize() error {
	size := HeaderSize + m.bodySize()
	if size > MaxMessageSize {
		return NewTransferError(ErrBadMessage, "size", "", fmt.Errorf("%s message needs %d bytes, limit %d", m.Action, size, MaxMessageSize))
	}
	m.Size = int32(size)
	return nil
}

func wordAlign(n int) int {
	return (n + 3) &^ 3
}
