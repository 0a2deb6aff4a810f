package reader

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chrisbazley/cblibrary/ipc"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// ErrNoTraceHeader is returned by ReadTrace when the first frame is not a
// trace header.
var ErrNoTraceHeader = errors.New("trace does not start with a header")

// ReadTrace decodes a trace file: a header frame followed by one envelope
// frame per delivery.
func ReadTrace(r io.Reader) (*Trace, error) {
	dec := ipc.NewFrameDecoder(r)
	var tr *Trace
	for n := 0; ; n++ {
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", n, err)
		}
		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", n, err)
		}

		switch f := frame.(type) {
		case *ipc.TraceHeader:
			if tr != nil {
				return nil, fmt.Errorf("frame %d: repeated trace header", n)
			}
			tr = &Trace{Version: f.Version, Scenario: f.Scenario, Started: f.Started, Deliveries: []Delivery{}}
		case *ipc.Envelope:
			if tr == nil {
				return nil, ErrNoTraceHeader
			}
			tr.Deliveries = append(tr.Deliveries, DeliveryFromEnvelope(f))
		}
	}
	if tr == nil {
		return nil, ErrNoTraceHeader
	}
	return tr, nil
}

// DeliveryFromEnvelope summarizes an envelope.
func DeliveryFromEnvelope(env *ipc.Envelope) Delivery {
	msg := env.Message
	return Delivery{
		Seq:     env.Seq,
		Mode:    transport.Mode(env.Mode).String(),
		From:    env.From,
		To:      env.To,
		Bounced: env.Bounced,
		Action:  msg.Action.String(),
		MyRef:   msg.MyRef,
		YourRef: msg.YourRef,
		Detail:  Describe(msg),
	}
}

// Describe renders the body of a message on one line.
func Describe(msg *types.Message) string {
	switch {
	case msg.Transfer != nil:
		t := msg.Transfer
		s := fmt.Sprintf("type=%s est=%d name=%q", t.FileType, t.EstSize, t.Name)
		if t.Window != 0 {
			s += fmt.Sprintf(" window=%d icon=%d", t.Window, t.Icon)
		}
		return s
	case msg.RAM != nil:
		if msg.Action == types.ActionRAMTransmit {
			return fmt.Sprintf("buffer=%d size=%d data=%d", msg.RAM.Buffer, msg.RAM.Size, len(msg.RAM.Data))
		}
		return fmt.Sprintf("buffer=%d free=%d", msg.RAM.Buffer, msg.RAM.Size)
	case msg.Entity != nil:
		return fmt.Sprintf("flags=%#x", uint32(msg.Entity.Flags))
	case msg.Request != nil:
		return fmt.Sprintf("flags=%#x window=%d types=%s", uint32(msg.Request.Flags), msg.Request.Window, fileTypes(msg.Request.FileTypes))
	case msg.Dragging != nil:
		d := msg.Dragging
		return fmt.Sprintf("window=%d pos=%d,%d flags=%#x types=%s", d.Window, d.X, d.Y, uint32(d.Flags), fileTypes(d.FileTypes))
	case msg.DragClaim != nil:
		return fmt.Sprintf("flags=%#x types=%s", uint32(msg.DragClaim.Flags), fileTypes(msg.DragClaim.FileTypes))
	}
	return ""
}

func fileTypes(l types.FileTypes) string {
	parts := make([]string, len(l))
	for i, t := range l {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
