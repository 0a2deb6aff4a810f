package transport

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chrisbazley/cblibrary/types"
)

func claim(flags types.EntityFlags) *types.Message {
	return &types.Message{Action: types.ActionClaimEntity, Entity: &types.EntityClaim{Flags: flags}}
}

func TestBus_SendAssignsSenderAndRef(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	var got *types.Message
	b.Handle(types.ActionClaimEntity, func(m *types.Message) bool {
		got = m
		return true
	})

	msg := claim(types.EntityClipboard)
	ref, err := a.Send(Send, msg, ToTask(b.Task()))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ref == 0 || msg.MyRef != ref || msg.Sender != a.Task() {
		t.Fatalf("ref = %d, msg = %+v", ref, msg)
	}
	if msg.Size != types.HeaderSize+4 {
		t.Errorf("Size = %d, want %d", msg.Size, types.HeaderSize+4)
	}

	bus.Run(0)
	if got == nil {
		t.Fatal("message not delivered")
	}
	if got == msg {
		t.Error("delivered message must be a copy")
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("delivered message mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_HandlersRunNewestFirst(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")

	var order []string
	a.Handle(types.ActionClaimEntity, func(*types.Message) bool {
		order = append(order, "old")
		return false
	})
	a.Handle(types.ActionClaimEntity, func(*types.Message) bool {
		order = append(order, "new")
		return false
	})

	if _, err := a.Send(Send, claim(1), Broadcast); err != nil {
		t.Fatal(err)
	}
	bus.Run(0)

	if diff := cmp.Diff([]string{"new", "old"}, order); diff != "" {
		t.Errorf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestBus_ClaimStopsDispatch(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")

	oldRan := false
	a.Handle(types.ActionClaimEntity, func(*types.Message) bool {
		oldRan = true
		return false
	})
	a.Handle(types.ActionClaimEntity, func(*types.Message) bool { return true })

	_, _ = a.Send(Send, claim(1), Broadcast)
	bus.Run(0)
	if oldRan {
		t.Error("handler after a claiming handler ran")
	}
}

func TestBus_RecordedMessageBouncesWhenUnanswered(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	delivered := false
	b.Handle(types.ActionRAMFetch, func(*types.Message) bool {
		delivered = true
		return false
	})
	var bounced *types.Message
	a.HandleBounce(types.ActionRAMFetch, func(m *types.Message) bool {
		bounced = m
		return true
	})

	ref, err := a.Send(SendRecorded, &types.Message{
		Action: types.ActionRAMFetch,
		RAM:    &types.RAMBlock{Buffer: 1, Size: 64},
	}, ToTask(b.Task()))
	if err != nil {
		t.Fatal(err)
	}
	bus.Run(0)

	if !delivered {
		t.Fatal("message not delivered before bouncing")
	}
	if bounced == nil {
		t.Fatal("unanswered recorded message did not bounce")
	}
	if bounced.MyRef != ref {
		t.Errorf("bounce MyRef = %d, want %d", bounced.MyRef, ref)
	}
}

func TestBus_ReplySuppressesBounce(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	b.Handle(types.ActionDataSave, func(m *types.Message) bool {
		reply := &types.Message{
			Action:   types.ActionDataSaveAck,
			YourRef:  m.MyRef,
			Transfer: &types.DataTransfer{EstSize: types.UnsafeEstimate, Name: "<Wimp$Scrap>"},
		}
		_, _ = b.Send(Send, reply, ToTask(m.Sender))
		return true
	})
	bouncedCount := 0
	a.HandleBounce(types.ActionDataSave, func(*types.Message) bool {
		bouncedCount++
		return true
	})
	var ack *types.Message
	a.Handle(types.ActionDataSaveAck, func(m *types.Message) bool {
		ack = m
		return true
	})

	ref, _ := a.Send(SendRecorded, &types.Message{
		Action:   types.ActionDataSave,
		Transfer: &types.DataTransfer{EstSize: 10, FileType: types.FileTypeText, Name: "Text"},
	}, ToTask(b.Task()))
	bus.Run(0)

	if bouncedCount != 0 {
		t.Errorf("bounced %d times, want 0", bouncedCount)
	}
	if ack == nil || ack.YourRef != ref {
		t.Fatalf("ack = %+v, want YourRef %d", ack, ref)
	}
}

func TestBus_AcknowledgeSuppressesBounce(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	b.Handle(types.ActionDataLoad, func(m *types.Message) bool {
		ack := m.Clone()
		ack.YourRef = m.MyRef
		_, _ = b.Send(Acknowledge, ack, ToTask(m.Sender))
		return true
	})
	bounced := false
	a.HandleBounce(types.ActionDataLoad, func(*types.Message) bool {
		bounced = true
		return true
	})

	_, _ = a.Send(SendRecorded, &types.Message{
		Action:   types.ActionDataLoad,
		Transfer: &types.DataTransfer{Name: "File"},
	}, ToTask(b.Task()))
	n := bus.Run(0)

	if bounced {
		t.Error("acknowledged message bounced")
	}
	if n != 1 {
		t.Errorf("deliveries = %d, want 1 (acknowledge is not delivered)", n)
	}
}

func TestBus_RecordedBroadcastStopsAtFirstAnswer(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")
	c := bus.Connect("c")

	b.Handle(types.ActionDataRequest, func(m *types.Message) bool {
		_, _ = b.Send(Send, &types.Message{
			Action:   types.ActionDataSave,
			YourRef:  m.MyRef,
			Transfer: &types.DataTransfer{Name: "Clip"},
		}, ToTask(m.Sender))
		return true
	})
	cSaw := false
	c.Handle(types.ActionDataRequest, func(*types.Message) bool {
		cSaw = true
		return false
	})
	bounced := false
	a.HandleBounce(types.ActionDataRequest, func(*types.Message) bool {
		bounced = true
		return true
	})

	_, _ = a.Send(SendRecorded, &types.Message{
		Action:  types.ActionDataRequest,
		Request: &types.DataRequest{Flags: types.EntityClipboard, FileTypes: types.FileTypes{types.FileTypeText}},
	}, Broadcast)
	bus.Run(0)

	if cSaw {
		t.Error("broadcast continued past the task that answered it")
	}
	if bounced {
		t.Error("answered broadcast bounced")
	}
}

func TestBus_UnansweredBroadcastBouncesOnce(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	bus.Connect("b")
	bus.Connect("c")

	bounces := 0
	a.HandleBounce(types.ActionReleaseEntity, func(*types.Message) bool {
		bounces++
		return true
	})

	_, _ = a.Send(SendRecorded, &types.Message{
		Action: types.ActionReleaseEntity,
		Entity: &types.EntityClaim{Flags: types.EntityClipboard},
	}, Broadcast)
	bus.Run(0)

	if bounces != 1 {
		t.Errorf("bounces = %d, want 1", bounces)
	}
}

func TestBus_WindowDestination(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")
	bus.SetWindowOwner(0x100, b.Task())

	got := false
	b.Handle(types.ActionDragging, func(*types.Message) bool {
		got = true
		return true
	})

	_, err := a.Send(Send, &types.Message{
		Action:   types.ActionDragging,
		Dragging: &types.Dragging{Window: 0x100},
	}, ToWindow(0x100, -1))
	if err != nil {
		t.Fatal(err)
	}
	bus.Run(0)
	if !got {
		t.Error("message to owned window not delivered")
	}

	_, err = a.Send(Send, &types.Message{Action: types.ActionDragging, Dragging: &types.Dragging{}}, ToWindow(0x200, -1))
	if !errors.Is(err, ErrNoSuchTask) || !types.IsTransportFailure(err) {
		t.Errorf("send to unknown window: err = %v", err)
	}
}

func TestBus_ClosedRecipientBounces(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	bounced := false
	a.HandleBounce(types.ActionDataLoad, func(*types.Message) bool {
		bounced = true
		return true
	})
	_, _ = a.Send(SendRecorded, &types.Message{Action: types.ActionDataLoad, Transfer: &types.DataTransfer{}}, ToTask(b.Task()))
	_ = b.Close()
	bus.Run(0)

	if !bounced {
		t.Error("message to a task that exited did not bounce")
	}
	if _, err := a.Send(Send, claim(1), ToTask(b.Task())); !errors.Is(err, ErrNoSuchTask) {
		t.Errorf("send to closed task: err = %v, want ErrNoSuchTask", err)
	}
}

func TestBus_OversizeMessageRejected(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	_, err := a.Send(Send, &types.Message{
		Action:   types.ActionDataSave,
		Transfer: &types.DataTransfer{Name: string(long)},
	}, Broadcast)
	if !errors.Is(err, types.ErrBadMessage) {
		t.Errorf("err = %v, want ErrBadMessage", err)
	}
	if bus.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", bus.Pending())
	}
}

func TestBus_TapSeesDeliveriesAndBounces(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	var events []Event
	bus.Tap(func(e Event) { events = append(events, e) })

	_, _ = a.Send(SendRecorded, &types.Message{Action: types.ActionRAMFetch, RAM: &types.RAMBlock{Size: 16}}, ToTask(b.Task()))
	bus.Run(0)

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Bounced || events[0].To != b.Task() {
		t.Errorf("first event = %+v, want delivery to b", events[0])
	}
	if !events[1].Bounced || events[1].To != a.Task() {
		t.Errorf("second event = %+v, want bounce to a", events[1])
	}
}

func TestRouter_RemoveDuringDispatch(t *testing.T) {
	var r Router
	ran := map[string]bool{}
	var second HandlerID
	second = r.Handle(types.ActionDragging, func(*types.Message) bool {
		ran["second"] = true
		return false
	})
	r.Handle(types.ActionDragging, func(*types.Message) bool {
		ran["first"] = true
		r.Remove(second)
		return false
	})

	r.Dispatch(&types.Message{Action: types.ActionDragging}, false)
	if !ran["first"] || ran["second"] {
		t.Errorf("ran = %v, want only first", ran)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
