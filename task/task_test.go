package task

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/drag"
	"github.com/chrisbazley/cblibrary/entity"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/loader"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/saver"
	"github.com/chrisbazley/cblibrary/sched"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

const dstWindow types.WindowHandle = 9

type desktop struct{ p drag.Pointer }

func (d *desktop) Pointer() (drag.Pointer, error) { return d.p, nil }
func (d *desktop) SolidDrags() bool                { return true }

type pair struct {
	bus   *transport.Bus
	clock *sched.ManualClock
	loop  *sched.Loop
	src   *Context
	dst   *Context

	dstPort  *transport.BusPort
	received []string
	accepted int
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{bus: transport.NewBus(), clock: &sched.ManualClock{}}
	p.loop = sched.NewLoop(p.clock)
	fs := afero.NewMemMapFs()

	srcPort := p.bus.Connect("src")
	src, err := New(&Config{
		Name:      "src",
		Port:      srcPort,
		Scheduler: p.loop,
		Desktop:   &desktop{p: drag.Pointer{Window: dstWindow, X: 10, Y: 20}},
		Fs:        fs,
		Collector: metrics.NewCollector("src", "bus", "none"),
	})
	if err != nil {
		t.Fatalf("New(src) failed: %v", err)
	}

	p.dstPort = p.bus.Connect("dst")
	dst, err := New(&Config{
		Name:      "dst",
		Port:      p.dstPort,
		Scheduler: p.loop,
		Fs:        fs,
		Loader:    loader.Options{ScrapPath: "/scrap"},
	})
	if err != nil {
		t.Fatalf("New(dst) failed: %v", err)
	}
	p.bus.SetWindowOwner(dstWindow, p.dstPort.Task())

	p.src, p.dst = src, dst
	dst.Accept(func(*types.Message) (loader.Job, bool) {
		p.accepted++
		return loader.Job{Read: p.read, Failed: func(err error) { t.Errorf("load failed: %v", err) }}, true
	})
	return p
}

func (p *pair) read(r io.Reader, _ loader.Info) error {
	b, err := io.ReadAll(r)
	p.received = append(p.received, string(b))
	return err
}

func TestNew_RequiresPortAndScheduler(t *testing.T) {
	bus := transport.NewBus()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no port", Config{Scheduler: sched.NewLoop(&sched.ManualClock{})}},
		{"no scheduler", Config{Port: bus.Connect("t")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNew_DragNeedsDesktop(t *testing.T) {
	p := newPair(t)
	if p.src.Drag == nil {
		t.Error("src has no Drag")
	}
	if p.dst.Drag != nil {
		t.Error("dst has a Drag without a desktop")
	}
}

func TestContext_DragAndDrop(t *testing.T) {
	p := newPair(t)
	p.dstPort.Handle(types.ActionDragging, func(msg *types.Message) bool {
		if msg.Dragging.Flags&types.DraggingDoNotClaim != 0 {
			return false
		}
		_, _ = p.dstPort.Send(transport.Send, &types.Message{
			Action:    types.ActionDragClaim,
			YourRef:   msg.MyRef,
			DragClaim: &types.DragClaim{FileTypes: types.FileTypes{types.FileTypeText}},
		}, transport.ToTask(msg.Sender))
		return true
	})

	payload := []byte("dropped text")
	err := p.src.Drag.Start(drag.Job{
		FileTypes: types.FileTypes{types.FileTypeText},
		DrawBox:   func(drag.BoxEvent, drag.Pointer, bool, any) {},
		Drop: func(d drag.Drop, _ any) bool {
			err := p.src.SendDrop(d, saver.Job{
				Offer: types.DataTransfer{FileType: types.FileTypeText, Name: "Snippet"},
				Data:  payload,
				End:   len(payload),
			})
			return err == nil
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p.loop.Advance(p.clock, 0)
	p.bus.Run(0)
	p.src.Drag.End()
	p.bus.Run(0)

	if diff := cmp.Diff([]string{"dropped text"}, p.received); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if p.src.Drag.Active() {
		t.Error("drag still active")
	}
}

func TestContext_ClipboardRepliesBypassAccept(t *testing.T) {
	p := newPair(t)
	err := p.src.Entity.Claim(types.EntityClipboard, entity.Provider{
		FileTypes: types.FileTypes{types.FileTypeText},
		Write: func(w io.Writer, _ types.FileType) error {
			_, err := io.WriteString(w, "copied")
			return err
		},
	})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	p.bus.Run(0)

	var got []string
	err = p.dst.Entity.RequestData(entity.Request{Flags: types.EntityClipboard}, func(r io.Reader, _ loader.Info) error {
		b, err := io.ReadAll(r)
		got = append(got, string(b))
		return err
	}, func(err error) { t.Errorf("request failed: %v", err) }, nil)
	if err != nil {
		t.Fatalf("RequestData failed: %v", err)
	}
	p.bus.Run(0)

	if diff := cmp.Diff([]string{"copied"}, got); diff != "" {
		t.Errorf("clipboard data mismatch (-want +got):\n%s", diff)
	}
	if p.accepted != 0 {
		t.Errorf("Accept called %d times for a request reply", p.accepted)
	}
}

func TestContext_CancelStopsEveryEngine(t *testing.T) {
	p := newPair(t)
	var failures []error
	failed := func(err error) { failures = append(failures, err) }

	_ = p.src.Saver.Send(saver.Job{
		Dest:   transport.ToTask(p.dstPort.Task()),
		Data:   []byte("abc"),
		End:    3,
		Failed: failed,
		Client: "doc",
	})
	_ = p.src.Entity.RequestData(entity.Request{Flags: types.EntitySelection}, func(io.Reader, loader.Info) error {
		return nil
	}, failed, "doc")

	p.src.Cancel("doc")
	p.src.Cancel("doc")

	if len(failures) != 2 || failures[0] != nil || failures[1] != nil {
		t.Errorf("failures = %v, want two nil", failures)
	}
}

func TestContext_CloseRemovesHandlers(t *testing.T) {
	p := newPair(t)
	j := journal.NewStub()
	port := p.bus.Connect("solo")
	c, err := New(&Config{Name: "solo", Port: port, Scheduler: p.loop, Journal: j, Desktop: &desktop{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Accept(func(*types.Message) (loader.Job, bool) { return loader.Job{}, false })
	if port.Handlers() == 0 {
		t.Fatal("no handlers registered")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := port.Handlers(); n != 0 {
		t.Errorf("Handlers after Close = %d, want 0", n)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
