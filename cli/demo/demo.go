// Package demo runs the transfer engines end to end between two tasks, so
// the protocols can be exercised and traced without a desktop.
package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/cli/config"
	"github.com/chrisbazley/cblibrary/cli/reader"
	"github.com/chrisbazley/cblibrary/drag"
	"github.com/chrisbazley/cblibrary/entity"
	"github.com/chrisbazley/cblibrary/ipc"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/loader"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/saver"
	"github.com/chrisbazley/cblibrary/sched"
	"github.com/chrisbazley/cblibrary/task"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/transport/redis"
	"github.com/chrisbazley/cblibrary/types"
)

// Scenarios.
const (
	ScenarioRAM       = "ram"
	ScenarioFile      = "file"
	ScenarioClipboard = "clipboard"
	ScenarioDrag      = "drag"
	ScenarioAll       = "all"
)

// Scenarios lists the scenarios "all" runs, in order.
var Scenarios = []string{ScenarioRAM, ScenarioFile, ScenarioClipboard, ScenarioDrag}

// DefaultTaskName names the sending task when the config names none.
const DefaultTaskName = "cblib"

// DefaultSize is the default payload size. It is larger than the loader's
// default buffer so RAM transfers take several exchanges.
const DefaultSize = 4096

// ErrTraceNeedsBus is returned when a trace is asked for on a transport
// whose deliveries cannot be observed.
var ErrTraceNeedsBus = errors.New("traces are only recorded on the bus transport")

// ParseScenarios parses a comma-separated scenario list.
func ParseScenarios(s string) ([]string, error) {
	if s == "" || s == ScenarioAll {
		return slices.Clone(Scenarios), nil
	}
	var out []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if !slices.Contains(Scenarios, name) {
			return nil, fmt.Errorf("unknown scenario %q (must be one of %s or all)", name, strings.Join(Scenarios, ", "))
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Options configures Run.
type Options struct {
	// Config supplies engine, transport and task settings.
	Config *config.Config
	// Scenarios to run, in order.
	Scenarios []string
	// Size is the payload size. Defaults to DefaultSize.
	Size int
	// Trace receives a frame per delivery. Bus transport only.
	Trace io.Writer
	// Journal records finished transfers in addition to the report.
	Journal journal.Journal
	// JournalName names the journal backend in the report and metrics.
	JournalName string
	Logger      *log.Logger
	// Now stamps the trace header. Defaults to time.Now.
	Now func() time.Time
}

type runner struct {
	opts      Options
	cfg       *config.Config
	name      string
	net       network
	loop      *sched.Loop
	clock     *sched.ManualClock
	collector *metrics.Collector
	entries   *journal.Stub
	journal   journal.Journal
	logger    *log.Logger
}

// Run performs the scenarios and reports what happened. It fails if a
// scenario's data does not arrive intact.
func Run(ctx context.Context, opts Options) (*reader.Report, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.JournalName == "" {
		opts.JournalName = config.JournalNone
	}
	name := cfg.Task.Name
	if name == "" {
		name = DefaultTaskName
	}
	kind := cfg.Transport.Kind
	if kind == "" {
		kind = config.TransportBus
	}

	r := &runner{
		opts:      opts,
		cfg:       cfg,
		name:      name,
		clock:     &sched.ManualClock{},
		collector: metrics.NewCollector(name, kind, opts.JournalName),
		entries:   journal.NewStub(),
		logger:    opts.Logger,
	}
	r.loop = sched.NewLoop(r.clock)
	tee := journal.Tee{r.entries}
	if opts.Journal != nil {
		tee = append(tee, opts.Journal)
	}
	r.journal = journal.NewInstrumented(tee, r.collector)

	switch kind {
	case config.TransportRedis:
		if opts.Trace != nil {
			return nil, ErrTraceNeedsBus
		}
		n, err := newRedisNetwork(redis.Config{
			URL:     cfg.Transport.RedisURL,
			Prefix:  cfg.Transport.ChannelPrefix,
			Timeout: cfg.Transport.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		r.net = n
	default:
		n := newBusNetwork(opts.Trace)
		err := n.writeHeader(&ipc.TraceHeader{
			Version:  types.TraceVersion,
			Scenario: strings.Join(opts.Scenarios, ","),
			Started:  opts.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, fmt.Errorf("write trace header: %w", err)
		}
		r.net = n
	}
	defer func() {
		if err := r.net.close(); err != nil {
			r.logger.Warn("close transport", map[string]any{"error": err.Error()})
		}
	}()

	report := &reader.Report{
		Scenarios: opts.Scenarios,
		Transport: kind,
		Journal:   opts.JournalName,
		Transfers: []reader.Transfer{},
	}
	var errs []error
	for _, s := range opts.Scenarios {
		before := len(r.entries.Entries())
		err := r.run(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("scenario %s: %w", s, err))
			r.logger.Error("scenario failed", map[string]any{"scenario": s, "error": err.Error()})
		} else {
			r.logger.Info("scenario passed", map[string]any{"scenario": s})
		}
		for _, e := range r.entries.Entries()[before:] {
			report.Transfers = append(report.Transfers, reader.TransferFromEntry(s, e))
		}
	}
	report.Summary = reader.Summarize(report.Transfers)
	report.Metrics = r.collector.Snapshot()
	return report, errors.Join(errs...)
}

// dstWindow is the window the receiving task owns, for drags to land on.
const dstWindow types.WindowHandle = 0x100

// world is a sending and a receiving task for one scenario.
type world struct {
	r        *runner
	ports    []transport.Port
	src, dst *task.Context
	payload  []byte
	got      [][]byte
	failures []error
}

func (r *runner) newWorld(ctx context.Context, scenario string) (*world, error) {
	cfg := r.cfg
	w := &world{r: r, payload: Payload(r.opts.Size)}
	fs := afero.NewMemMapFs()
	report := func(err error) { w.failures = append(w.failures, err) }

	build := func(name string, desktop drag.Desktop, lo loader.Options) (*task.Context, error) {
		port, err := r.net.connect(ctx, name)
		if err != nil {
			return nil, err
		}
		w.ports = append(w.ports, port)
		return task.New(&task.Config{
			Name:      name,
			Port:      port,
			Scheduler: r.loop,
			Desktop:   desktop,
			Fs:        fs,
			Logger:    r.logger.With("scenario", scenario),
			Collector: r.collector,
			Journal:   r.journal,
			Report:    report,
			Saver:     cfg.SaverOptions(),
			Loader:    lo,
			Entity:    cfg.EntityOptions(),
			Drag:      cfg.DragOptions(),
		})
	}

	var err error
	desktop := &pointer{at: drag.Pointer{Window: dstWindow, X: 640, Y: 512}}
	if w.src, err = build(r.name, desktop, cfg.LoaderOptions()); err != nil {
		return nil, errors.Join(err, w.close())
	}
	lo := cfg.LoaderOptions()
	if scenario == ScenarioFile {
		lo.NoRAM = true
	}
	if lo.ScrapPath == "" {
		lo.ScrapPath = "/" + r.name + "-scrap"
	}
	if w.dst, err = build(r.name+"-peer", nil, lo); err != nil {
		return nil, errors.Join(err, w.close())
	}
	if err := r.net.ownWindow(ctx, w.ports[1], dstWindow); err != nil {
		return nil, errors.Join(err, w.close())
	}

	w.dst.Accept(func(*types.Message) (loader.Job, bool) {
		return loader.Job{Read: w.read, Failed: w.failed}, true
	})
	return w, nil
}

func (w *world) read(r io.Reader, _ loader.Info) error {
	b, err := io.ReadAll(r)
	w.got = append(w.got, b)
	return err
}

func (w *world) failed(err error) {
	if err == nil {
		err = errors.New("transfer failed")
	}
	w.failures = append(w.failures, err)
}

// check reports whether the payload arrived exactly once and intact.
func (w *world) check() error {
	if len(w.failures) > 0 {
		return errors.Join(w.failures...)
	}
	if len(w.got) != 1 {
		return fmt.Errorf("received %d transfers, want 1", len(w.got))
	}
	if !bytes.Equal(w.got[0], w.payload) {
		return fmt.Errorf("received %d bytes that differ from the %d sent", len(w.got[0]), len(w.payload))
	}
	return nil
}

func (w *world) close() error {
	var errs []error
	for _, c := range []*task.Context{w.src, w.dst} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	for _, p := range w.ports {
		errs = append(errs, w.r.net.disconnect(p))
	}
	return errors.Join(errs...)
}

func (r *runner) run(ctx context.Context, scenario string) (err error) {
	w, err := r.newWorld(ctx, scenario)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, w.close()) }()

	switch scenario {
	case ScenarioRAM, ScenarioFile:
		err = w.save(ctx)
	case ScenarioClipboard:
		err = w.paste(ctx)
	case ScenarioDrag:
		err = w.drag(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
	if err != nil {
		return err
	}
	return w.check()
}

func (w *world) textJob() saver.Job {
	return saver.Job{
		Offer:  types.DataTransfer{FileType: types.FileTypeText, Name: "Demo"},
		Data:   w.payload,
		End:    len(w.payload),
		Failed: w.failed,
	}
}

// save sends the payload straight to the receiving task.
func (w *world) save(ctx context.Context) error {
	job := w.textJob()
	job.Dest = transport.ToTask(w.dst.Task())
	if err := w.src.Saver.Send(job); err != nil {
		return err
	}
	return w.r.net.deliver(ctx)
}

// paste puts the payload on the clipboard and has the receiving task ask
// for it.
func (w *world) paste(ctx context.Context) error {
	payload := w.payload
	err := w.src.Entity.Claim(types.EntityClipboard, entity.Provider{
		FileTypes: types.FileTypes{types.FileTypeText},
		Estimate:  func(types.FileType) int { return len(payload) },
		Write: func(out io.Writer, _ types.FileType) error {
			_, err := out.Write(payload)
			return err
		},
		Name: "Clip",
	})
	if err != nil {
		return err
	}
	if err := w.r.net.deliver(ctx); err != nil {
		return err
	}

	err = w.dst.Entity.RequestData(entity.Request{
		Flags:     types.EntityClipboard,
		FileTypes: types.FileTypes{types.FileTypeText},
	}, w.read, w.failed, nil)
	if err != nil {
		return err
	}
	return w.r.net.deliver(ctx)
}

// drag drags the payload from the sending task onto the receiving task's
// window.
func (w *world) drag(ctx context.Context) error {
	port := w.ports[1]
	port.Handle(types.ActionDragging, func(msg *types.Message) bool {
		if msg.Dragging == nil || msg.Dragging.Flags&types.DraggingDoNotClaim != 0 {
			return false
		}
		_, err := port.Send(transport.Send, &types.Message{
			Action:    types.ActionDragClaim,
			YourRef:   msg.MyRef,
			DragClaim: &types.DragClaim{FileTypes: types.FileTypes{types.FileTypeText}},
		}, transport.ToTask(msg.Sender))
		if err != nil {
			w.failed(err)
		}
		return true
	})

	err := w.src.Drag.Start(drag.Job{
		FileTypes: types.FileTypes{types.FileTypeText},
		DrawBox:   func(drag.BoxEvent, drag.Pointer, bool, any) {},
		Drop: func(d drag.Drop, _ any) bool {
			job := w.textJob()
			job.Offer.FileType = types.Negotiate(types.FileTypes{types.FileTypeText}, d.FileTypes)
			if err := w.src.SendDrop(d, job); err != nil {
				w.failed(err)
				return false
			}
			return true
		},
	})
	if err != nil {
		return err
	}

	interval := w.r.cfg.DragOptions().PollInterval
	if interval <= 0 {
		interval = drag.DefaultPollInterval
	}
	for range 3 {
		w.r.loop.Advance(w.r.clock, w.r.clock.Now()+interval)
		if err := w.r.net.deliver(ctx); err != nil {
			return err
		}
	}
	w.src.Drag.End()
	return w.r.net.deliver(ctx)
}

// pointer is a desktop whose pointer rests over one window.
type pointer struct {
	at drag.Pointer
}

func (p *pointer) Pointer() (drag.Pointer, error) { return p.at, nil }
func (p *pointer) SolidDrags() bool                { return true }

const filler = "The quick brown fox jumps over the lazy dog.\n"

// Payload returns size bytes of text.
func Payload(size int) []byte {
	return []byte(strings.Repeat(filler, size/len(filler)+1)[:size])
}
