// Package task bundles the transfer engines of one task.
//
// A Context owns a Saver, a Loader, an Entity and (when a desktop is
// available) a Drag, all sharing one transport port, one scheduler and
// one set of logging, metrics and journal sinks. Create it with New when
// the task starts and Close it when the task exits.
package task

import (
	"errors"

	"github.com/spf13/afero"

	"github.com/chrisbazley/cblibrary/drag"
	"github.com/chrisbazley/cblibrary/entity"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/loader"
	"github.com/chrisbazley/cblibrary/log"
	"github.com/chrisbazley/cblibrary/metrics"
	"github.com/chrisbazley/cblibrary/saver"
	"github.com/chrisbazley/cblibrary/sched"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// Config configures a Context.
type Config struct {
	// Name names the task in logs, metrics and the journal.
	Name string
	// Port connects the task to the message transport. Required.
	Port transport.Port
	// Scheduler runs the loader watchdogs and drag polls. Required.
	Scheduler sched.Scheduler
	// Desktop samples the pointer for drags. If nil, the Context has no
	// Drag.
	Desktop drag.Desktop
	// Fs is the filesystem used for file transfers. Defaults to the OS.
	Fs afero.Fs
	// Logger receives engine logs, tagged with the task name and handle.
	// If nil, nothing is logged.
	Logger *log.Logger
	// Collector counts protocol activity. If nil, nothing is counted.
	Collector *metrics.Collector
	// Journal records finished transfers. If nil, nothing is recorded.
	Journal journal.Journal
	// Report receives errors raised in message handlers that have no
	// caller to return them to.
	Report func(error)

	// Per-engine settings. Shared fields left zero are filled in from the
	// fields above.
	Saver  saver.Options
	Loader loader.Options
	Entity entity.Options
	Drag   drag.Options
}

// ErrInvalidConfig is returned by New for a Config missing a required
// field.
var ErrInvalidConfig = errors.New("invalid task config")

// Context is the set of engines for one task.
type Context struct {
	Saver  *saver.Saver
	Loader *loader.Loader
	Entity *entity.Entity
	// Drag is nil when the Config had no Desktop.
	Drag *drag.Drag

	port     transport.Port
	logger   *log.Logger
	handlers []transport.HandlerID
	closed   bool
}

// New creates the engines and registers their handlers on cfg.Port.
func New(cfg *Config) (*Context, error) {
	if cfg.Port == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("port is required"))
	}
	if cfg.Scheduler == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("scheduler is required"))
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := cfg.Logger.ForTask(log.TaskMeta{Name: cfg.Name, Handle: cfg.Port.Task()})
	j := cfg.Journal
	if j == nil {
		j = journal.Nop{}
	}

	so := cfg.Saver
	so.TaskName = cfg.Name
	if so.Fs == nil {
		so.Fs = fs
	}
	if so.Logger == nil {
		so.Logger = logger.With("engine", "saver")
	}
	if so.Metrics == nil {
		so.Metrics = cfg.Collector
	}
	if so.Journal == nil {
		so.Journal = j
	}

	lo := cfg.Loader
	lo.TaskName = cfg.Name
	if lo.Fs == nil {
		lo.Fs = fs
	}
	if lo.Logger == nil {
		lo.Logger = logger.With("engine", "loader")
	}
	if lo.Metrics == nil {
		lo.Metrics = cfg.Collector
	}
	if lo.Journal == nil {
		lo.Journal = j
	}

	eo := cfg.Entity
	eo.TaskName = cfg.Name
	if eo.Report == nil {
		eo.Report = cfg.Report
	}
	if eo.Logger == nil {
		eo.Logger = logger.With("engine", "entity")
	}
	if eo.Metrics == nil {
		eo.Metrics = cfg.Collector
	}
	if eo.Journal == nil {
		eo.Journal = j
	}

	c := &Context{port: cfg.Port, logger: logger}
	c.Saver = saver.New(cfg.Port, so)
	c.Loader = loader.New(cfg.Port, cfg.Scheduler, lo)
	c.Entity = entity.New(cfg.Port, c.Saver, c.Loader, eo)

	if cfg.Desktop != nil {
		do := cfg.Drag
		do.TaskName = cfg.Name
		if do.Report == nil {
			do.Report = cfg.Report
		}
		if do.Logger == nil {
			do.Logger = logger.With("engine", "drag")
		}
		if do.Metrics == nil {
			do.Metrics = cfg.Collector
		}
		if do.Journal == nil {
			do.Journal = j
		}
		c.Drag = drag.New(cfg.Port, cfg.Scheduler, cfg.Desktop, do)
	}

	logger.Debug("task engines ready", map[string]any{"drag": c.Drag != nil})
	return c, nil
}

// Task returns the handle of the task.
func (c *Context) Task() types.TaskHandle {
	return c.port.Task()
}

// AcceptFunc decides whether to load offered data, returning the job to
// load it with.
type AcceptFunc func(offer *types.Message) (loader.Job, bool)

// Accept registers fn for DataSave messages that are not answers to
// requests made through the Entity, so that files dragged to the task or
// data dropped on its windows can be loaded. Errors starting a load go to
// the job's Failed function.
func (c *Context) Accept(fn AcceptFunc) transport.HandlerID {
	id := c.port.Handle(types.ActionDataSave, func(msg *types.Message) bool {
		if msg.Transfer == nil || c.Entity.Awaiting(msg.YourRef) {
			return false
		}
		job, ok := fn(msg)
		if !ok {
			return false
		}
		job.Offer = msg
		if err := c.Loader.Receive(job); err != nil {
			if job.Failed != nil {
				job.Failed(err)
			}
		}
		return true
	})
	c.handlers = append(c.handlers, id)
	return id
}

// SendDrop starts saving dragged data to the destination a drop names. The
// job's offered file type should be chosen from d.FileTypes where the data
// can be converted.
func (c *Context) SendDrop(d drag.Drop, job saver.Job) error {
	job.Dest = d.Destination()
	job.YourRef = d.YourRef
	job.Offer.Window = d.Window
	job.Offer.Icon = d.Icon
	job.Offer.X = d.X
	job.Offer.Y = d.Y
	return c.Saver.Send(job)
}

// Cancel stops every transfer and request made for client, for example
// when the document it belongs to is closed.
func (c *Context) Cancel(client any) {
	c.Saver.Cancel(client)
	c.Loader.Cancel(client)
	c.Entity.CancelRequests(client)
}

// Close shuts down the engines and removes their handlers. Transfers in
// progress fail with no error. Closing twice does nothing.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.Drag != nil {
		errs = append(errs, c.Drag.Close())
	}
	errs = append(errs,
		c.Entity.Close(),
		c.Loader.Close(),
		c.Saver.Close(),
	)
	for _, id := range c.handlers {
		c.port.Remove(id)
	}
	c.handlers = nil
	return errors.Join(errs...)
}
