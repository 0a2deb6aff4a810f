package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/chrisbazley/cblibrary/cli/config"
	"github.com/chrisbazley/cblibrary/cli/demo"
	"github.com/chrisbazley/cblibrary/cli/reader"
	"github.com/chrisbazley/cblibrary/cli/render"
	"github.com/chrisbazley/cblibrary/cli/tui"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/log"
)

// DemoCommand returns the demo command.
func DemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run transfer scenarios between two tasks and report the result",
		Description: `Runs one or more scenarios between a sending and a receiving task:
   ram        save through shared memory
   file       save through a scrap file (receiver refuses RAM)
   clipboard  claim the clipboard and paste from it
   drag       drag a selection onto the receiver's window and drop it`,
		Flags: append([]cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			&cli.StringFlag{
				Name:    "scenario",
				Aliases: []string{"s"},
				Usage:   "Comma-separated scenarios: ram, file, clipboard, drag or all",
				Value:   demo.ScenarioAll,
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "Payload size in bytes",
				Value: demo.DefaultSize,
			},
			&cli.StringFlag{
				Name:  "trace",
				Usage: "Write a message trace to this file (bus transport only)",
			},
		}, OutputFlags()...),
		Action: demoAction,
	}
}

func demoAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	scenarios, err := demo.ParseScenarios(c.String("scenario"))
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	if c.Int("size") < 0 {
		return cli.Exit("--size must not be negative", ExitUsage)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	logger := log.NewLoggerWithWriter(log.TaskMeta{Name: "cblib"}, c.App.ErrWriter, lvl)
	defer func() { _ = logger.Sync() }()

	report, runErr := runDemo(c.Context, cfg, demo.Options{
		Config:    cfg,
		Scenarios: scenarios,
		Size:      c.Int("size"),
		Logger:    logger,
	}, c.String("trace"))
	if report == nil {
		return cli.Exit(runErr.Error(), ExitUsage)
	}

	if c.Bool("tui") {
		err = r.RenderTUI(tui.ViewReport, report)
	} else {
		err = r.Render(presentReport(r.Format(), report))
	}
	if err != nil {
		return err
	}
	if runErr != nil {
		return cli.Exit(runErr.Error(), ExitFailed)
	}
	return nil
}

// runDemo opens the journal and trace file and runs the scenarios. A nil
// report means nothing ran.
func runDemo(ctx context.Context, cfg *config.Config, opts demo.Options, tracePath string) (*reader.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := openJournal(ctx, cfg, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	notifiers, err := openNotifiers(cfg)
	if err != nil {
		if j != nil {
			_ = j.Close()
		}
		return nil, fmt.Errorf("open notifiers: %w", err)
	}
	var sinks journal.Tee
	if j != nil {
		sinks = append(sinks, j)
	}
	sinks = append(sinks, notifiers...)
	if len(sinks) > 0 {
		defer func() { _ = sinks.Close() }()
		opts.Journal = sinks
	}
	opts.JournalName = journalBackend(cfg)

	var trace io.WriteCloser
	if tracePath != "" {
		if cfg.Transport.Kind == config.TransportRedis {
			return nil, demo.ErrTraceNeedsBus
		}
		f, err := os.Create(tracePath)
		if err != nil {
			return nil, fmt.Errorf("create trace: %w", err)
		}
		trace = f
		opts.Trace = f
	}

	report, err := demo.Run(ctx, opts)
	if trace != nil {
		if cerr := trace.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close trace: %w", cerr))
		}
	}
	return report, err
}

// reportSections renders a demo report as separate tables.
type reportSections struct {
	report *reader.Report
}

func (s reportSections) Sections() []render.Section {
	return []render.Section{
		{Title: "Summary", Data: s.report.Summary},
		{Title: "Transfers", Data: s.report.Transfers},
		{Title: "Metrics", Data: s.report.Metrics},
	}
}

func presentReport(f render.Format, report *reader.Report) any {
	if f == render.FormatTable {
		return reportSections{report: report}
	}
	return report
}
