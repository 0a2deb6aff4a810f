package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/chrisbazley/cblibrary/cli/reader"
	"github.com/chrisbazley/cblibrary/cli/render"
	"github.com/chrisbazley/cblibrary/cli/tui"
)

// TraceCommand returns the trace command.
func TraceCommand() *cli.Command {
	return &cli.Command{
		Name:      "trace",
		Usage:     "Show the message deliveries recorded by demo --trace",
		ArgsUsage: "<file>",
		Flags:     OutputFlags(),
		Action:    traceAction,
	}
}

func traceAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("trace requires exactly one <file> argument", ExitUsage)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}

	tr, err := readTraceFile(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), ExitFailed)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewTrace, tr)
	}
	return r.Render(presentTrace(r.Format(), tr))
}

func readTraceFile(path string) (*reader.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return reader.ReadTrace(f)
}

// traceHeader is the table form of a trace's header.
type traceHeader struct {
	Version    string `json:"version"`
	Scenario   string `json:"scenario"`
	Started    string `json:"started"`
	Deliveries int    `json:"deliveries"`
}

type traceSections struct {
	trace *reader.Trace
}

func (s traceSections) Sections() []render.Section {
	return []render.Section{
		{Title: "Trace", Data: traceHeader{
			Version:    s.trace.Version,
			Scenario:   s.trace.Scenario,
			Started:    s.trace.Started,
			Deliveries: len(s.trace.Deliveries),
		}},
		{Title: "Deliveries", Data: s.trace.Deliveries},
	}
}

func presentTrace(f render.Format, tr *reader.Trace) any {
	if f == render.FormatTable {
		return traceSections{trace: tr}
	}
	return tr
}
