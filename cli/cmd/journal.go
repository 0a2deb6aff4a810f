package cmd

import (
	"errors"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/chrisbazley/cblibrary/cli/reader"
	"github.com/chrisbazley/cblibrary/cli/render"
	"github.com/chrisbazley/cblibrary/journal"
)

// JournalResponse is the response for the journal command.
type JournalResponse struct {
	Dataset   string            `json:"dataset"`
	Summary   reader.Summary    `json:"summary"`
	Transfers []reader.Transfer `json:"transfers"`
}

func (r JournalResponse) Sections() []render.Section {
	return []render.Section{
		{Title: "Summary", Data: r.Summary},
		{Title: "Transfers", Data: r.Transfers},
	}
}

// JournalCommand returns the journal command.
func JournalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "List transfers recorded in an fs or s3 journal",
		Flags: append([]cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "task",
				Usage: "Only transfers made by this task",
			},
			&cli.StringFlag{
				Name:  "direction",
				Usage: "Only transfers in this direction: send, receive, request, drag",
			},
			&cli.StringFlag{
				Name:  "outcome",
				Usage: "Only transfers with this outcome: completed, failed, cancelled",
			},
		}, OutputFlags()...),
		Action: journalAction,
	}
}

func journalAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for journal command", ExitUsage)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}
	ds, err := openDataset(c.Context, cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsage)
	}

	keep := entryFilter(c.String("task"), c.String("direction"), c.String("outcome"))
	entries, err := journal.Query(c.Context, ds, keep)
	if err != nil && !errors.Is(err, journal.ErrNoEntries) {
		return cli.Exit(err.Error(), ExitFailed)
	}

	transfers := reader.TransfersFromEntries(entries)
	return r.Render(JournalResponse{
		Dataset:   string(ds.ID()),
		Summary:   reader.Summarize(transfers),
		Transfers: transfers,
	})
}

// entryFilter keeps entries matching every non-empty field. Matching is
// case-insensitive.
func entryFilter(task, direction, outcome string) func(journal.Entry) bool {
	if task == "" && direction == "" && outcome == "" {
		return nil
	}
	return func(e journal.Entry) bool {
		return matches(task, e.Task) && matches(direction, e.Direction) && matches(outcome, e.Outcome)
	}
}

func matches(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}
