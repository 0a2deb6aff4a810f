package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/chrisbazley/cblibrary/cli/render"
	"github.com/chrisbazley/cblibrary/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version      string `json:"version"`
	TraceVersion string `json:"trace_version"`
	Commit       string `json:"commit"`
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", ExitUsage)
		}

		return r.Render(VersionResponse{
			Version:      types.Version,
			TraceVersion: types.TraceVersion,
			Commit:       commit,
		})
	}
}
