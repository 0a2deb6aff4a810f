// Package cmd provides CLI commands for the cblib binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for commands with a view (demo, trace).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (demo, trace only)",
	}

	// ConfigFlag names a cblib.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a cblib.yaml config file",
		EnvVars: []string{"CBLIB_CONFIG"},
	}

	// LogLevelFlag overrides log.level from the config.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}
)

// OutputFlags returns the shared flags for every command that renders a
// response. Includes --tui so that commands without a view can reject it
// explicitly instead of failing with "flag not defined".
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// Exit codes.
const (
	// ExitFailed means a command ran but its work did not succeed, for
	// example a demo scenario whose data did not arrive intact.
	ExitFailed = 1
	// ExitUsage means bad flags, config or input.
	ExitUsage = 2
)
