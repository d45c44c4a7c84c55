// Package cli provides the screenpulse command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/config"
	"github.com/devicelab-dev/screenpulse/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml",
		EnvVars: []string{"SCREENPULSE_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable debug logging",
		EnvVars: []string{"SCREENPULSE_VERBOSE"},
	},
}

// Execute runs the CLI.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "screenpulse",
		Usage:   "Flow orchestration for app-driven device screens",
		Version: Version,
		Description: `Screenpulse runs YAML flows against device screens on a schedule,
captures scrolling screenshots, and publishes extracted sensor values.

Examples:
  screenpulse run
  screenpulse exec flows/climate.yaml
  screenpulse capture --device living-room --out page.png
  screenpulse validate flows/
  screenpulse devices
  screenpulse metrics --device living-room`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			runCommand,
			execCommand,
			captureCommand,
			validateCommand,
			devicesCommand,
			metricsCommand,
		},
	}
}

// loadConfig resolves the configuration: --config wins, otherwise
// config.yaml under the screenpulse home.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadFromDir(config.GetHome())
}

func buildLogger(c *cli.Context, cfg *config.Config) (hclog.Logger, error) {
	level := cfg.Log.Level
	if c.Bool("verbose") {
		level = "debug"
	}
	return logger.New(logger.Options{
		Name:  "screenpulse",
		Level: level,
		Path:  cfg.Log.File,
		JSON:  cfg.Log.JSON,
	})
}
