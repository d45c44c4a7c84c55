package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/driver/uia2"
)

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List configured devices and adb-visible hardware",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "adb",
			Usage: "adb binary; empty uses the configured path or PATH",
		},
		&cli.BoolFlag{
			Name:  "no-adb",
			Usage: "Skip querying adb",
		},
	},
	Action: runDevices,
}

func runDevices(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if len(cfg.Devices) == 0 {
		fmt.Fprintln(c.App.Writer, "no devices configured")
	}
	adbPath := c.String("adb")
	for _, d := range cfg.Devices {
		fmt.Fprintf(c.App.Writer, "%s (driver %s)\n", d.ID, d.Driver)
		if adbPath == "" && d.Driver == "uia2" {
			adbPath = d.Params["adbPath"]
		}
	}

	if c.Bool("no-adb") {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	discovered, err := uia2.Discover(ctx, adbPath)
	if err != nil {
		fmt.Fprintf(c.App.Writer, "adb not reachable: %v\n", err)
		return nil
	}
	if len(discovered) == 0 {
		fmt.Fprintln(c.App.Writer, "no devices attached to adb")
		return nil
	}
	for _, d := range discovered {
		line := fmt.Sprintf("adb %s\t%s", d.Serial, d.State)
		if d.Model != "" {
			line += "\t" + d.Model
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return nil
}
