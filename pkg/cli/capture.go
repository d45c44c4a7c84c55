package cli

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/engine"
	"github.com/devicelab-dev/screenpulse/pkg/logger"
	"github.com/devicelab-dev/screenpulse/pkg/stitcher"
)

var captureCommand = &cli.Command{
	Name:  "capture",
	Usage: "Capture a stitched scrolling screenshot of a device",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "device",
			Usage:    "Device ID to capture",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Output PNG path",
			Value:   "capture.png",
		},
		&cli.IntFlag{
			Name:  "max-scrolls",
			Usage: "Scroll cap; 0 uses the configured default",
		},
	},
	Action: runCapture,
}

func runCapture(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := buildLogger(c, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	eng, err := engine.New(cfg, engine.Options{Logger: log})
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Stitch(ctx, c.String("device"), stitcher.Options{
		MaxScrolls: c.Int("max-scrolls"),
	})
	if err != nil {
		return err
	}

	out := c.String("out")
	fh, err := os.Create(out) //#nosec G304 -- user-provided output path
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := png.Encode(fh, res.Image); err != nil {
		fh.Close()
		return fmt.Errorf("failed to encode %s: %w", out, err)
	}
	if err := fh.Close(); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "captured %s: %dx%d, %d scrolls, bottom reached: %v\n",
		out, res.Image.Bounds().Dx(), res.FinalHeight, res.Scrolls, res.BottomReached)
	return nil
}
