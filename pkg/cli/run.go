package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/api"
	"github.com/devicelab-dev/screenpulse/pkg/engine"
	"github.com/devicelab-dev/screenpulse/pkg/logger"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the orchestration service",
	Description: `Run loads flows from the flows directory, schedules them on their
devices, and keeps running until interrupted. The HTTP API is served
when enabled in the configuration.`,
	Action: runService,
}

func runService(c *cli.Context) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return err
	}
	log.Info("service started",
		"version", Version, "devices", eng.Devices(), "flowsDir", cfg.FlowsDir)

	// A nil channel never fires, so the select below waits on the signal
	// alone when the API is disabled.
	var apiErr chan error
	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Port, eng, log)
		apiErr = make(chan error, 1)
		go func() { apiErr <- server.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		eng.Stop()
		return err
	}

	log.Info("shutting down")
	eng.Stop()
	if apiErr != nil {
		if err := <-apiErr; err != nil {
			log.Warn("api server shutdown", "error", err)
		}
	}
	return nil
}
