package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/engine"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
	"github.com/devicelab-dev/screenpulse/pkg/logger"
)

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "Execute one flow file immediately and print the result",
	ArgsUsage: "<flow.yaml>",
	Description: `Exec runs a single flow against its device and prints the execution
result as JSON. The exit code is non-zero when the flow fails.`,
	Action: runExec,
}

func runExec(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exec needs exactly one flow file")
	}
	f, err := flow.ParseFile(c.Args().First())
	if err != nil {
		return err
	}

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

	result, err := eng.RunOnce(ctx, f)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(out))

	if !result.Success {
		return cli.Exit("flow failed", 1)
	}
	return nil
}
