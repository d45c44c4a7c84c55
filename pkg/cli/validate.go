package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Parse flow files and report problems",
	ArgsUsage: "<file-or-dir>...",
	Action:    runValidate,
}

func runValidate(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("validate needs at least one file or directory")
	}

	var valid int
	var problems []error
	report := func(f *flow.Flow) {
		valid++
		interval := "on-demand"
		if f.UpdateInterval > 0 {
			interval = f.UpdateInterval.String()
		}
		fmt.Fprintf(c.App.Writer, "ok %s: %s on %s, %d steps, %s\n",
			f.SourcePath, f.ID, f.DeviceID, len(f.Steps), interval)
	}

	for _, arg := range c.Args().Slice() {
		info, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if info.IsDir() {
			flows, errs := flow.ParseDirectory(arg)
			for _, f := range flows {
				report(f)
			}
			problems = append(problems, errs...)
			continue
		}
		f, err := flow.ParseFile(arg)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		report(f)
	}

	for _, err := range problems {
		fmt.Fprintf(c.App.Writer, "error: %v\n", err)
	}
	fmt.Fprintf(c.App.Writer, "%d valid, %d problems\n", valid, len(problems))

	if len(problems) > 0 {
		return cli.Exit("validation failed", 1)
	}
	return nil
}
