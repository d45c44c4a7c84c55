package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
)

var metricsCommand = &cli.Command{
	Name:  "metrics",
	Usage: "Query a running service for monitoring snapshots",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "device",
			Usage: "Limit the snapshot to one device",
		},
		&cli.StringFlag{
			Name:    "url",
			Usage:   "Service API base URL",
			Value:   "http://127.0.0.1:9090",
			EnvVars: []string{"SCREENPULSE_API_URL"},
		},
	},
	Action: runMetrics,
}

func runMetrics(c *cli.Context) error {
	url := strings.TrimRight(c.String("url"), "/") + "/metrics"
	if dev := c.String("device"); dev != "" {
		url += "/" + dev
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		// Not JSON after all; pass it through untouched.
		fmt.Fprint(c.App.Writer, string(body))
		return nil
	}
	fmt.Fprintln(c.App.Writer, pretty.String())
	return nil
}
