// Package logger configures the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu      sync.Mutex
	logFile *os.File
)

// Options controls logger construction.
type Options struct {
	Name  string // root logger name, shown in every line
	Level string // trace, debug, info, warn, error
	Path  string // optional log file; empty logs to stderr
	JSON  bool   // emit JSON lines instead of the human format
}

// New builds the root logger. Component loggers hang off it via Named.
func New(opts Options) (hclog.Logger, error) {
	var output io.Writer = os.Stderr

	if opts.Path != "" {
		mu.Lock()
		defer mu.Unlock()

		if logFile != nil {
			logFile.Close()
		}
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //#nosec G304 -- path comes from service config
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		output = f
	}

	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     output,
		JSONFormat: opts.JSON,
	}), nil
}

// Close closes the log file, if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
