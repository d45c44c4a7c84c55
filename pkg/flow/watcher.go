package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Event represents a flow file change.
type Event struct {
	Path    string
	Flow    *Flow // set when a file was added or rewritten and parsed cleanly
	Removed bool  // set when the file disappeared
	Err     error // set when the file could not be parsed
}

// Watcher monitors a directory for flow file changes. Editors tend to fire
// several write events per save, so changes are debounced before parsing.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
	logger   hclog.Logger
}

// NewWatcher creates a watcher for the given flows directory.
func NewWatcher(dir string, logger hclog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		watcher:  fsWatcher,
		events:   make(chan Event, 16),
		debounce: 100 * time.Millisecond,
		logger:   logger.Named("watcher"),
	}, nil
}

// Events returns the channel that receives flow change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching the directory for flow changes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	go w.run(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher, which in turn ends the run
// loop.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func isFlowFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func (w *Watcher) run(ctx context.Context) {
	// Debounce map to avoid multiple events for the same file
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !isFlowFile(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending[event.Name] = time.Now()
			} else if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(pending, event.Name)
				w.emit(ctx, Event{Path: event.Name, Removed: true})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, Event{Err: err})

		case <-ticker.C:
			now := time.Now()
			for path, timestamp := range pending {
				if now.Sub(timestamp) >= w.debounce {
					delete(pending, path)
					w.handleUpdate(ctx, path)
				}
			}
		}
	}
}

func (w *Watcher) handleUpdate(ctx context.Context, path string) {
	f, err := ParseFile(path)
	if err != nil {
		w.logger.Warn("flow file failed to parse", "path", path, "error", err)
		w.emit(ctx, Event{Path: path, Err: err})
		return
	}

	w.logger.Debug("flow file loaded", "path", path, "flow", f.ID, "device", f.DeviceID)
	w.emit(ctx, Event{Path: path, Flow: f})
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
