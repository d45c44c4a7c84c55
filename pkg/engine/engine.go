// Package engine assembles the service: flow store, executor, scheduler,
// monitor, device drivers, and the flow directory watcher. The pieces are
// usable on their own; the engine only owns their lifecycle and the flow
// registry that ties file changes to scheduling.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/config"
	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/driver/mock"
	"github.com/devicelab-dev/screenpulse/pkg/driver/uia2"
	"github.com/devicelab-dev/screenpulse/pkg/executor"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
	"github.com/devicelab-dev/screenpulse/pkg/monitor"
	"github.com/devicelab-dev/screenpulse/pkg/scheduler"
	"github.com/devicelab-dev/screenpulse/pkg/stitcher"
	"github.com/devicelab-dev/screenpulse/pkg/store"
)

// Options overrides parts of the default assembly. All fields are
// optional.
type Options struct {
	Logger hclog.Logger

	// Store replaces the badger store built from cfg.DataDir. The caller
	// keeps ownership and must close it.
	Store core.FlowStore

	// Extractor decodes sensor regions for captureSensors steps. Without
	// one those steps fail.
	Extractor core.Extractor

	// Publisher receives captured sensor values. Defaults to a publisher
	// that writes them to the log.
	Publisher core.Publisher

	// Devices adds pre-built drivers on top of the configured ones, keyed
	// by device ID. Useful for tests and embedding.
	Devices map[string]core.Device
}

// Engine is the assembled service.
type Engine struct {
	cfg    *config.Config
	logger hclog.Logger

	store     core.FlowStore
	ownsStore bool
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	mon       *monitor.Monitor
	stitch    *stitcher.Stitcher

	// flows is the live registry, keyed by deviceID/flowID. The watcher
	// goroutine and API callers both touch it.
	mu    sync.Mutex
	flows map[string]*flow.Flow

	// closers holds devices the engine built itself. Devices passed in
	// through Options stay owned by the caller.
	closers []deviceCloser

	watcher *flow.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type deviceCloser struct {
	id  string
	dev interface {
		Close(ctx context.Context) error
	}
}

// New builds an engine from the configuration. Devices declared in
// cfg.Devices are constructed by driver name; opts.Devices are registered
// on top and win on ID collisions.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("engine")

	st := opts.Store
	ownsStore := false
	if st == nil {
		if cfg.DataDir != "" {
			var err error
			st, err = store.Open(cfg.DataDir, logger)
			if err != nil {
				return nil, err
			}
			ownsStore = true
		} else {
			st = store.NewMemStore()
			logger.Warn("no dataDir configured, flow statistics will not survive restarts")
		}
	}

	pub := opts.Publisher
	if pub == nil {
		pub = NewLogPublisher(logger)
	}

	exec := executor.New(executor.Config{
		RetryDelay:   cfg.Execution.RetryDelay(),
		SettleDelay:  cfg.Execution.SettleDelay(),
		ArtifactsDir: cfg.Execution.ArtifactsDir,
		Stitch:       stitchOptions(cfg.Stitch),
	}, opts.Extractor, pub, st, logger)

	mon := monitor.New(logger)
	sched := scheduler.New(exec, mon, logger)
	mon.SetDepthFunc(sched.QueueDepth)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		ownsStore: ownsStore,
		exec:      exec,
		sched:     sched,
		mon:       mon,
		stitch:    stitcher.New(logger),
		flows:     make(map[string]*flow.Flow),
	}

	for _, d := range cfg.Devices {
		dev, err := buildDevice(d, logger)
		if err != nil {
			if ownsStore {
				st.Close()
			}
			return nil, err
		}
		sched.RegisterDevice(d.ID, dev)
		if c, ok := dev.(interface {
			Close(ctx context.Context) error
		}); ok {
			e.closers = append(e.closers, deviceCloser{id: d.ID, dev: c})
		}
	}
	for id, dev := range opts.Devices {
		sched.RegisterDevice(id, dev)
	}

	return e, nil
}

// stitchOptions maps config values onto capture options.
func stitchOptions(s config.Stitch) stitcher.Options {
	return stitcher.Options{
		MaxScrolls:     s.MaxScrolls,
		ScrollRatio:    s.ScrollRatio,
		OverlapRatio:   s.OverlapRatio,
		SettleDelay:    s.SettleDelay(),
		MatchThreshold: s.MatchThreshold,
	}
}

// buildDevice constructs a driver from its config entry.
func buildDevice(d config.Device, logger hclog.Logger) (core.Device, error) {
	switch d.Driver {
	case "mock":
		cfg := mock.Config{DeviceID: d.ID}
		var err error
		if cfg.ScreenWidth, err = intParam(d, "screenWidth"); err != nil {
			return nil, err
		}
		if cfg.ScreenHeight, err = intParam(d, "screenHeight"); err != nil {
			return nil, err
		}
		if cfg.PageHeight, err = intParam(d, "pageHeight"); err != nil {
			return nil, err
		}
		cfg.NoScrollInfo = d.Params["noScrollInfo"] == "true"
		return mock.New(cfg), nil
	case "uia2":
		return uia2.New(uia2.Config{
			DeviceID: d.ID,
			BaseURL:  d.Params["baseUrl"],
			Serial:   d.Params["serial"],
			ADBPath:  d.Params["adbPath"],
		}, logger), nil
	default:
		return nil, fmt.Errorf("device %s: unknown driver %q", d.ID, d.Driver)
	}
}

func intParam(d config.Device, key string) (int, error) {
	raw, ok := d.Params[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("device %s: param %s: %w", d.ID, key, err)
	}
	return n, nil
}

// Start loads the flow directory, starts the per-device run loops, and
// begins watching for file changes.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.FlowsDir != "" {
		flows, errs := flow.ParseDirectory(e.cfg.FlowsDir)
		for _, err := range errs {
			e.logger.Warn("flow file rejected", "error", err)
		}
		for _, f := range flows {
			e.addFlow(ctx, f, "initial")
		}
		e.logger.Info("flows loaded", "dir", e.cfg.FlowsDir, "count", len(flows), "rejected", len(errs))
	}

	e.sched.Start(ctx)

	if e.cfg.FlowsDir != "" {
		w, err := flow.NewWatcher(e.cfg.FlowsDir, e.logger)
		if err != nil {
			return fmt.Errorf("failed to watch flows directory: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch flows directory: %w", err)
		}
		e.watcher = w

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-w.Events():
					if !ok {
						return
					}
					e.applyEvent(ctx, ev)
				}
			}
		}()
	}

	return nil
}

// Stop shuts the engine down: the watcher first so no new flows arrive,
// then the scheduler, which waits for in-flight runs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			e.logger.Warn("failed to stop watcher", "error", err)
		}
	}
	e.sched.Stop()
	e.wg.Wait()
	for _, c := range e.closers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.dev.Close(ctx); err != nil {
			e.logger.Warn("failed to close device", "device", c.id, "error", err)
		}
		cancel()
	}
	if e.ownsStore {
		if err := e.store.Close(); err != nil {
			e.logger.Error("failed to close store", "error", err)
		}
	}
	e.logger.Info("engine stopped")
}

func flowKey(deviceID, flowID string) string {
	return deviceID + "/" + flowID
}

// addFlow registers a freshly parsed flow: stats are restored from the
// store, the definition is persisted, and periodic flows are enqueued.
func (e *Engine) addFlow(ctx context.Context, f *flow.Flow, trigger string) {
	if stored, err := e.store.GetFlow(ctx, f.DeviceID, f.ID); err == nil {
		f.RestoreStats(stored.Stats())
	}
	if err := e.store.SaveFlow(ctx, f); err != nil {
		e.logger.Error("failed to persist flow", "flow", f.ID, "error", err)
	}

	e.mu.Lock()
	e.flows[flowKey(f.DeviceID, f.ID)] = f
	e.mu.Unlock()

	e.scheduleIfPeriodic(f, trigger)
}

// scheduleIfPeriodic puts a periodic flow on its device queue. The queue
// reason is always periodic so the run loop renews the chain; trigger
// only records why the flow entered the schedule.
func (e *Engine) scheduleIfPeriodic(f *flow.Flow, trigger string) {
	if f.UpdateInterval <= 0 {
		return
	}
	priority := scheduler.PeriodicPriority(f.UpdateInterval)
	if err := e.sched.Schedule(f, priority, scheduler.ReasonPeriodic); err != nil {
		e.logger.Warn("flow references unknown device",
			"flow", f.ID, "device", f.DeviceID, "error", err)
		return
	}
	e.logger.Debug("periodic flow scheduled",
		"flow", f.ID, "priority", priority, "trigger", trigger)
}

// applyEvent reacts to one watcher event.
func (e *Engine) applyEvent(ctx context.Context, ev flow.Event) {
	switch {
	case ev.Err != nil:
		e.logger.Warn("flow file rejected", "path", ev.Path, "error", ev.Err)
	case ev.Removed:
		e.removeByPath(ctx, ev.Path)
	case ev.Flow != nil:
		e.upsertFlow(ctx, ev.Flow)
	}
}

// upsertFlow replaces a flow definition while it may be queued: the old
// instance is disabled so the run loop drops stale queue entries, and its
// stats carry over to the new instance.
func (e *Engine) upsertFlow(ctx context.Context, f *flow.Flow) {
	key := flowKey(f.DeviceID, f.ID)

	e.mu.Lock()
	old, known := e.flows[key]
	if known {
		f.RestoreStats(old.Stats())
		old.SetEnabled(false)
	}
	// A rewrite can change the flow's identity. Whatever else this file
	// used to define is gone now.
	var displaced []*flow.Flow
	for k, other := range e.flows {
		if k != key && other.SourcePath == f.SourcePath {
			other.SetEnabled(false)
			delete(e.flows, k)
			displaced = append(displaced, other)
		}
	}
	e.flows[key] = f
	e.mu.Unlock()

	for _, other := range displaced {
		if err := e.store.DeleteFlow(ctx, other.DeviceID, other.ID); err != nil {
			e.logger.Warn("failed to delete replaced flow", "flow", other.ID, "error", err)
		}
	}
	if !known {
		if stored, err := e.store.GetFlow(ctx, f.DeviceID, f.ID); err == nil {
			f.RestoreStats(stored.Stats())
		}
	}
	if err := e.store.SaveFlow(ctx, f); err != nil {
		e.logger.Error("failed to persist flow", "flow", f.ID, "error", err)
	}

	e.logger.Info("flow updated", "flow", f.ID, "device", f.DeviceID, "path", f.SourcePath)
	e.scheduleIfPeriodic(f, "reload")
}

// removeByPath drops the flow whose definition file disappeared.
func (e *Engine) removeByPath(ctx context.Context, path string) {
	e.mu.Lock()
	var removed *flow.Flow
	for k, f := range e.flows {
		if f.SourcePath == path {
			f.SetEnabled(false)
			delete(e.flows, k)
			removed = f
			break
		}
	}
	e.mu.Unlock()

	if removed == nil {
		return
	}
	if err := e.store.DeleteFlow(ctx, removed.DeviceID, removed.ID); err != nil {
		e.logger.Warn("failed to delete flow record", "flow", removed.ID, "error", err)
	}
	e.logger.Info("flow removed", "flow", removed.ID, "device", removed.DeviceID, "path", path)
}

// Flow returns a registered flow.
func (e *Engine) Flow(deviceID, flowID string) (*flow.Flow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flows[flowKey(deviceID, flowID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, deviceID, flowID)
	}
	return f, nil
}

// Flows lists the registered flows for a device, sorted by ID.
func (e *Engine) Flows(deviceID string) []*flow.Flow {
	e.mu.Lock()
	var flows []*flow.Flow
	for _, f := range e.flows {
		if f.DeviceID == deviceID {
			flows = append(flows, f)
		}
	}
	e.mu.Unlock()

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows
}

// ExecuteFlow enqueues a registered flow ahead of periodic work.
func (e *Engine) ExecuteFlow(deviceID, flowID string) error {
	f, err := e.Flow(deviceID, flowID)
	if err != nil {
		return err
	}
	return e.sched.ExecuteNow(f)
}

// RunOnce executes a flow immediately on the calling goroutine, bypassing
// the queue but not the device lock. Used for one-shot CLI runs.
func (e *Engine) RunOnce(ctx context.Context, f *flow.Flow) (*core.ExecutionResult, error) {
	dev, err := e.sched.Device(f.DeviceID)
	if err != nil {
		return nil, err
	}
	if !e.sched.TryLock(f.DeviceID) {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceBusy, f.DeviceID)
	}
	defer e.sched.Unlock(f.DeviceID)

	result := e.exec.Execute(ctx, dev, f)
	e.mon.RecordExecution(f, result)
	return result, nil
}

// Stitch captures a scrolling screenshot of the device's current view.
// Zero option fields fall back to the configured stitch defaults.
func (e *Engine) Stitch(ctx context.Context, deviceID string, opts stitcher.Options) (*stitcher.Result, error) {
	dev, err := e.sched.Device(deviceID)
	if err != nil {
		return nil, err
	}

	defaults := stitchOptions(e.cfg.Stitch)
	if opts.MaxScrolls <= 0 {
		opts.MaxScrolls = defaults.MaxScrolls
	}
	if opts.ScrollRatio <= 0 {
		opts.ScrollRatio = defaults.ScrollRatio
	}
	if opts.OverlapRatio <= 0 {
		opts.OverlapRatio = defaults.OverlapRatio
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaults.SettleDelay
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = defaults.MatchThreshold
	}

	if !e.sched.TryLock(deviceID) {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceBusy, deviceID)
	}
	defer e.sched.Unlock(deviceID)

	return e.stitch.Capture(ctx, dev, opts)
}

// Devices lists the registered device IDs.
func (e *Engine) Devices() []string {
	ids := e.sched.Devices()
	sort.Strings(ids)
	return ids
}

// Metrics returns the monitoring snapshot for one device.
func (e *Engine) Metrics(deviceID string) monitor.Snapshot {
	return e.mon.Metrics(deviceID)
}

// Snapshots returns the monitoring snapshots for all observed devices.
func (e *Engine) Snapshots() []monitor.Snapshot {
	return e.mon.Snapshots()
}
