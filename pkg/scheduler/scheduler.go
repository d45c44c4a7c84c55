// Package scheduler decides when flows run and guarantees that each
// device executes at most one flow at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// Priority tiers. Lower values dequeue first. Periodic flows land in a
// tier derived from their update interval; on-demand requests preempt all
// of them.
const (
	PriorityOnDemand = 0
	PriorityFast     = 5  // interval < 30s
	PriorityNormal   = 10 // interval 30s to 120s
	PrioritySlow     = 15 // interval > 120s
)

// PeriodicPriority maps an update interval to its priority tier.
func PeriodicPriority(interval time.Duration) int {
	switch {
	case interval < 30*time.Second:
		return PriorityFast
	case interval <= 120*time.Second:
		return PriorityNormal
	default:
		return PrioritySlow
	}
}

// Scheduling reasons carried on queue items. Only periodic items
// re-enqueue themselves after completion; on-demand items run once.
const (
	ReasonOnDemand = "on-demand"
	ReasonPeriodic = "periodic"
)

// Runner executes one flow against one device.
type Runner interface {
	Execute(ctx context.Context, dev core.Device, f *flow.Flow) *core.ExecutionResult
}

// Recorder consumes finished execution results.
type Recorder interface {
	RecordExecution(f *flow.Flow, result *core.ExecutionResult)
}

// deviceContext is the scheduling state of one device: its queue and its
// execution lock.
type deviceContext struct {
	id    string
	dev   core.Device
	queue *flowQueue

	// lock holds one token. Whoever puts the token in owns the device.
	lock chan struct{}
}

// Scheduler owns the per-device queues and run loops.
type Scheduler struct {
	mu      sync.RWMutex
	devices map[string]*deviceContext

	runner   Runner
	recorder Recorder
	logger   hclog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(runner Runner, recorder Recorder, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		devices:  make(map[string]*deviceContext),
		runner:   runner,
		recorder: recorder,
		logger:   logger.Named("scheduler"),
	}
}

// RegisterDevice makes a device schedulable. Registering an existing ID
// replaces its driver but keeps the queue.
func (s *Scheduler) RegisterDevice(id string, dev core.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dc, ok := s.devices[id]; ok {
		dc.dev = dev
		return
	}
	s.devices[id] = &deviceContext{
		id:    id,
		dev:   dev,
		queue: newFlowQueue(),
		lock:  make(chan struct{}, 1),
	}
}

// Devices lists the registered device IDs.
func (s *Scheduler) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// Device returns the driver registered for the given ID.
func (s *Scheduler) Device(id string) (core.Device, error) {
	dc, err := s.device(id)
	if err != nil {
		return nil, err
	}
	return dc.dev, nil
}

func (s *Scheduler) device(id string) (*deviceContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceNotFound, id)
	}
	return dc, nil
}

// Schedule enqueues a flow at the given priority.
func (s *Scheduler) Schedule(f *flow.Flow, priority int, reason string) error {
	dc, err := s.device(f.DeviceID)
	if err != nil {
		return err
	}
	dc.queue.push(f, priority, reason)
	s.logger.Debug("flow scheduled",
		"flow", f.ID, "device", f.DeviceID, "priority", priority, "reason", reason)
	return nil
}

// ExecuteNow enqueues a flow ahead of all periodic work.
func (s *Scheduler) ExecuteNow(f *flow.Flow) error {
	return s.Schedule(f, PriorityOnDemand, ReasonOnDemand)
}

// QueueDepth reports the pending item count for a device, 0 for unknown
// devices.
func (s *Scheduler) QueueDepth(deviceID string) int {
	dc, err := s.device(deviceID)
	if err != nil {
		return 0
	}
	return dc.queue.depth()
}

// TryLock claims the device without blocking. Callers bypassing the
// queue (one-shot runs, ad hoc captures) use this to keep the exclusion
// guarantee intact.
func (s *Scheduler) TryLock(deviceID string) bool {
	dc, err := s.device(deviceID)
	if err != nil {
		return false
	}
	select {
	case dc.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases a lock taken with TryLock.
func (s *Scheduler) Unlock(deviceID string) {
	dc, err := s.device(deviceID)
	if err != nil {
		return
	}
	select {
	case <-dc.lock:
	default:
	}
}

// Start launches one run loop per registered device. Devices registered
// after Start are not picked up; register everything first.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dc := range s.devices {
		s.wg.Add(1)
		go func(dc *deviceContext) {
			defer s.wg.Done()
			s.runLoop(ctx, dc)
		}(dc)
	}
	s.logger.Info("scheduler started", "devices", len(s.devices))
}

// Stop cancels the run loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// runLoop drains one device's queue forever. Stale items whose flow was
// disabled in the meantime are dropped on dequeue.
func (s *Scheduler) runLoop(ctx context.Context, dc *deviceContext) {
	for {
		it, err := dc.queue.next(ctx)
		if err != nil {
			return
		}
		f := it.flow
		if !f.Enabled() {
			s.logger.Debug("dropping disabled flow", "flow", f.ID, "device", dc.id)
			continue
		}

		select {
		case dc.lock <- struct{}{}:
		case <-ctx.Done():
			return
		}
		result := s.runLocked(ctx, dc, f)
		<-dc.lock

		if s.recorder != nil {
			s.recorder.RecordExecution(f, result)
		}
		// Only periodic items renew themselves. An on-demand run of the
		// same flow must not spawn a second periodic chain.
		if it.reason == ReasonPeriodic && f.UpdateInterval > 0 && f.Enabled() {
			s.scheduleAfter(ctx, dc, f)
		}
	}
}

// runLocked executes a flow while holding the device lock. A panicking
// executor must not take down the run loop or leave the device locked.
func (s *Scheduler) runLocked(ctx context.Context, dc *deviceContext, f *flow.Flow) (result *core.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked", "flow", f.ID, "device", dc.id, "panic", r)
			result = core.FailureResult(f, fmt.Sprintf("executor panic: %v", r))
		}
	}()
	return s.runner.Execute(ctx, dc.dev, f)
}

// scheduleAfter re-enqueues a periodic flow once its interval elapses,
// measured from run completion.
func (s *Scheduler) scheduleAfter(ctx context.Context, dc *deviceContext, f *flow.Flow) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(f.UpdateInterval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !f.Enabled() {
			return
		}
		dc.queue.push(f, PeriodicPriority(f.UpdateInterval), ReasonPeriodic)
	}()
}
