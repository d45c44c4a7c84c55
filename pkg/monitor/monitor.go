// Package monitor turns execution results and queue depth into alerts
// and per-device metrics. It observes only: recording never blocks or
// influences execution.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

const (
	// historyCap bounds the rolling result history per device.
	historyCap = 100
	// alertCap keeps the most recent alerts per device; the next alert
	// evicts the oldest.
	alertCap = 5
	// failureWindow is how many recent results the failure-rate check
	// looks at.
	failureWindow = 10

	depthWarning  = 5
	depthCritical = 10
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one raised condition.
type Alert struct {
	Severity        Severity  `json:"severity"`
	FlowID          string    `json:"flow_id,omitempty"`
	Message         string    `json:"message"`
	Recommendations []string  `json:"recommendations,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot is the read-only metrics view of one device.
type Snapshot struct {
	DeviceID        string        `json:"device_id"`
	QueueDepth      int           `json:"queue_depth"`
	TotalExecutions int64         `json:"total_executions"`
	AvgExecution    time.Duration `json:"avg_execution"`
	SuccessRate     float64       `json:"success_rate"`
	Alerts          []Alert       `json:"alerts,omitempty"`
	SlowestFlows    []FlowTiming  `json:"slowest_flows,omitempty"`
}

// FlowTiming reports how a flow's execution time compares to its
// scheduling interval.
type FlowTiming struct {
	FlowID      string        `json:"flow_id"`
	AvgDuration time.Duration `json:"avg_duration"`
	Interval    time.Duration `json:"interval"`
	Ratio       float64       `json:"ratio"`
}

// DepthFunc reports the current queue depth for a device.
type DepthFunc func(deviceID string) int

// record pairs a result with the interval its flow ran at.
type record struct {
	result   *core.ExecutionResult
	interval time.Duration
}

// deviceState holds one device's rolling history and alerts.
type deviceState struct {
	history []record
	alerts  []Alert
	total   int64
}

// Monitor collects results per device.
type Monitor struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
	depth   DepthFunc
	logger  hclog.Logger
}

// New creates a Monitor. Wire the queue-depth source with SetDepthFunc
// once the scheduler exists.
func New(logger hclog.Logger) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Monitor{
		devices: make(map[string]*deviceState),
		logger:  logger.Named("monitor"),
	}
}

// SetDepthFunc wires the queue-depth source. Call before recording.
func (m *Monitor) SetDepthFunc(fn DepthFunc) {
	m.mu.Lock()
	m.depth = fn
	m.mu.Unlock()
}

// RecordExecution folds one finished run into the device's history and
// runs the alert checks.
func (m *Monitor) RecordExecution(f *flow.Flow, result *core.ExecutionResult) {
	if result == nil {
		return
	}
	var interval time.Duration
	if f != nil {
		interval = f.UpdateInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state(result.DeviceID)
	state.history = append(state.history, record{result: result, interval: interval})
	if len(state.history) > historyCap {
		state.history = state.history[len(state.history)-historyCap:]
	}
	state.total++

	m.checkQueueDepth(result.DeviceID, state)
	m.checkExecutionTime(state, result, interval)
	m.checkFailureRate(state, result)
}

func (m *Monitor) state(deviceID string) *deviceState {
	state, ok := m.devices[deviceID]
	if !ok {
		state = &deviceState{}
		m.devices[deviceID] = state
	}
	return state
}

// checkQueueDepth alerts when a device's backlog grows: execution is not
// keeping pace with scheduling demand.
func (m *Monitor) checkQueueDepth(deviceID string, state *deviceState) {
	if m.depth == nil {
		return
	}
	depth := m.depth(deviceID)
	switch {
	case depth > depthCritical:
		avg := avgDuration(state.history)
		m.raise(deviceID, state, Alert{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("queue backlog critical: %d pending", depth),
			Recommendations: []string{
				fmt.Sprintf("average execution takes %s; raise flow intervals or move flows off this device",
					avg.Round(time.Millisecond)),
			},
		})
	case depth > depthWarning:
		m.raise(deviceID, state, Alert{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("queue backlog growing: %d pending", depth),
		})
	}
}

// checkExecutionTime warns when a run consumes more than half of its
// flow's scheduling interval.
func (m *Monitor) checkExecutionTime(state *deviceState, result *core.ExecutionResult, interval time.Duration) {
	if interval <= 0 || 2*result.Duration <= interval {
		return
	}
	ratio := float64(result.Duration) / float64(interval)
	m.raise(result.DeviceID, state, Alert{
		Severity: SeverityWarning,
		FlowID:   result.FlowID,
		Message: fmt.Sprintf("flow %s ran %s, %.0f%% of its %s interval",
			result.FlowID,
			result.Duration.Round(time.Millisecond),
			ratio*100,
			interval),
		Recommendations: []string{
			fmt.Sprintf("raise updateInterval to at least %s", recommendedInterval(result.Duration)),
			"trim slow steps or split the flow",
		},
	})
}

// recommendedInterval is twice the execution time, rounded up to a whole
// second.
func recommendedInterval(d time.Duration) time.Duration {
	rec := 2 * d
	if rem := rec % time.Second; rem != 0 {
		rec += time.Second - rem
	}
	return rec
}

// checkFailureRate raises an error alert when most recent runs failed.
func (m *Monitor) checkFailureRate(state *deviceState, result *core.ExecutionResult) {
	window := state.history
	if len(window) > failureWindow {
		window = window[len(window)-failureWindow:]
	}
	failed := 0
	for _, r := range window {
		if !r.result.Success {
			failed++
		}
	}
	if failed*2 <= len(window) {
		return
	}
	m.raise(result.DeviceID, state, Alert{
		Severity: SeverityError,
		FlowID:   result.FlowID,
		Message: fmt.Sprintf("flow %s failing repeatedly: %d of last %d runs failed (last error: %s)",
			result.FlowID, failed, len(window), lastError(state.history)),
		Recommendations: []string{
			"check the failure artifacts and the device connection",
		},
	})
}

// lastError finds the most recent non-empty error in history.
func lastError(history []record) string {
	for i := len(history) - 1; i >= 0; i-- {
		if e := history[i].result.Error; e != "" {
			return e
		}
	}
	return "unknown"
}

// raise appends an alert, evicting the oldest past the cap.
func (m *Monitor) raise(deviceID string, state *deviceState, a Alert) {
	a.CreatedAt = time.Now()
	state.alerts = append(state.alerts, a)
	if len(state.alerts) > alertCap {
		state.alerts = state.alerts[len(state.alerts)-alertCap:]
	}

	switch a.Severity {
	case SeverityCritical, SeverityError:
		m.logger.Error("alert raised", "device", deviceID, "severity", a.Severity, "message", a.Message)
	default:
		m.logger.Warn("alert raised", "device", deviceID, "severity", a.Severity, "message", a.Message)
	}
}

// Metrics returns the current snapshot for one device.
func (m *Monitor) Metrics(deviceID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{DeviceID: deviceID}
	if m.depth != nil {
		snap.QueueDepth = m.depth(deviceID)
	}
	state, ok := m.devices[deviceID]
	if !ok {
		return snap
	}

	snap.TotalExecutions = state.total
	snap.AvgExecution = avgDuration(state.history)
	snap.SuccessRate = successRate(state.history)
	snap.Alerts = append([]Alert(nil), state.alerts...)
	snap.SlowestFlows = slowestFlows(state.history, 3)
	return snap
}

// Snapshots returns metrics for every device seen so far, ordered by ID.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Metrics(id))
	}
	return out
}

func avgDuration(history []record) time.Duration {
	if len(history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range history {
		sum += r.result.Duration
	}
	return sum / time.Duration(len(history))
}

func successRate(history []record) float64 {
	if len(history) == 0 {
		return 0
	}
	ok := 0
	for _, r := range history {
		if r.result.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(history))
}

// slowestFlows ranks flows by average execution time relative to their
// interval. Flows without an interval never rank.
func slowestFlows(history []record, limit int) []FlowTiming {
	type agg struct {
		sum      time.Duration
		count    int
		interval time.Duration
	}
	byFlow := make(map[string]*agg)
	for _, r := range history {
		if r.interval <= 0 {
			continue
		}
		a, ok := byFlow[r.result.FlowID]
		if !ok {
			a = &agg{}
			byFlow[r.result.FlowID] = a
		}
		a.sum += r.result.Duration
		a.count++
		a.interval = r.interval
	}

	timings := make([]FlowTiming, 0, len(byFlow))
	for id, a := range byFlow {
		avg := a.sum / time.Duration(a.count)
		timings = append(timings, FlowTiming{
			FlowID:      id,
			AvgDuration: avg,
			Interval:    a.interval,
			Ratio:       float64(avg) / float64(a.interval),
		})
	}
	sort.Slice(timings, func(i, j int) bool {
		if timings[i].Ratio != timings[j].Ratio {
			return timings[i].Ratio > timings[j].Ratio
		}
		return timings[i].FlowID < timings[j].FlowID
	})
	if len(timings) > limit {
		timings = timings[:limit]
	}
	return timings
}
