package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/driver/mock"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// fakeRunner records execution order and tracks concurrency.
type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	delay   time.Duration
	panicOn string

	cur    int32
	maxCur int32
}

func (r *fakeRunner) Execute(ctx context.Context, dev core.Device, f *flow.Flow) *core.ExecutionResult {
	cur := atomic.AddInt32(&r.cur, 1)
	defer atomic.AddInt32(&r.cur, -1)
	for {
		max := atomic.LoadInt32(&r.maxCur)
		if cur <= max || atomic.CompareAndSwapInt32(&r.maxCur, max, cur) {
			break
		}
	}

	if r.panicOn != "" && r.panicOn == f.ID {
		panic("injected executor panic")
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.order = append(r.order, f.ID)
	r.mu.Unlock()

	res := core.NewResult(f, "run-"+f.ID, time.Now())
	res.State = core.RunCompleted
	res.Success = true
	res.ExecutedSteps = res.TotalSteps
	return res
}

func (r *fakeRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// fakeRecorder forwards results to a channel for test synchronization.
type fakeRecorder struct {
	results chan *core.ExecutionResult
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{results: make(chan *core.ExecutionResult, 128)}
}

func (r *fakeRecorder) RecordExecution(f *flow.Flow, result *core.ExecutionResult) {
	r.results <- result
}

func (r *fakeRecorder) await(t *testing.T, n int) []*core.ExecutionResult {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var out []*core.ExecutionResult
	for len(out) < n {
		select {
		case res := <-r.results:
			out = append(out, res)
		case <-deadline:
			t.Fatalf("timed out waiting for %d results, got %d", n, len(out))
		}
	}
	return out
}

func newTestFlow(id, deviceID string) *flow.Flow {
	f := &flow.Flow{ID: id, Name: id, DeviceID: deviceID}
	f.SetEnabled(true)
	return f
}

func TestQueue_OrderByPriorityThenArrival(t *testing.T) {
	q := newFlowQueue()
	q.push(newTestFlow("first", "d"), 3, "test")
	q.push(newTestFlow("second", "d"), 10, "test")
	q.push(newTestFlow("third", "d"), 3, "test")

	want := []string{"first", "third", "second"}
	for i, id := range want {
		it := q.pop()
		if it == nil {
			t.Fatalf("pop() #%d = nil", i)
		}
		if it.flow.ID != id {
			t.Errorf("pop() #%d = %s, want %s", i, it.flow.ID, id)
		}
	}
	if it := q.pop(); it != nil {
		t.Errorf("pop() on empty queue = %v, want nil", it.flow.ID)
	}
}

func TestQueue_NextBlocks(t *testing.T) {
	q := newFlowQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push(newTestFlow("late", "d"), 5, "test")
	}()

	it, err := q.next(context.Background())
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if it.flow.ID != "late" {
		t.Errorf("next() = %s, want late", it.flow.ID)
	}
}

func TestQueue_NextCanceled(t *testing.T) {
	q := newFlowQueue()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := q.next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("next() error = %v, want context.Canceled", err)
	}
}

func TestPeriodicPriority(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     int
	}{
		{5 * time.Second, PriorityFast},
		{29 * time.Second, PriorityFast},
		{30 * time.Second, PriorityNormal},
		{2 * time.Minute, PriorityNormal},
		{121 * time.Second, PrioritySlow},
		{10 * time.Minute, PrioritySlow},
	}
	for _, tt := range tests {
		if got := PeriodicPriority(tt.interval); got != tt.want {
			t.Errorf("PeriodicPriority(%v) = %d, want %d", tt.interval, got, tt.want)
		}
	}

	if PriorityOnDemand >= PriorityFast {
		t.Error("on-demand priority does not precede periodic tiers")
	}
}

func TestScheduler_RunsScheduledFlow(t *testing.T) {
	runner := &fakeRunner{}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{DeviceID: "dev-1"}))

	if err := s.Schedule(newTestFlow("f1", "dev-1"), PriorityNormal, "test"); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	results := rec.await(t, 1)
	if results[0].FlowID != "f1" {
		t.Errorf("FlowID = %s, want f1", results[0].FlowID)
	}
	if !results[0].Success {
		t.Error("Success = false, want true")
	}
}

func TestScheduler_ExecutionOrder(t *testing.T) {
	runner := &fakeRunner{}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	// Enqueue before starting so the order is decided purely by priority.
	s.Schedule(newTestFlow("f1", "dev-1"), 3, "test")
	s.Schedule(newTestFlow("f2", "dev-1"), 10, "test")
	s.Schedule(newTestFlow("f3", "dev-1"), 3, "test")

	s.Start(context.Background())
	defer s.Stop()

	rec.await(t, 3)
	got := runner.executed()
	want := []string{"f1", "f3", "f2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestScheduler_MutualExclusion(t *testing.T) {
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 6; i++ {
		f := newTestFlow("f"+string(rune('a'+i)), "dev-1")
		if err := s.Schedule(f, PriorityNormal, "test"); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}

	rec.await(t, 6)
	if max := atomic.LoadInt32(&runner.maxCur); max != 1 {
		t.Errorf("max concurrent executions = %d, want 1", max)
	}
}

func TestScheduler_IndependentDevices(t *testing.T) {
	runner := &fakeRunner{delay: 100 * time.Millisecond}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))
	s.RegisterDevice("dev-2", mock.New(mock.Config{}))

	s.Start(context.Background())
	defer s.Stop()

	s.Schedule(newTestFlow("f1", "dev-1"), PriorityNormal, "test")
	s.Schedule(newTestFlow("f2", "dev-2"), PriorityNormal, "test")
	rec.await(t, 2)

	// The lock is per device, so the two runs overlap.
	if max := atomic.LoadInt32(&runner.maxCur); max != 2 {
		t.Errorf("max concurrent executions = %d, want 2 across devices", max)
	}
}

func TestScheduler_DisabledFlowDropped(t *testing.T) {
	runner := &fakeRunner{}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	stale := newTestFlow("stale", "dev-1")
	s.Schedule(stale, PriorityNormal, "test")
	stale.SetEnabled(false)
	s.Schedule(newTestFlow("live", "dev-1"), PriorityNormal, "test")

	s.Start(context.Background())
	defer s.Stop()

	rec.await(t, 1)
	got := runner.executed()
	if len(got) != 1 || got[0] != "live" {
		t.Errorf("executed = %v, want [live]", got)
	}
}

func TestScheduler_PeriodicReschedule(t *testing.T) {
	runner := &fakeRunner{}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	f := newTestFlow("periodic", "dev-1")
	f.UpdateInterval = 15 * time.Millisecond
	s.Schedule(f, PeriodicPriority(f.UpdateInterval), ReasonPeriodic)

	s.Start(context.Background())
	defer s.Stop()

	// One schedule call keeps producing runs.
	rec.await(t, 3)
}

func TestScheduler_OnDemandNeverReschedules(t *testing.T) {
	runner := &fakeRunner{}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	// Running a periodic flow on demand must not start a second chain.
	f := newTestFlow("adhoc", "dev-1")
	f.UpdateInterval = 10 * time.Millisecond
	s.ExecuteNow(f)

	s.Start(context.Background())
	defer s.Stop()

	rec.await(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := runner.executed(); len(got) != 1 {
		t.Errorf("runs = %v, want exactly one", got)
	}
}

func TestScheduler_PanicRecovery(t *testing.T) {
	runner := &fakeRunner{panicOn: "bad"}
	rec := newFakeRecorder()
	s := New(runner, rec, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	s.Schedule(newTestFlow("bad", "dev-1"), 1, "test")
	s.Schedule(newTestFlow("good", "dev-1"), 2, "test")

	s.Start(context.Background())
	defer s.Stop()

	results := rec.await(t, 2)
	if results[0].Success {
		t.Error("panicked run reported success")
	}
	if !strings.Contains(results[0].Error, "panic") {
		t.Errorf("Error = %q, want panic message", results[0].Error)
	}
	// The loop and the device lock survived the panic.
	if !results[1].Success {
		t.Error("run after panic failed")
	}
}

func TestScheduler_TryLock(t *testing.T) {
	s := New(&fakeRunner{}, nil, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	if !s.TryLock("dev-1") {
		t.Fatal("TryLock() = false on idle device")
	}
	if s.TryLock("dev-1") {
		t.Fatal("TryLock() = true on locked device")
	}
	s.Unlock("dev-1")
	if !s.TryLock("dev-1") {
		t.Fatal("TryLock() = false after Unlock")
	}
	s.Unlock("dev-1")

	if s.TryLock("ghost") {
		t.Error("TryLock() = true for unknown device")
	}
}

func TestScheduler_UnknownDevice(t *testing.T) {
	s := New(&fakeRunner{}, nil, hclog.NewNullLogger())

	err := s.Schedule(newTestFlow("f1", "ghost"), PriorityNormal, "test")
	if !errors.Is(err, core.ErrDeviceNotFound) {
		t.Errorf("Schedule() error = %v, want ErrDeviceNotFound", err)
	}

	if _, err := s.Device("ghost"); !errors.Is(err, core.ErrDeviceNotFound) {
		t.Errorf("Device() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestScheduler_QueueDepth(t *testing.T) {
	s := New(&fakeRunner{}, nil, hclog.NewNullLogger())
	s.RegisterDevice("dev-1", mock.New(mock.Config{}))

	for i := 0; i < 3; i++ {
		s.Schedule(newTestFlow("f", "dev-1"), PriorityNormal, "test")
	}

	if got := s.QueueDepth("dev-1"); got != 3 {
		t.Errorf("QueueDepth() = %d, want 3", got)
	}
	if got := s.QueueDepth("ghost"); got != 0 {
		t.Errorf("QueueDepth(ghost) = %d, want 0", got)
	}
}
