package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

func testFlow(t *testing.T, id, deviceID string) *flow.Flow {
	t.Helper()
	src := fmt.Sprintf(`id: %s
name: Flow %s
device: %s
updateInterval: 60000
---
- launchApp: com.vendor.app
- wait: 1000
`, id, id, deviceID)
	f, err := flow.Parse([]byte(src), id+".yaml")
	if err != nil {
		t.Fatalf("parse test flow: %v", err)
	}
	return f
}

func openBadger(t *testing.T) core.FlowStore {
	t.Helper()
	s, err := Open(t.TempDir(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openMem(t *testing.T) core.FlowStore {
	t.Helper()
	return NewMemStore()
}

func TestBadgerStore(t *testing.T) { runStoreTests(t, openBadger) }
func TestMemStore(t *testing.T)   { runStoreTests(t, openMem) }

func runStoreTests(t *testing.T, open func(t *testing.T) core.FlowStore) {
	ctx := context.Background()

	t.Run("save and get round trip", func(t *testing.T) {
		s := open(t)
		f := testFlow(t, "ac-unit", "dev-1")
		f.RecordResult(true, "", time.Now())
		f.RecordResult(false, "tap failed", time.Now())

		if err := s.SaveFlow(ctx, f); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}
		got, err := s.GetFlow(ctx, "dev-1", "ac-unit")
		if err != nil {
			t.Fatalf("GetFlow: %v", err)
		}

		if got.ID != "ac-unit" || got.Name != "Flow ac-unit" || got.DeviceID != "dev-1" {
			t.Errorf("loaded flow = %s/%s on %s, want ac-unit/Flow ac-unit on dev-1",
				got.ID, got.Name, got.DeviceID)
		}
		if got.UpdateInterval != time.Minute {
			t.Errorf("updateInterval = %s, want 1m", got.UpdateInterval)
		}
		if len(got.Steps) != 2 {
			t.Errorf("steps = %d, want 2", len(got.Steps))
		}
		stats := got.Stats()
		if stats.ExecutionCount != 2 || stats.SuccessCount != 1 || stats.FailureCount != 1 {
			t.Errorf("stats = %+v, want 2 executions, 1 success, 1 failure", stats)
		}
		if stats.LastError != "tap failed" {
			t.Errorf("lastError = %q, want tap failed", stats.LastError)
		}
		if !got.Enabled() {
			t.Error("loaded flow should be enabled")
		}
	})

	t.Run("get unknown flow", func(t *testing.T) {
		s := open(t)
		_, err := s.GetFlow(ctx, "dev-1", "ghost")
		if !errors.Is(err, core.ErrFlowNotFound) {
			t.Errorf("GetFlow error = %v, want ErrFlowNotFound", err)
		}
	})

	t.Run("list is scoped to the device", func(t *testing.T) {
		s := open(t)
		for _, f := range []*flow.Flow{
			testFlow(t, "a", "dev-1"),
			testFlow(t, "b", "dev-1"),
			testFlow(t, "c", "dev-2"),
		} {
			if err := s.SaveFlow(ctx, f); err != nil {
				t.Fatalf("SaveFlow(%s): %v", f.ID, err)
			}
		}

		flows, err := s.ListFlows(ctx, "dev-1")
		if err != nil {
			t.Fatalf("ListFlows: %v", err)
		}
		if len(flows) != 2 {
			t.Fatalf("ListFlows returned %d flows, want 2", len(flows))
		}
		ids := map[string]bool{}
		for _, f := range flows {
			ids[f.ID] = true
		}
		if !ids["a"] || !ids["b"] {
			t.Errorf("listed ids = %v, want a and b", ids)
		}
	})

	t.Run("list for unknown device is empty", func(t *testing.T) {
		s := open(t)
		flows, err := s.ListFlows(ctx, "nowhere")
		if err != nil {
			t.Fatalf("ListFlows: %v", err)
		}
		if len(flows) != 0 {
			t.Errorf("ListFlows returned %d flows, want 0", len(flows))
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		f := testFlow(t, "gone", "dev-1")
		if err := s.SaveFlow(ctx, f); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}
		if err := s.DeleteFlow(ctx, "dev-1", "gone"); err != nil {
			t.Fatalf("DeleteFlow: %v", err)
		}
		if _, err := s.GetFlow(ctx, "dev-1", "gone"); !errors.Is(err, core.ErrFlowNotFound) {
			t.Errorf("GetFlow after delete = %v, want ErrFlowNotFound", err)
		}
		if err := s.DeleteFlow(ctx, "dev-1", "gone"); !errors.Is(err, core.ErrFlowNotFound) {
			t.Errorf("DeleteFlow twice = %v, want ErrFlowNotFound", err)
		}
	})

	t.Run("save stats updates existing record", func(t *testing.T) {
		s := open(t)
		f := testFlow(t, "stats", "dev-1")
		if err := s.SaveFlow(ctx, f); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}

		for i := 0; i < 3; i++ {
			f.RecordResult(true, "", time.Now())
		}
		if err := s.SaveStats(ctx, f); err != nil {
			t.Fatalf("SaveStats: %v", err)
		}

		got, err := s.GetFlow(ctx, "dev-1", "stats")
		if err != nil {
			t.Fatalf("GetFlow: %v", err)
		}
		stats := got.Stats()
		if stats.ExecutionCount != 3 || stats.SuccessCount != 3 || stats.FailureCount != 0 {
			t.Errorf("stats = %+v, want 3/3/0", stats)
		}
		if !stats.LastSuccess {
			t.Error("lastSuccess = false, want true")
		}
	})

	t.Run("save stats for unknown flow", func(t *testing.T) {
		s := open(t)
		f := testFlow(t, "never-saved", "dev-1")
		if err := s.SaveStats(ctx, f); !errors.Is(err, core.ErrFlowNotFound) {
			t.Errorf("SaveStats = %v, want ErrFlowNotFound", err)
		}
	})

	t.Run("save replaces previous version", func(t *testing.T) {
		s := open(t)
		if err := s.SaveFlow(ctx, testFlow(t, "v", "dev-1")); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}

		src := `id: v
name: Renamed
device: dev-1
---
- launchApp: com.vendor.other
- wait: 500
- goHome
`
		updated, err := flow.Parse([]byte(src), "v.yaml")
		if err != nil {
			t.Fatalf("parse updated flow: %v", err)
		}
		if err := s.SaveFlow(ctx, updated); err != nil {
			t.Fatalf("SaveFlow updated: %v", err)
		}

		got, err := s.GetFlow(ctx, "dev-1", "v")
		if err != nil {
			t.Fatalf("GetFlow: %v", err)
		}
		if got.Name != "Renamed" {
			t.Errorf("name = %q, want Renamed", got.Name)
		}
		if len(got.Steps) != 3 {
			t.Errorf("steps = %d, want 3", len(got.Steps))
		}
	})

	t.Run("disabled flag round trips", func(t *testing.T) {
		s := open(t)
		f := testFlow(t, "off", "dev-1")
		f.SetEnabled(false)
		if err := s.SaveFlow(ctx, f); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}
		got, err := s.GetFlow(ctx, "dev-1", "off")
		if err != nil {
			t.Fatalf("GetFlow: %v", err)
		}
		if got.Enabled() {
			t.Error("loaded flow should stay disabled")
		}
	})
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := testFlow(t, "persist", "dev-1")
	f.RecordResult(true, "", time.Now())
	if err := s.SaveFlow(ctx, f); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(dir, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetFlow(ctx, "dev-1", "persist")
	if err != nil {
		t.Fatalf("GetFlow after reopen: %v", err)
	}
	if got.Stats().ExecutionCount != 1 {
		t.Errorf("executionCount = %d, want 1", got.Stats().ExecutionCount)
	}
}
