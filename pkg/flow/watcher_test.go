package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func awaitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func startWatcher(t *testing.T, dir string) (*Watcher, context.CancelFunc) {
	t.Helper()
	w, err := NewWatcher(dir, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return w, cancel
}

func TestWatcher_LoadsNewFlow(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	content := "device: emu-5554\nupdateInterval: 30000\n---\n- goHome\n"
	if err := os.WriteFile(filepath.Join(dir, "ac.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	ev := awaitEvent(t, w.Events())
	if ev.Err != nil {
		t.Fatalf("unexpected event error: %v", ev.Err)
	}
	if ev.Flow == nil {
		t.Fatal("expected parsed flow in event")
	}
	if ev.Flow.ID != "ac" {
		t.Errorf("expected flow id=ac, got %q", ev.Flow.ID)
	}
	if ev.Removed {
		t.Error("expected a load event, not a removal")
	}
}

func TestWatcher_ReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("device: emu-1\n---\n- teleport\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ev := awaitEvent(t, w.Events())
	if ev.Err == nil {
		t.Fatal("expected parse error in event")
	}
	if ev.Flow != nil {
		t.Error("expected no flow on parse error")
	}
}

func TestWatcher_ReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ac.yaml")
	if err := os.WriteFile(path, []byte("device: emu-1\n---\n- goHome\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w, _ := startWatcher(t, dir)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	ev := awaitEvent(t, w.Events())
	if !ev.Removed {
		t.Fatalf("expected removal event, got %+v", ev)
	}
	if ev.Path != path {
		t.Errorf("expected path %q, got %q", path, ev.Path)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a flow"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ac.yaml"), []byte("device: emu-1\n---\n- goHome\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Only the YAML file should produce an event.
	ev := awaitEvent(t, w.Events())
	if ev.Flow == nil || ev.Flow.ID != "ac" {
		t.Fatalf("expected event for ac.yaml, got %+v", ev)
	}

	select {
	case extra := <-w.Events():
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}
