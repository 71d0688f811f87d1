package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher(t *testing.T, debounce time.Duration, paths ...string) <-chan string {
	t.Helper()
	w, err := NewWatcher(debounce, quietLogger(), paths...)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(_ context.Context, path string) {
			changes <- path
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	})

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("Watch() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}
	return changes
}

func TestNewWatcher_Errors(t *testing.T) {
	if _, err := NewWatcher(0, nil); err == nil {
		t.Error("NewWatcher() with no paths: error = nil")
	}
	if _, err := NewWatcher(0, nil, ""); err == nil {
		t.Error("NewWatcher() with empty path: error = nil")
	}
}

func TestWatcher_ReportsWrites(t *testing.T) {
	dir := t.TempDir()
	routing := filepath.Join(dir, "routing.json")
	if err := os.WriteFile(routing, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := startWatcher(t, 20*time.Millisecond, routing)

	if err := os.WriteFile(routing, []byte(`{"endpoints":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		want, _ := filepath.Abs(routing)
		if got != want {
			t.Errorf("changed path = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_ReportsRenameIntoPlace(t *testing.T) {
	dir := t.TempDir()
	routing := filepath.Join(dir, "routing.json")
	if err := os.WriteFile(routing, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := startWatcher(t, 20*time.Millisecond, routing)

	tmp := filepath.Join(dir, ".routing.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"endpoints":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, routing); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("rename into place not reported")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	routing := filepath.Join(dir, "routing.json")
	if err := os.WriteFile(routing, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := startWatcher(t, 0, routing)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		t.Fatalf("unexpected change for %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	routing := filepath.Join(dir, "routing.json")
	if err := os.WriteFile(routing, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := startWatcher(t, 300*time.Millisecond, routing)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(routing, []byte(`{"endpoints":{}}`), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changes:
		t.Fatal("burst produced more than one callback")
	case <-time.After(600 * time.Millisecond):
	}
}
