package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/installrelay/internal/watcher"
)

func startWatcher(t *testing.T, dir string, files ...string) <-chan struct{} {
	t.Helper()
	w, err := watcher.New(watcher.Config{
		Dir:         dir,
		Files:       files,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return onChange
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	slot := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(slot, []byte("{}"), 0o600))

	onChange := startWatcher(t, dir, "input.json")

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(slot, []byte(fmt.Sprintf(`{"n":%d}`, i)), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_RenameIntoPlaceNotifies(t *testing.T) {
	dir := t.TempDir()
	onChange := startWatcher(t, dir, "control.json")

	tmp := filepath.Join(dir, ".control.json.tmp.1")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"command":"stop"}`), 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "control.json")))

	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for atomic replace")
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()
	otherPath := filepath.Join(dir, "output.log")
	// Pre-create the other file so writes to it are just Write events
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0o600))

	onChange := startWatcher(t, dir, "input.json", "control.json")

	require.NoError(t, os.WriteFile(otherPath, []byte("more output"), 0o600))

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	w, err := watcher.New(watcher.DefaultConfig(dir, "input.json"))
	require.NoError(t, err)

	_, err = w.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestWatcher_StartMissingDir(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(filepath.Join(t.TempDir(), "missing"), "input.json"))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/tmp/relay", "input.json", "control.json")
	assert.Equal(t, "/tmp/relay", cfg.Dir)
	assert.Equal(t, []string{"input.json", "control.json"}, cfg.Files)
	assert.Equal(t, 50*time.Millisecond, cfg.DebounceDur)
}
