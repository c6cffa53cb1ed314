package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvent(t *testing.T, w *FileWatcher) FileEvent {
	t.Helper()

	select {
	case ev := <-w.eventChan:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no file event emitted")
		return FileEvent{}
	}
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}

func TestNewFileWatcher_MissingPathIsWatchable(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "later.yaml")})
	require.NoError(t, err)
	assert.Len(t, w.Paths(), 1)
}

func TestFileWatcher_DetectsCreateWriteRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costguard.yaml")

	w, err := NewFileWatcher([]string{path})
	require.NoError(t, err)

	// File appears.
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))
	w.checkFiles()
	ev := drainEvent(t, w)
	assert.Equal(t, FileOpCreate, ev.Op)
	assert.Equal(t, path, ev.Path)

	// File changes. The mod time must move forward for the poll to see it.
	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	w.checkFiles()
	ev = drainEvent(t, w)
	assert.Equal(t, FileOpWrite, ev.Op)

	// File disappears.
	require.NoError(t, os.Remove(path))
	w.checkFiles()
	ev = drainEvent(t, w)
	assert.Equal(t, FileOpRemove, ev.Op)

	// No change, no event.
	w.checkFiles()
	select {
	case ev := <-w.eventChan:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileWatcher_CallbackDispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	w, err := NewFileWatcher([]string{path}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []FileEvent
	w.OnChange(func(ev FileEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	assert.True(t, w.IsRunning())

	// Double start is an error.
	assert.Error(t, w.Start(ctx))

	// Modify the file; bump the mod time so the next poll sees it.
	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, FileOpWrite, got[0].Op)
	mu.Unlock()

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestFileWatcher_AddRemovePath(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(a, []byte("a: 1\n"), 0o644))

	w, err := NewFileWatcher([]string{a})
	require.NoError(t, err)

	require.NoError(t, w.AddPath(b))
	assert.ElementsMatch(t, []string{a, b}, w.Paths())

	// Adding the same path twice is a no-op.
	require.NoError(t, w.AddPath(b))
	assert.Len(t, w.Paths(), 2)

	require.NoError(t, w.RemovePath(a))
	assert.Equal(t, []string{b}, w.Paths())
}
