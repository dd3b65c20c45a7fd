package fs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(projectID string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func waitForEvents(t *testing.T, pub *recordingPublisher, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if evs := pub.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(pub.snapshot()))
	return nil
}

func TestWatcherBatchesChanges(t *testing.T) {
	base := t.TempDir()
	os.MkdirAll(filepath.Join(base, "p1", "src"), 0755)

	pub := &recordingPublisher{}
	m := NewWatchers(NewBrowser(base), pub, 100*time.Millisecond, nil)
	m.Start("p1")
	defer m.Close()

	os.WriteFile(filepath.Join(base, "p1", "a.txt"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(base, "p1", "src", "b.txt"), []byte("b"), 0644)
	os.WriteFile(filepath.Join(base, "p1", ".hidden"), []byte("h"), 0644)

	evs := waitForEvents(t, pub, 1)
	ev := evs[0]
	if ev.Type != events.TypeFilesChanged || ev.ProjectID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Later batches may still arrive; collect everything seen.
	time.Sleep(300 * time.Millisecond)
	seen := map[string]bool{}
	for _, e := range pub.snapshot() {
		for _, p := range e.Data.(events.FilesChangedData).Paths {
			seen[p] = true
		}
	}
	if !seen["/a.txt"] || !seen["/src/b.txt"] {
		t.Errorf("expected both files reported, got %v", seen)
	}
	if seen["/.hidden"] {
		t.Error("hidden files should be ignored")
	}
}

func TestWatchersStopIsIdempotent(t *testing.T) {
	base := t.TempDir()
	os.MkdirAll(filepath.Join(base, "p1"), 0755)

	pub := &recordingPublisher{}
	m := NewWatchers(NewBrowser(base), pub, 50*time.Millisecond, nil)
	m.Start("p1")
	m.Start("p1")
	m.Stop("p1")
	m.Stop("p1")

	os.WriteFile(filepath.Join(base, "p1", "late.txt"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)
	if n := len(pub.snapshot()); n != 0 {
		t.Errorf("expected no events after stop, got %d", n)
	}

	// Missing workspaces are skipped.
	m.Start("ghost")
}
