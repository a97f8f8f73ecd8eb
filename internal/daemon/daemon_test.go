package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/beads-live/internal/filesync"
	"github.com/steveyegge/beads-live/internal/schema"
	"github.com/steveyegge/beads-live/internal/store"
)

// recordingNotifier collects daemon notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	puts    []string
	created []string
	deleted []string
	syncs   int
}

func (n *recordingNotifier) OnEntityPut(old, entity *schema.Entity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.puts = append(n.puts, entity.ID)
	if old == nil {
		n.created = append(n.created, entity.ID)
	}
}

func (n *recordingNotifier) OnEntityDeleted(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, id)
}

func (n *recordingNotifier) OnSyncComplete(processed, failed, deleted int, duration time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.syncs++
}

func (n *recordingNotifier) has(list *[]string, id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range *list {
		if got == id {
			return true
		}
	}
	return false
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "entities.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeEntityFile writes an entity to disk for testing.
func writeEntityFile(t *testing.T, dir, id, title string) {
	t.Helper()

	now := time.Now().UTC()
	e := &schema.Entity{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Traits:    []schema.Trait{schema.NewTaskTrait(schema.TaskTrait{Title: title, Type: "task", Status: "open"})},
	}
	if err := schema.WriteEntityFile(dir, e); err != nil {
		t.Fatalf("Failed to write entity file: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	s := setupTestStore(t)
	syncer := filesync.New(s, nil)

	tests := []struct {
		name    string
		syncer  filesync.Syncer
		dir     string
		wantErr bool
	}{
		{"valid", syncer, t.TempDir(), false},
		{"nil syncer", nil, t.TempDir(), true},
		{"empty dir", syncer, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.syncer, tt.dir, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

func TestNew_DoesNotModifyConfig(t *testing.T) {
	s := setupTestStore(t)
	config := &Config{FullSyncInterval: time.Minute}

	d, err := New(filesync.New(s, nil), t.TempDir(), config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	if config.DebounceInterval != 0 {
		t.Errorf("caller config DebounceInterval = %v, want unchanged 0", config.DebounceInterval)
	}
	if got, want := d.config.DebounceInterval, DefaultConfig().DebounceInterval; got != want {
		t.Errorf("daemon DebounceInterval = %v, want %v", got, want)
	}
}

func TestDaemon_SyncsFileChanges(t *testing.T) {
	s := setupTestStore(t)
	dir := filepath.Join(t.TempDir(), "entities")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create entities dir: %v", err)
	}
	writeEntityFile(t, dir, "e1", "Existing")

	notifier := &recordingNotifier{}
	d, err := New(filesync.New(s, nil), dir, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Notifier:         notifier,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	waitFor(t, "initial sync", func() bool { return notifier.has(&notifier.created, "e1") })
	notifier.mu.Lock()
	syncs := notifier.syncs
	notifier.mu.Unlock()
	if syncs != 1 {
		t.Errorf("Expected 1 sync complete, got %d", syncs)
	}

	writeEntityFile(t, dir, "e2", "New")
	waitFor(t, "e2 to be synced", func() bool { return notifier.has(&notifier.created, "e2") })
	if _, err := s.Get("e2"); err != nil {
		t.Errorf("Get(e2) failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "e1.json")); err != nil {
		t.Fatalf("Failed to remove entity file: %v", err)
	}
	waitFor(t, "e1 to be deleted", func() bool { return notifier.has(&notifier.deleted, "e1") })
	if _, err := s.Get("e1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(e1) error = %v, want ErrNotFound", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for daemon to stop")
	}
}

func TestDaemon_DebouncesBursts(t *testing.T) {
	s := setupTestStore(t)
	dir := t.TempDir()

	notifier := &recordingNotifier{}
	d, err := New(filesync.New(s, nil), dir, &Config{
		DebounceInterval: 100 * time.Millisecond,
		Notifier:         notifier,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	go d.Start(context.Background())
	defer d.Stop()

	// Let the initial sync finish before writing
	waitFor(t, "initial sync", func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return notifier.syncs == 1
	})

	for i := 0; i < 5; i++ {
		writeEntityFile(t, dir, "e1", "burst")
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, "burst to be synced", func() bool { return notifier.has(&notifier.puts, "e1") })
	time.Sleep(300 * time.Millisecond)

	e, err := s.Get("e1")
	if err != nil {
		t.Fatalf("Get(e1) failed: %v", err)
	}
	if e.Version > 2 {
		t.Errorf("Expected the burst to collapse, got version %d", e.Version)
	}
}

func TestDaemon_PerformFullSync(t *testing.T) {
	s := setupTestStore(t)
	dir := t.TempDir()
	writeEntityFile(t, dir, "e1", "One")
	writeEntityFile(t, dir, "e2", "Two")

	d, err := New(filesync.New(s, nil), dir, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	res, err := d.PerformFullSync()
	if err != nil {
		t.Fatalf("PerformFullSync() failed: %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("Expected 2 processed, got %d", res.Processed)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entities, got %d", n)
	}
}
