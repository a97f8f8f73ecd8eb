package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/beads-live/internal/query"
)

func nextUpdate(t *testing.T, sub query.Subscription) (query.Update, bool) {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		return u, ok
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for live query update")
		return query.Update{}, false
	}
}

// waitForIDs reads updates until one carries the wanted entity IDs.
func waitForIDs(t *testing.T, sub query.Subscription, want []string) *query.Snapshot {
	t.Helper()
	for {
		u, ok := nextUpdate(t, sub)
		if !ok {
			t.Fatalf("stream ended while waiting for %v", want)
		}
		if u.Status != query.StatusOK {
			t.Fatalf("unexpected %s update: %v", u.Status, u.Err)
		}
		if cmp.Equal(want, snapshotIDs(u.Snapshot)) {
			return u.Snapshot
		}
	}
}

func TestWatch_InitialSnapshot(t *testing.T) {
	s := openTestStore(t)
	seedFive(t, s)

	sub, err := s.Watch(context.Background(), idQuery(2, false))
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Close()

	snap := waitForIDs(t, sub, []string{"e1", "e2"})
	if !snap.HasNextPage {
		t.Error("HasNextPage = false with three more entities")
	}
}

func TestWatch_DeliversMutations(t *testing.T) {
	s := openTestStore(t)
	mustPut(t, s, newTask("e2", 0, 2, "open"))

	sub, err := s.Watch(context.Background(), idQuery(10, false))
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Close()
	waitForIDs(t, sub, []string{"e2"})

	mustPut(t, s, newTask("e1", 1, 2, "open"))
	waitForIDs(t, sub, []string{"e1", "e2"})

	if err := s.Delete("e2"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	waitForIDs(t, sub, []string{"e1"})
}

func TestWatch_CloseEndsStream(t *testing.T) {
	s := openTestStore(t)

	sub, err := s.Watch(context.Background(), idQuery(10, false))
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	waitForIDs(t, sub, []string{})
	sub.Close()
	sub.Close()

	for {
		if _, ok := nextUpdate(t, sub); !ok {
			break
		}
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Watchers != 0 {
		t.Errorf("Watchers = %d after Close(), want 0", stats.Watchers)
	}
}

func TestWatch_StoreCloseEndsStream(t *testing.T) {
	s := openTestStore(t)

	sub, err := s.Watch(context.Background(), idQuery(10, false))
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Close()
	waitForIDs(t, sub, []string{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	for {
		u, ok := nextUpdate(t, sub)
		if !ok {
			return
		}
		if u.Status == query.StatusOK {
			continue
		}
		if u.Status != query.StatusDone {
			t.Errorf("terminal status = %s, want done", u.Status)
		}
	}
}

func TestWatch_ContextCancelEndsStream(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.Watch(ctx, idQuery(10, false))
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Close()
	waitForIDs(t, sub, []string{})

	cancel()
	for {
		if _, ok := nextUpdate(t, sub); !ok {
			return
		}
	}
}

func TestWatch_RejectsInvalidQuery(t *testing.T) {
	s := openTestStore(t)
	q := query.New()
	q.Paging.Count = -1
	if _, err := s.Watch(context.Background(), q); err == nil {
		t.Error("Watch() should reject an invalid query")
	}
}
