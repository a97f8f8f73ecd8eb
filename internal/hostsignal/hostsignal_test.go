//go:build unix

package hostsignal

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestBroadcaster_SubscribeNotify(t *testing.T) {
	b := NewBroadcaster()
	var first, second atomic.Int32

	unsubFirst := b.Subscribe(func() { first.Add(1) })
	b.Subscribe(func() { second.Add(1) })

	b.Notify()
	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("after Notify(): first=%d second=%d, want 1 and 1", first.Load(), second.Load())
	}

	unsubFirst()
	unsubFirst()
	b.Notify()
	if first.Load() != 1 {
		t.Errorf("unsubscribed callback ran again")
	}
	if second.Load() != 2 {
		t.Errorf("second callback ran %d times, want 2", second.Load())
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestBroadcaster_UnsubscribeDuringNotify(t *testing.T) {
	b := NewBroadcaster()
	var calls atomic.Int32
	var unsub func()
	unsub = b.Subscribe(func() {
		calls.Add(1)
		unsub()
	})
	b.Subscribe(func() { calls.Add(1) })

	b.Notify()
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	b.Notify()
	if calls.Load() != 3 {
		t.Errorf("calls = %d after second Notify(), want 3", calls.Load())
	}
}

func TestNotifyOnSignals(t *testing.T) {
	b := NewBroadcaster()
	got := make(chan struct{}, 1)
	b.Subscribe(func() {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NotifyOnSignals(ctx, b, syscall.SIGUSR1)

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess() failed: %v", err)
	}
	if err := p.Signal(syscall.SIGUSR1); err != nil {
		t.Fatalf("Signal() failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for signal notification")
	}
}

func TestForegroundSignals(t *testing.T) {
	sigs := ForegroundSignals()
	if len(sigs) != 1 || sigs[0] != syscall.SIGCONT {
		t.Errorf("ForegroundSignals() = %v, want [SIGCONT]", sigs)
	}
}
