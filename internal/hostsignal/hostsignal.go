// Package hostsignal tells interested components that the process has
// regained foreground or connectivity, so stalled work can be retried.
package hostsignal

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
)

type callback struct {
	id uint64
	fn func()
}

// Broadcaster fans one notification out to every subscriber. The callback list
// is copied on write, so Notify never holds the lock while running callbacks
// and callbacks may subscribe or unsubscribe.
type Broadcaster struct {
	mu        sync.Mutex
	nextID    uint64
	callbacks []callback
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Broadcaster) Subscribe(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	next := slices.Clone(b.callbacks)
	b.callbacks = append(next, callback{id: id, fn: fn})

	return func() { b.remove(id) }
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.callbacks, func(c callback) bool { return c.id == id })
	if i < 0 {
		return
	}
	b.callbacks = slices.Delete(slices.Clone(b.callbacks), i, i+1)
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.callbacks)
}

// Notify runs every subscribed callback on the calling goroutine.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	callbacks := b.callbacks
	b.mu.Unlock()

	for _, c := range callbacks {
		c.fn()
	}
}

// NotifyOnSignals calls b.Notify for every delivery of sigs until ctx is done.
// With no signals it returns immediately.
func NotifyOnSignals(ctx context.Context, b *Broadcaster, sigs ...os.Signal) {
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				b.Notify()
			case <-ctx.Done():
				return
			}
		}
	}()
}
