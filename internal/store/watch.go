package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/beads-live/internal/query"
)

// watcher is one live query. It owns a goroutine that re-runs the query after
// mutations and delivers snapshots on updates.
type watcher struct {
	store   *Store
	query   query.Query
	updates chan query.Update
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Watch keeps q live. The subscription delivers a snapshot right away and a new
// one after every batch of committed mutations; slow consumers only see the
// latest state. A failing query delivers an error update and ends the stream.
// Closing the store delivers a done update and ends every stream.
func (s *Store) Watch(ctx context.Context, q query.Query) (query.Subscription, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	w := &watcher{
		store:   s,
		query:   q.Clone(),
		updates: make(chan query.Update, 1),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.watchersMu.Lock()
	s.watchers[w] = struct{}{}
	s.watchersMu.Unlock()

	s.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

// Updates implements query.Subscription.
func (w *watcher) Updates() <-chan query.Update {
	return w.updates
}

// Close implements query.Subscription.
func (w *watcher) Close() {
	w.once.Do(func() { close(w.done) })
}

func (s *Store) notifyWatchers() {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for w := range s.watchers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (w *watcher) run(ctx context.Context) {
	s := w.store
	defer s.wg.Done()
	defer close(w.updates)
	defer func() {
		s.watchersMu.Lock()
		delete(s.watchers, w)
		s.watchersMu.Unlock()
	}()

	for {
		snap, err := s.Query(ctx, w.query)
		if err != nil {
			if s.closed() {
				w.finish(query.Update{Status: query.StatusDone})
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("live query failed")
			w.finish(query.Update{Status: query.StatusError, Err: err})
			return
		}
		if !w.send(ctx, query.Update{Status: query.StatusOK, Snapshot: snap}) {
			return
		}

		select {
		case <-w.notify:
		case <-s.closing:
			w.finish(query.Update{Status: query.StatusDone})
			return
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
		if !w.debounce(ctx) {
			return
		}
	}
}

// send delivers u, replacing an undelivered older snapshot. It returns false
// when the stream should end.
func (w *watcher) send(ctx context.Context, u query.Update) bool {
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- u:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	case <-w.store.closing:
		return false
	}
}

// finish makes a best effort to deliver a terminal update.
func (w *watcher) finish(u query.Update) {
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- u:
	default:
	}
}

// debounce waits for the mutation burst to settle.
func (w *watcher) debounce(ctx context.Context) bool {
	d := w.store.config.DebounceInterval
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-w.notify:
		case <-w.done:
			return false
		case <-ctx.Done():
			return false
		case <-w.store.closing:
			w.finish(query.Update{Status: query.StatusDone})
			return false
		}
	}
}
