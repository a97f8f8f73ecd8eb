// Package livequery turns a series of paged live subscriptions into one
// continuous, expandable, de-duplicated result list.
//
// An Aggregator starts with a single page built from the base query. When the
// last page comes back full, Expand opens another page continuing from the
// store-reported boundary and pins the previous page to end there, so inserts
// into the already loaded range keep showing up. A page whose stream fails
// keeps its last snapshot in the merged list and is reopened through a
// rate-limited retry until the aggregator is closed.
//
// All state lives on one goroutine. Public methods post work to it and return
// immediately; they may be called from inside the change callback.
package livequery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/query"
	"github.com/steveyegge/beads-live/internal/retry"
	"github.com/steveyegge/beads-live/internal/schema"
)

const (
	// DefaultInhibitDelay is the inhibition window used when InhibitChanges gets no duration.
	DefaultInhibitDelay = 2 * time.Second

	// DefaultExpandedPageCount is the count a page is inflated to once a later page exists.
	DefaultExpandedPageCount = 1000
)

// Source opens live queries against an entity store.
type Source interface {
	Watch(ctx context.Context, q query.Query) (query.Subscription, error)
}

// Signal notifies subscribers when the host regains foreground or connectivity.
type Signal interface {
	Subscribe(fn func()) (unsubscribe func())
}

// View is the externally visible aggregator state after a recomputation.
type View struct {
	// Results is the merged list. It is never nil and must not be modified.
	Results []schema.Entity
	// CanExpand reports whether Expand would open a new page.
	CanExpand bool
	// Dirty reports whether some page is waiting for a retry.
	Dirty bool
}

// Config holds configuration for an Aggregator.
type Config struct {
	// AutoReconnect retries failed pages automatically and listens to Signal
	AutoReconnect bool

	// RetryInterval is the minimum time between reopen attempts
	RetryInterval time.Duration

	// RetryMultiplier grows RetryInterval after every attempt when greater than 1
	RetryMultiplier float64

	// RetryMaxInterval caps the grown retry interval
	RetryMaxInterval time.Duration

	// InhibitDelay is used by InhibitChanges when called with a non-positive duration
	InhibitDelay time.Duration

	// ExpandedPageCount is the count given to a page once another page follows it
	ExpandedPageCount int

	// Signal triggers EnsureFresh when it fires (optional)
	Signal Signal

	// Logger for aggregator activity (default: disabled)
	Logger *zerolog.Logger

	// Clock is the time source for retry and inhibition timers
	Clock clockwork.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoReconnect:     true,
		RetryInterval:     retry.DefaultInterval,
		InhibitDelay:      DefaultInhibitDelay,
		ExpandedPageCount: DefaultExpandedPageCount,
		Clock:             clockwork.NewRealClock(),
	}
}

// Aggregator maintains the merged live result list of a paged query.
type Aggregator struct {
	src      Source
	base     query.Query
	onChange func(View)
	config   Config
	log      zerolog.Logger
	clock    clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Work queue feeding the loop goroutine. post never blocks.
	queueMu sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	// Loop-owned state.
	pages        []*page
	dirty        bool
	inhibited    bool
	inhibitUntil time.Time
	inhibitTimer clockwork.Timer
	retrier      *retry.Trigger
	unsubscribe  func()

	viewMu sync.RWMutex
	view   View

	// notifying is set while onChange runs on the loop goroutine.
	notifying atomic.Bool
}

// New creates an Aggregator for q and opens its first page. onChange runs on
// the aggregator goroutine after every recomputation that is not inhibited,
// even when the results did not change. A nil config uses DefaultConfig.
func New(src Source, q query.Query, onChange func(View), config *Config) *Aggregator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = retry.DefaultInterval
	}
	if cfg.InhibitDelay <= 0 {
		cfg.InhibitDelay = DefaultInhibitDelay
	}
	if cfg.ExpandedPageCount <= 0 {
		cfg.ExpandedPageCount = DefaultExpandedPageCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "livequery").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	base := q.Clone()

	a := &Aggregator{
		src:      src,
		base:     base,
		onChange: onChange,
		config:   cfg,
		log:      log,
		clock:    cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pages:    []*page{{query: base.Clone()}},
		view:     View{Results: []schema.Entity{}},
	}

	if cfg.AutoReconnect && cfg.Signal != nil {
		a.unsubscribe = cfg.Signal.Subscribe(a.EnsureFresh)
	}

	a.post(a.start)
	go a.run()
	return a
}

// Results returns the current merged result list. It is never nil.
func (a *Aggregator) Results() []schema.Entity {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return append([]schema.Entity{}, a.view.Results...)
}

// CanExpand reports whether the last page came back full with more results
// available past it.
func (a *Aggregator) CanExpand() bool {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return a.view.CanExpand
}

// Dirty reports whether at least one page is waiting to be reopened.
func (a *Aggregator) Dirty() bool {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return a.view.Dirty
}

// Expand opens the next page when CanExpand holds. Otherwise it does nothing.
func (a *Aggregator) Expand() {
	a.post(a.expand)
}

// EnsureFresh schedules a reopen of every failed page, rate limited by the
// retry interval. It does nothing while no page has failed.
func (a *Aggregator) EnsureFresh() {
	a.post(a.ensureFresh)
}

// InhibitChanges suppresses recomputation and change notification for d
// (InhibitDelay when d <= 0). One recomputation runs when the window ends.
func (a *Aggregator) InhibitChanges(d time.Duration) {
	a.post(func() { a.inhibit(d) })
}

// Close releases every page subscription and timer. No change callback
// starts after Close returns.
//
// Called while a change callback is running, including from inside the
// callback, Close does not wait: the running callback is the last one and the
// loop goroutine releases everything once it returns.
func (a *Aggregator) Close() {
	inCallback := a.notifying.Load()

	a.queueMu.Lock()
	if a.closed {
		a.queueMu.Unlock()
		if !inCallback {
			<-a.done
		}
		return
	}
	a.closed = true
	a.queue = nil
	a.queueMu.Unlock()

	a.cancel()
	close(a.stop)
	if inCallback {
		return
	}
	<-a.done
	a.wg.Wait()
}

// post queues fn for the loop goroutine. Work posted after Close is dropped.
func (a *Aggregator) post(fn func()) {
	a.queueMu.Lock()
	if a.closed {
		a.queueMu.Unlock()
		return
	}
	a.queue = append(a.queue, fn)
	a.queueMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) next() func() {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	fn := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return fn
}

func (a *Aggregator) run() {
	defer close(a.done)
	defer a.teardown()

	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}

		for fn := a.next(); fn != nil; fn = a.next() {
			select {
			case <-a.stop:
				return
			default:
			}
			fn()
		}
	}
}

func (a *Aggregator) teardown() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.retrier != nil {
		a.retrier.Close()
	}
	if a.inhibitTimer != nil {
		a.inhibitTimer.Stop()
	}
	for _, p := range a.pages {
		p.release()
	}
	a.log.Debug().Int("pages", len(a.pages)).Msg("aggregator closed")
}

func (a *Aggregator) start() {
	a.open(0)
	a.recompute()
	a.retryIfDirty()
}

func (a *Aggregator) handleUpdate(u pageUpdate) {
	if u.index >= len(a.pages) {
		return
	}
	p := a.pages[u.index]
	if p.gen != u.gen || p.pending() {
		a.log.Debug().Int("page", u.index).Uint64("gen", u.gen).Msg("ignoring update from superseded subscription")
		return
	}

	if u.update.Failed() {
		a.handleFailure(u.index, u.update)
		return
	}

	snapshot := u.update.Snapshot
	if snapshot == nil {
		snapshot = &query.Snapshot{}
	}
	p.snapshot = snapshot
	a.recompute()
}

// handleFailure marks page i as waiting for a retry. Its last snapshot stays in
// the merged list.
func (a *Aggregator) handleFailure(i int, u query.Update) {
	a.log.Warn().Err(u.Err).Int("page", i).Stringer("status", u.Status).Msg("page subscription ended")
	a.pages[i].release()
	a.recompute()
	a.retryIfDirty()
}

func (a *Aggregator) retryIfDirty() {
	if a.config.AutoReconnect {
		a.ensureFresh()
	}
}

func (a *Aggregator) ensureFresh() {
	if !a.dirty {
		return
	}
	if a.retrier == nil {
		a.retrier = retry.New(func() { a.post(a.reopenPending) }, &retry.Config{
			Interval:    a.config.RetryInterval,
			Multiplier:  a.config.RetryMultiplier,
			MaxInterval: a.config.RetryMaxInterval,
			Clock:       a.clock,
		})
	}
	a.retrier.Trigger()
}

func (a *Aggregator) reopenPending() {
	reopened := 0
	for i, p := range a.pages {
		if p.pending() && a.open(i) {
			reopened++
		}
	}
	if reopened > 0 {
		a.log.Info().Int("pages", reopened).Msg("reopened page subscriptions")
	}
	a.recompute()
	a.retryIfDirty()
}

func (a *Aggregator) canExpand() bool {
	return a.pages[len(a.pages)-1].full()
}

func (a *Aggregator) expand() {
	if !a.canExpand() {
		return
	}
	prevIndex := len(a.pages) - 1
	prev := a.pages[prevIndex]
	next := prev.snapshot.NextPage
	if next == nil {
		return
	}

	paging := next.Clone()
	if paging.Count <= 0 {
		paging.Count = a.base.Limit()
	}
	a.pages = append(a.pages, &page{query: a.base.WithPaging(paging)})
	a.open(len(a.pages) - 1)

	// Pin the previous page to end where the new one starts.
	bounded := prev.query.Paging.Clone()
	if a.base.Ordering.Descending {
		if paging.BeforeOrderingValue != nil {
			bounded.AfterOrderingValue = paging.BeforeOrderingValue.Ptr()
		}
	} else if paging.AfterOrderingValue != nil {
		bounded.BeforeOrderingValue = paging.AfterOrderingValue.Ptr()
	}
	bounded.Count = a.config.ExpandedPageCount
	prev.query = prev.query.WithPaging(bounded)
	if !prev.pending() {
		a.open(prevIndex)
	}

	a.log.Debug().Int("pages", len(a.pages)).Msg("expanded")
	a.recompute()
	a.retryIfDirty()
}

func (a *Aggregator) inhibit(d time.Duration) {
	if d <= 0 {
		d = a.config.InhibitDelay
	}
	until := a.clock.Now().Add(d)
	if a.inhibited && !until.After(a.inhibitUntil) {
		return
	}
	if a.inhibitTimer != nil {
		a.inhibitTimer.Stop()
	}
	a.inhibited = true
	a.inhibitUntil = until

	a.inhibitTimer = a.clock.AfterFunc(d, func() {
		a.post(func() { a.endInhibition(until) })
	})
}

func (a *Aggregator) endInhibition(until time.Time) {
	if !a.inhibited || !until.Equal(a.inhibitUntil) {
		return
	}
	a.inhibited = false
	a.inhibitTimer = nil
	a.recompute()
}

// recompute updates the dirty flag and, unless inhibited, rebuilds the merged
// list and notifies the consumer.
func (a *Aggregator) recompute() {
	dirty := false
	for _, p := range a.pages {
		if p.pending() {
			dirty = true
			break
		}
	}
	if a.dirty && !dirty && a.retrier != nil {
		a.retrier.Reset()
	}
	a.dirty = dirty

	if a.inhibited {
		a.viewMu.Lock()
		a.view.Dirty = dirty
		a.viewMu.Unlock()
		return
	}

	view := View{
		Results:   mergePages(a.pages),
		CanExpand: a.canExpand(),
		Dirty:     dirty,
	}
	a.viewMu.Lock()
	a.view = view
	a.viewMu.Unlock()

	if a.onChange != nil {
		a.notifying.Store(true)
		defer a.notifying.Store(false)
		a.onChange(view)
	}
}
