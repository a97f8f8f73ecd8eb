package livequery

import (
	"github.com/steveyegge/beads-live/internal/query"
	"github.com/steveyegge/beads-live/internal/schema"
)

// page is one paging window of the aggregate. It is owned by the loop goroutine.
type page struct {
	query    query.Query
	snapshot *query.Snapshot

	// sub is nil while the page waits for a retry.
	sub query.Subscription

	// gen increases every time sub is replaced; updates carrying an older
	// generation come from a superseded subscription.
	gen uint64
}

func (p *page) pending() bool {
	return p.sub == nil
}

func (p *page) entities() []schema.Entity {
	if p.snapshot == nil {
		return nil
	}
	return p.snapshot.Entities
}

// full reports whether the page came back with as many entities as it asked for
// and the store says more exist past it.
func (p *page) full() bool {
	n := len(p.entities())
	return n > 0 && p.snapshot.HasNextPage && n == p.query.Limit()
}

func (p *page) release() {
	if p.sub != nil {
		p.sub.Close()
		p.sub = nil
	}
}

// pageUpdate is one store delivery tagged with the page and generation it was
// opened for.
type pageUpdate struct {
	index  int
	gen    uint64
	update query.Update
}

// open subscribes page i to the source with a fresh generation. On failure the
// page is left pending and false is returned.
func (a *Aggregator) open(i int) bool {
	p := a.pages[i]
	p.release()
	p.gen++

	sub, err := a.src.Watch(a.ctx, p.query)
	if err != nil {
		a.log.Warn().Err(err).Int("page", i).Msg("failed to open page subscription")
		return false
	}
	p.sub = sub

	a.wg.Add(1)
	go a.forward(pageUpdate{index: i, gen: p.gen}, sub)
	return true
}

// forward relays one subscription's updates onto the loop until the stream
// ends or the aggregator closes. A closed channel is reported as done.
func (a *Aggregator) forward(tag pageUpdate, sub query.Subscription) {
	defer a.wg.Done()

	updates := sub.Updates()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				u = query.Update{Status: query.StatusDone}
			}
			pu := tag
			pu.update = u
			a.post(func() { a.handleUpdate(pu) })
			if !ok || u.Failed() {
				return
			}
		case <-a.stop:
			return
		}
	}
}

// mergePages concatenates page entities in page order, dropping an entity whose
// identity equals the one emitted immediately before it.
func mergePages(pages []*page) []schema.Entity {
	size := 0
	for _, p := range pages {
		size += len(p.entities())
	}

	results := make([]schema.Entity, 0, size)
	for _, p := range pages {
		for _, e := range p.entities() {
			if n := len(results); n > 0 && results[n-1].ID == e.ID {
				continue
			}
			results = append(results, e)
		}
	}
	return results
}
