package pagination

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// FetchFunc loads the page strictly older than cursor (nil means newest).
// It returns the items and the cursor for the following page, nil when the
// log is exhausted.
type FetchFunc[T Keyed] func(ctx context.Context, cursor *Cursor) ([]T, *Cursor, error)

// Pager walks a conversation backwards one page at a time. Only one LoadMore
// may be outstanding; a concurrent call returns immediately without fetching.
type Pager[T Keyed] struct {
	fetch    FetchFunc[T]
	inflight *semaphore.Weighted

	mu        sync.Mutex
	cursor    *Cursor
	seeded    bool
	exhausted bool
	// reachedStart is set once LoadMore has paged down to the oldest item.
	reachedStart bool
}

func NewPager[T Keyed](fetch FetchFunc[T]) *Pager[T] {
	return &Pager[T]{
		fetch:    fetch,
		inflight: semaphore.NewWeighted(1),
	}
}

// Seed positions the pager after the first page seen by some other reader
// (the live tail). Once seeded, later calls only take effect while the
// pager is exhausted, so a head that outgrew one page can reopen it. A
// pager that LoadMore walked to the oldest item stays exhausted.
func (p *Pager[T]) Seed(cursor *Cursor, hasMore bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reachedStart || (p.seeded && !p.exhausted) {
		return
	}
	p.seeded = true
	p.cursor = cursor
	p.exhausted = cursor == nil || !hasMore
}

// Seeded reports whether the pager has a starting boundary.
func (p *Pager[T]) Seeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeded
}

// HasMore reports whether older pages may remain.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exhausted
}

// Cursor returns the boundary the next LoadMore will use.
func (p *Pager[T]) Cursor() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor == nil {
		return nil
	}
	c := *p.cursor
	return &c
}

// LoadMore fetches the next older page. loaded is false when another
// LoadMore is in flight or the log is exhausted. On error the boundary is
// left untouched so the call can be retried with the same cursor.
func (p *Pager[T]) LoadMore(ctx context.Context) (items []T, loaded bool, err error) {
	if !p.inflight.TryAcquire(1) {
		return nil, false, nil
	}
	defer p.inflight.Release(1)

	p.mu.Lock()
	if p.exhausted {
		p.mu.Unlock()
		return nil, false, nil
	}
	var cursor *Cursor
	if p.cursor != nil {
		c := *p.cursor
		cursor = &c
	}
	p.mu.Unlock()

	items, next, err := p.fetch(ctx, cursor)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeded = true
	if len(items) > 0 {
		p.cursor = Next(items)
	}
	if next == nil {
		p.exhausted = true
		p.reachedStart = true
	}
	return items, true, nil
}
