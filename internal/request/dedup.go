package request

import (
	"context"
	"sync"
)

// call is a pending-request record. It exists only between the start of the
// underlying call and the instant it settles.
type call struct {
	done chan struct{}
	val  any
	err  error
}

// Deduper coalesces concurrent calls that share a signature into one
// underlying call. All callers receive the same value or the same error.
type Deduper struct {
	mu       sync.Mutex
	inflight map[string]*call
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{inflight: make(map[string]*call)}
}

// Do runs fn once per key at a time. A caller arriving while an identical
// call is in flight joins it and shares the settled result. joined reports
// whether this caller rode an existing call.
func (d *Deduper) Do(ctx context.Context, key string, fn func() (any, error)) (val any, err error, joined bool) {
	d.mu.Lock()
	if existing, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err(), true
		case <-existing.done:
			return existing.val, existing.err, true
		}
	}
	c := &call{done: make(chan struct{})}
	d.inflight[key] = c
	d.mu.Unlock()

	c.val, c.err = fn()

	// The record never outlives the round trip.
	d.mu.Lock()
	if d.inflight[key] == c {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
	close(c.done)

	return c.val, c.err, false
}

// Cancel removes the bookkeeping entry for a key. It does not abort the
// underlying call; late joiners simply start a fresh one.
func (d *Deduper) Cancel(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// InFlight returns the number of pending records.
func (d *Deduper) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
