package automation

import (
	"context"
	"sync"
)

// Cell is a thread-safe observable value. Readers can snapshot the current
// value or suspend until the value satisfies a predicate; every Set wakes all
// pending waiters so they can re-evaluate.
//
// Cells back the delay processor's condition waits and the engine's pause
// flags, replacing ad-hoc polling with broadcast wake-ups.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{}
}

// NewCell creates a cell holding an initial value.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores a new value and wakes all waiters.
func (c *Cell[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	close(c.changed)
	c.changed = make(chan struct{})
}

// Update applies fn to the current value atomically and wakes all waiters.
// This is the compare-and-set-style mutator for shared flags.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = fn(c.value)
	close(c.changed)
	c.changed = make(chan struct{})
	return c.value
}

// Await suspends until the value satisfies pred, returning immediately when
// the current value already matches. Returns ctx.Err() on cancellation.
func (c *Cell[T]) Await(ctx context.Context, pred func(T) bool) error {
	for {
		c.mu.Lock()
		if pred(c.value) {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// TriggerableState is the live app/device context the delay processor and
// trigger processor observe: foreground state, current screen, region
// membership, and the current app session.
type TriggerableState struct {
	Foreground   bool
	Screen       string
	Regions      []string
	AppSessionID string
}

// InRegion reports whether the device is inside the named region.
func (s TriggerableState) InRegion(regionID string) bool {
	for _, r := range s.Regions {
		if r == regionID {
			return true
		}
	}
	return false
}

// withRegion returns a copy with regionID added (idempotent).
func (s TriggerableState) withRegion(regionID string) TriggerableState {
	if s.InRegion(regionID) {
		return s
	}
	regions := make([]string, 0, len(s.Regions)+1)
	regions = append(regions, s.Regions...)
	regions = append(regions, regionID)
	s.Regions = regions
	return s
}

// withoutRegion returns a copy with regionID removed.
func (s TriggerableState) withoutRegion(regionID string) TriggerableState {
	var regions []string
	for _, r := range s.Regions {
		if r != regionID {
			regions = append(regions, r)
		}
	}
	s.Regions = regions
	return s
}
