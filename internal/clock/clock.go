// Package clock supplies the unix-second time the engine evaluates auctions
// and fee accrual against.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock returns the current unix time in seconds.
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// System reads the local wall clock.
type System struct{}

// Now returns time.Now in unix seconds.
func (System) Now(context.Context) (int64, error) {
	return time.Now().Unix(), nil
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	now atomic.Int64
}

// NewManual creates a clock fixed at now.
func NewManual(now int64) *Manual {
	m := &Manual{}
	m.now.Store(now)
	return m
}

// Now returns the current setting.
func (m *Manual) Now(context.Context) (int64, error) {
	return m.now.Load(), nil
}

// Set moves the clock to now.
func (m *Manual) Set(now int64) {
	m.now.Store(now)
}

// Advance moves the clock forward by d seconds and returns the new time.
func (m *Manual) Advance(d int64) int64 {
	return m.now.Add(d)
}

var (
	_ Clock = System{}
	_ Clock = (*Manual)(nil)
)
