// Package gate tracks the badge authorization window of a lane.
package gate

import (
	"sync/atomic"
	"time"
)

// Window is an immutable authorization grant.
type Window struct {
	GrantedAt time.Time
	ValidFor  time.Duration
}

func (w Window) ActiveAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.GrantedAt) < timeout
}

// Gate is written by the badge handler only and read by the lane's recognition cycle.
type Gate struct {
	required bool
	validFor time.Duration
	window   atomic.Pointer[Window]
	now      func() time.Time
}

// New returns a gate that requires a grant no older than validFor.
func New(validFor time.Duration) *Gate {
	return &Gate{required: true, validFor: validFor, now: time.Now}
}

// Open returns a gate that is always active.
func Open() *Gate {
	return &Gate{required: false, now: time.Now}
}

// WithClock replaces the time source; meant for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Required() bool { return g.required }

func (g *Gate) Grant() Window {
	w := &Window{GrantedAt: g.now(), ValidFor: g.validFor}
	g.window.Store(w)
	return *w
}

// Window returns the last grant, if any.
func (g *Gate) Window() (Window, bool) {
	w := g.window.Load()
	if w == nil {
		return Window{}, false
	}
	return *w, true
}

func (g *Gate) IsActive() bool {
	return g.IsActiveWithin(g.validFor)
}

func (g *Gate) IsActiveWithin(timeout time.Duration) bool {
	if !g.required {
		return true
	}
	w := g.window.Load()
	if w == nil {
		return false
	}
	return w.ActiveAt(g.now(), timeout)
}
