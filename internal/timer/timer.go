// Package timer provides cancellable intervals and timeouts that are tracked
// as a group, so every owner can prove nothing is left running.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Group owns a set of live timers created on one clock.
type Group struct {
	clock clockwork.Clock

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*Handle
}

// Handle is one interval or timeout. Stopping it never affects any other
// handle in the group.
type Handle struct {
	id    uint64
	name  string
	group *Group
	done  chan struct{}
	once  sync.Once
}

// NewGroup creates a group on clock. A nil clock means the real clock.
func NewGroup(clock clockwork.Clock) *Group {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Group{
		clock:   clock,
		handles: make(map[uint64]*Handle),
	}
}

// Clock returns the clock the group schedules on.
func (g *Group) Clock() clockwork.Clock {
	return g.clock
}

func (g *Group) register(name string) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	h := &Handle{
		id:    g.nextID,
		name:  name,
		group: g,
		done:  make(chan struct{}),
	}
	g.handles[h.id] = h
	return h
}

func (g *Group) forget(h *Handle) {
	g.mu.Lock()
	delete(g.handles, h.id)
	g.mu.Unlock()
}

// Every calls fn every d until the handle is stopped. fn runs on the timer's
// goroutine; ticks that arrive while fn is still running are dropped.
func (g *Group) Every(name string, d time.Duration, fn func()) *Handle {
	h := g.register(name)
	ticker := g.clock.NewTicker(d)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.Chan():
				if h.Stopped() {
					return
				}
				fn()
			}
		}
	}()
	return h
}

// After calls fn once after d unless the handle is stopped first. The handle
// leaves the group before fn runs.
func (g *Group) After(name string, d time.Duration, fn func()) *Handle {
	h := g.register(name)
	t := g.clock.NewTimer(d)

	go func() {
		select {
		case <-h.done:
			t.Stop()
		case <-t.Chan():
			fired := false
			h.once.Do(func() {
				close(h.done)
				g.forget(h)
				fired = true
			})
			if fired {
				fn()
			}
		}
	}()
	return h
}

// Pending returns the number of live handles.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Names lists live handles, sorted, for logs and test failures.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.handles))
	for _, h := range g.handles {
		names = append(names, h.name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every live handle.
func (g *Group) StopAll() {
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.handles))
	for _, h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// Name returns the label the handle was created with.
func (h *Handle) Name() string {
	return h.name
}

// Stop cancels the handle. It is idempotent and safe on a nil handle.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		close(h.done)
		h.group.forget(h)
	})
}

// Stopped reports whether the handle was stopped or has already fired.
func (h *Handle) Stopped() bool {
	if h == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
