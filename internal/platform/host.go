package platform

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

// Host reports the process lifecycle state. BeginBackgroundTask returns a
// release func that must be called exactly once; extra calls are ignored.
type Host interface {
	Foreground() bool
	// WatchForeground registers fn for foreground changes and returns a func
	// that removes it. fn may run on any goroutine.
	WatchForeground(fn func(foreground bool)) (cancel func())
	BeginBackgroundTask(name string) (end func())
}

// Daemon is a Host for a long-running process. It is foregrounded unless
// told otherwise, and counts outstanding background grants.
type Daemon struct {
	mu         sync.Mutex
	foreground bool
	active     int
	granted    int
	nextWatch  int
	watchers   map[int]func(bool)
}

// NewDaemon returns a host in the given foreground state.
func NewDaemon(foreground bool) *Daemon {
	return &Daemon{foreground: foreground, watchers: make(map[int]func(bool))}
}

func (d *Daemon) Foreground() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreground
}

// SetForeground changes the reported state and notifies watchers when it
// actually changed.
func (d *Daemon) SetForeground(fg bool) {
	d.mu.Lock()
	if d.foreground == fg {
		d.mu.Unlock()
		return
	}
	d.foreground = fg
	fns := make([]func(bool), 0, len(d.watchers))
	for _, fn := range d.watchers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	slog.Debug("[HOST] foreground changed", "foreground", fg)
	for _, fn := range fns {
		fn(fg)
	}
}

func (d *Daemon) WatchForeground(fn func(bool)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextWatch
	d.nextWatch++
	d.watchers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.watchers, id)
	}
}

func (d *Daemon) BeginBackgroundTask(name string) func() {
	d.mu.Lock()
	d.active++
	d.granted++
	d.mu.Unlock()
	slog.Debug("[HOST] background task begin", "name", name)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.active--
			d.mu.Unlock()
			slog.Debug("[HOST] background task end", "name", name)
		})
	}
}

// ActiveTasks returns the number of unreleased background grants.
func (d *Daemon) ActiveTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// GrantedTasks returns the number of grants handed out so far.
func (d *Daemon) GrantedTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

var _ Host = (*Daemon)(nil)

// PickupNotifier is told when the wearable raises its pickup request.
type PickupNotifier interface {
	NotifyPickup(id beacon.Identity)
}

// LogNotifier reports pickup requests in the log.
type LogNotifier struct{}

func (LogNotifier) NotifyPickup(id beacon.Identity) {
	slog.Warn("[TELEMETRY] pickup requested", "beacon", id.Numeric())
}

// NotifierFunc adapts a function to PickupNotifier.
type NotifierFunc func(beacon.Identity)

func (f NotifierFunc) NotifyPickup(id beacon.Identity) { f(id) }
