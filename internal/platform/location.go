// Package platform holds the host collaborators consumed by provisioning and
// telemetry: location authorization and fixes, host foreground state with
// background-execution grants, and pickup notifications.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

// ErrNoFix is returned when no location fix is available.
var ErrNoFix = errors.New("platform: no location fix")

// Authorization is the location permission state.
type Authorization int

const (
	AuthNotDetermined Authorization = iota
	AuthDenied
	AuthRestricted
	AuthWhenInUse
	AuthAlways
)

func (a Authorization) String() string {
	switch a {
	case AuthDenied:
		return "denied"
	case AuthRestricted:
		return "restricted"
	case AuthWhenInUse:
		return "when-in-use"
	case AuthAlways:
		return "always"
	default:
		return "not-determined"
	}
}

// Granted reports whether location access is allowed.
func (a Authorization) Granted() bool { return a == AuthWhenInUse || a == AuthAlways }

// Refused reports whether location access was denied or is restricted.
func (a Authorization) Refused() bool { return a == AuthDenied || a == AuthRestricted }

// ParseAuthorization parses the config spelling of an authorization state.
func ParseAuthorization(s string) (Authorization, error) {
	for a := AuthNotDetermined; a <= AuthAlways; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return AuthNotDetermined, fmt.Errorf("platform: unknown authorization %q", s)
}

// Fix is a single location reading.
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64 // metres
	Time     time.Time
}

// Location provides authorization state and one-shot fixes. Authorization,
// RequestAuthorization and WatchAuthorization are called on the loop and
// watchers run on the loop. Fix blocks and is called off-loop.
type Location interface {
	Authorization() Authorization
	RequestAuthorization()
	// WatchAuthorization registers fn for authorization changes and returns
	// a func that removes it.
	WatchAuthorization(fn func(Authorization)) (cancel func())
	Fix(ctx context.Context) (Fix, error)
}

// StaticLocation reports a configured position. It suits hosts without a
// positioning service, where the tracker's location is known in advance.
type StaticLocation struct {
	loop *dispatch.Loop

	mu       sync.Mutex
	auth     Authorization
	onGrant  Authorization // applied by RequestAuthorization
	fix      Fix
	fixErr   error
	delay    time.Duration
	watchers map[int]func(Authorization)
	nextID   int
	fixes    int
}

// NewStaticLocation returns a location source at (lat, lng). The initial
// authorization is auth; a request while not determined grants onGrant.
func NewStaticLocation(loop *dispatch.Loop, auth, onGrant Authorization, lat, lng float64) *StaticLocation {
	return &StaticLocation{
		loop:     loop,
		auth:     auth,
		onGrant:  onGrant,
		fix:      Fix{Lat: lat, Lng: lng},
		watchers: make(map[int]func(Authorization)),
	}
}

func (s *StaticLocation) Authorization() Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *StaticLocation) RequestAuthorization() {
	s.mu.Lock()
	pending := s.auth == AuthNotDetermined
	grant := s.onGrant
	s.mu.Unlock()
	if pending {
		s.SetAuthorization(grant)
	}
}

// SetAuthorization changes the authorization and notifies watchers on the
// loop. Safe for concurrent use.
func (s *StaticLocation) SetAuthorization(a Authorization) {
	s.mu.Lock()
	if a == s.auth {
		s.mu.Unlock()
		return
	}
	s.auth = a
	s.mu.Unlock()

	s.loop.Post(func() {
		s.mu.Lock()
		fns := make([]func(Authorization), 0, len(s.watchers))
		for _, fn := range s.watchers {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(a)
		}
	})
}

func (s *StaticLocation) WatchAuthorization(fn func(Authorization)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// SetFix changes the reported position, or makes Fix fail with err.
func (s *StaticLocation) SetFix(lat, lng float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fix.Lat, s.fix.Lng = lat, lng
	s.fixErr = err
}

// SetDelay makes Fix take d before answering.
func (s *StaticLocation) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Fixes returns how many fixes were requested.
func (s *StaticLocation) Fixes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixes
}

func (s *StaticLocation) Fix(ctx context.Context) (Fix, error) {
	s.mu.Lock()
	s.fixes++
	fix, err, delay, auth := s.fix, s.fixErr, s.delay, s.auth
	s.mu.Unlock()

	if !auth.Granted() {
		return Fix{}, fmt.Errorf("%w: authorization %s", ErrNoFix, auth)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Fix{}, fmt.Errorf("%w: %w", ErrNoFix, ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return Fix{}, err
	}
	fix.Time = time.Now().UTC()
	return fix, nil
}

var _ Location = (*StaticLocation)(nil)
