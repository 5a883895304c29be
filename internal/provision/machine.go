// Package provision assigns a fresh identity to a factory-reset beacon: it
// finds the beacon advertising the sentinel identity, obtains an identity
// from the allocator, writes it over GATT and verifies the beacon comes back
// advertising it.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

// Radio is the part of the radio facade provisioning needs.
type Radio interface {
	NewToken(name string) ble.Token
	PowerState() ble.PowerState
	WatchPower(tok ble.Token, fn func(ble.PowerState))
	UnwatchPower(tok ble.Token)
	StartRanging(tok ble.Token, c beacon.Constraint, handler func([]ble.Beacon)) error
	StopRanging(tok ble.Token)
	StartScan(tok ble.Token, service string, handler func(ble.Device)) error
	StopScan(tok ble.Token)
	Connect(dev ble.Device, onDisconnect func(), done func(ble.Link, error))
}

// Allocator hands out fresh beacon identities. Allocate is called off the
// loop; ctx is cancelled when the session ends.
type Allocator interface {
	Allocate(ctx context.Context) (beacon.Identity, error)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(ctx context.Context) (beacon.Identity, error)

func (f AllocatorFunc) Allocate(ctx context.Context) (beacon.Identity, error) { return f(ctx) }

// Options configures the machine. Zero fields take their defaults.
type Options struct {
	RegionUUID       string
	ServiceUUID      string
	WriteCharUUID    string
	ReadBackCharUUID string

	PermissionTimeout time.Duration // waiting for radio power and location access
	DiscoveryTimeout  time.Duration // ranging for the sentinel and allocating
	BLETimeout        time.Duration // scanning for the peripheral
	ConnectTimeout    time.Duration // from connect until the write is done
	VerifyWindow      time.Duration // waiting to see the new identity advertised
	// WriteGrace is how long to wait after an unacknowledged write before
	// assuming it landed. It is a heuristic, not a guarantee.
	WriteGrace time.Duration

	// SkipReadBack disables the read-back check even when the peripheral
	// exposes the read-back characteristic.
	SkipReadBack bool
}

// DefaultOptions returns the standard deadlines and UUIDs.
func DefaultOptions() Options {
	return Options{
		RegionUUID:        beacon.RegionUUID,
		ServiceUUID:       beacon.ServiceUUID,
		WriteCharUUID:     beacon.WriteCharUUID,
		ReadBackCharUUID:  beacon.ReadBackCharUUID,
		PermissionTimeout: 30 * time.Second,
		DiscoveryTimeout:  30 * time.Second,
		BLETimeout:        30 * time.Second,
		ConnectTimeout:    20 * time.Second,
		VerifyWindow:      8 * time.Second,
		WriteGrace:        200 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	str := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	dur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	str(&o.RegionUUID, def.RegionUUID)
	str(&o.ServiceUUID, def.ServiceUUID)
	str(&o.WriteCharUUID, def.WriteCharUUID)
	str(&o.ReadBackCharUUID, def.ReadBackCharUUID)
	dur(&o.PermissionTimeout, def.PermissionTimeout)
	dur(&o.DiscoveryTimeout, def.DiscoveryTimeout)
	dur(&o.BLETimeout, def.BLETimeout)
	dur(&o.ConnectTimeout, def.ConnectTimeout)
	dur(&o.VerifyWindow, def.VerifyWindow)
	dur(&o.WriteGrace, def.WriteGrace)
	return o
}

// session is the state of one Start call. It is discarded on finish, and
// callbacks carrying an older generation are dropped.
type session struct {
	gen   uint64
	state State
	done  func(beacon.Identity, error)

	sentinel  ble.Beacon
	target    beacon.Identity
	link      ble.Link
	writeChar ble.Characteristic
	readChar  ble.Characteristic

	deadline    dispatch.Timer
	grace       dispatch.Timer
	cancelAlloc context.CancelFunc
	unwatchAuth func()
}

// Machine runs at most one provisioning session at a time. All methods must
// be called on the loop, and the completion callback runs on the loop.
type Machine struct {
	radio    Radio
	loop     *dispatch.Loop
	location platform.Location
	alloc    Allocator
	opts     Options
	tok      ble.Token

	gen  uint64
	s    *session
	last State
}

// New creates a provisioning machine sharing radio with other components.
func New(radio Radio, loop *dispatch.Loop, location platform.Location, alloc Allocator, opts Options) *Machine {
	return &Machine{
		radio:    radio,
		loop:     loop,
		location: location,
		alloc:    alloc,
		opts:     opts.withDefaults(),
		tok:      radio.NewToken("provision"),
	}
}

// State returns the phase of the running session, or the terminal state of
// the last one.
func (m *Machine) State() State {
	if m.s != nil {
		return m.s.state
	}
	return m.last
}

// Active reports whether a session is running.
func (m *Machine) Active() bool { return m.s != nil }

// Start begins a session. done receives the verified identity or an error
// wrapping one of the failure reasons, exactly once and always
// asynchronously. While a session runs, Start returns ErrSessionActive and
// done is never called.
func (m *Machine) Start(done func(beacon.Identity, error)) error {
	if m.s != nil {
		return ErrSessionActive
	}
	m.gen++
	gen := m.gen
	s := &session{gen: gen, state: AwaitingPermissions, done: done}
	m.s = s
	slog.Info("[PROVISION] session started", "gen", gen)

	m.radio.WatchPower(m.tok, func(ps ble.PowerState) { m.deliver(gen, powerChanged{ps}) })
	s.unwatchAuth = m.location.WatchAuthorization(func(a platform.Authorization) {
		m.deliver(gen, authorizationChanged{a})
	})
	m.resetDeadline(m.opts.PermissionTimeout)
	m.loop.Post(func() {
		if m.current(gen) {
			m.checkPermissions()
		}
	})
	return nil
}

func (m *Machine) current(gen uint64) bool {
	return m.s != nil && m.s.gen == gen
}

// deliver hands ev to the machine if it belongs to the running session.
func (m *Machine) deliver(gen uint64, ev event) {
	if !m.current(gen) {
		slog.Debug("[PROVISION] dropping stale event", "event", ev.eventName(), "gen", gen)
		return
	}
	m.handle(ev)
}

// post delivers ev from an off-loop completion.
func (m *Machine) post(gen uint64, ev event) {
	m.loop.Post(func() { m.deliver(gen, ev) })
}

// handle is the single transition function.
func (m *Machine) handle(ev event) {
	s := m.s
	slog.Debug("[PROVISION] event", "event", ev.eventName(), "state", s.state)

	switch e := ev.(type) {
	case timedOut:
		if s.state == Verifying {
			m.finish(fmt.Errorf("%w: %v not seen within %s", ErrVerifyFailed, s.target, m.opts.VerifyWindow))
			return
		}
		m.finish(fmt.Errorf("%w while %s", ErrTimeout, s.state))

	case failed:
		m.finish(e.err)

	case powerChanged:
		switch {
		case e.state == ble.PoweredOff:
			m.finish(fmt.Errorf("%w while %s", ErrBluetoothOff, s.state))
		case e.state == ble.PoweredOn && s.state == AwaitingPermissions:
			m.checkPermissions()
		}

	case authorizationChanged:
		switch {
		case e.auth.Refused():
			m.finish(fmt.Errorf("%w: %s", ErrLocationDenied, e.auth))
		case s.state == AwaitingPermissions:
			m.checkPermissions()
		}

	case permissionsReady:
		if s.state == AwaitingPermissions {
			m.rangeForSentinel()
		}

	case sentinelFound:
		if s.state == RangingForSentinel {
			m.radio.StopRanging(m.tok)
			s.sentinel = e.sighting
			slog.Info("[PROVISION] sentinel found", "address", e.sighting.Address, "rssi", e.sighting.RSSI)
			m.allocate()
		}

	case allocated:
		if s.state == Allocating {
			m.onAllocated(e.id)
		}

	case peripheralFound:
		if s.state == Scanning {
			m.radio.StopScan(m.tok)
			m.connect(e.dev)
		}

	case connected:
		if s.state != Connecting {
			if e.link != nil {
				e.link.Disconnect()
			}
			return
		}
		if e.err != nil {
			m.finish(fmt.Errorf("%w: %w", ErrNoPeripheral, e.err))
			return
		}
		s.link = e.link
		m.resetDeadline(m.opts.ConnectTimeout)
		m.enter(DiscoveringServices)
		gen := s.gen
		s.link.DiscoverService(m.opts.ServiceUUID, func(svc ble.Service, err error) {
			m.deliver(gen, servicesFound{svc, err})
		})

	case servicesFound:
		if s.state != DiscoveringServices {
			return
		}
		if e.err != nil {
			m.finish(fmt.Errorf("%w: %w", ErrNoPeripheral, e.err))
			return
		}
		m.enter(DiscoveringCharacteristics)
		gen := s.gen
		s.link.DiscoverCharacteristics(e.svc, nil, func(chars []ble.Characteristic, err error) {
			m.deliver(gen, charsFound{chars, err})
		})

	case charsFound:
		if s.state != DiscoveringCharacteristics {
			return
		}
		if e.err != nil {
			m.finish(fmt.Errorf("%w: %w", ErrNoPeripheral, e.err))
			return
		}
		if !m.selectCharacteristics(e.chars) {
			m.finish(fmt.Errorf("%w: no writable characteristic among %d", ErrNoPeripheral, len(e.chars)))
			return
		}
		m.write()

	case writeDone:
		if s.state != Writing {
			return
		}
		if e.err != nil {
			m.finish(fmt.Errorf("%w: %w", ErrWriteFailed, e.err))
			return
		}
		slog.Info("[PROVISION] identity written", "identity", s.target)
		m.readBack()

	case readBackDone:
		if s.state != ReadingBack {
			return
		}
		if e.err != nil {
			slog.Warn("[PROVISION] read-back failed, verifying by ranging", "error", e.err)
			m.verify()
			return
		}
		id, power, err := beacon.DecodeReadBack(e.data)
		if err != nil {
			slog.Warn("[PROVISION] read-back unreadable, verifying by ranging", "error", err)
			m.verify()
			return
		}
		if id != s.target {
			m.finish(fmt.Errorf("%w: peripheral reports %v, wrote %v", ErrWriteFailed, id, s.target))
			return
		}
		slog.Debug("[PROVISION] read-back matches", "identity", id, "tx_power", power)
		m.verify()

	case disconnected:
		switch {
		case s.state.linked():
			m.finish(fmt.Errorf("%w: disconnected while %s", ErrNoPeripheral, s.state))
		case s.state == ReadingBack:
			slog.Warn("[PROVISION] disconnected during read-back, verifying by ranging")
			s.link = nil
			m.verify()
		}

	case verifyHit:
		if s.state == Verifying {
			slog.Info("[PROVISION] identity verified", "identity", s.target, "rssi", e.sighting.RSSI)
			m.finish(nil)
		}
	}
}

func (m *Machine) enter(st State) {
	slog.Debug("[PROVISION] state", "from", m.s.state, "to", st)
	m.s.state = st
}

// checkPermissions moves to ranging once location access is granted and
// the radio is powered, or fails if either was refused.
func (m *Machine) checkPermissions() {
	auth := m.location.Authorization()
	switch {
	case auth.Refused():
		m.finish(fmt.Errorf("%w: %s", ErrLocationDenied, auth))
		return
	case !auth.Granted():
		slog.Info("[PROVISION] requesting location access")
		m.location.RequestAuthorization()
		return
	}
	switch m.radio.PowerState() {
	case ble.PoweredOff:
		m.finish(fmt.Errorf("%w at start", ErrBluetoothOff))
		return
	case ble.PowerUnknown:
		slog.Info("[PROVISION] waiting for radio power")
		return
	}
	m.handle(permissionsReady{})
}

func (m *Machine) rangeForSentinel() {
	s := m.s
	m.enter(RangingForSentinel)
	m.resetDeadline(m.opts.DiscoveryTimeout)
	gen := s.gen
	err := m.radio.StartRanging(m.tok, beacon.Exactly(m.opts.RegionUUID, beacon.Identity{}), func(bs []ble.Beacon) {
		if best, ok := ble.Strongest(bs); ok {
			m.deliver(gen, sentinelFound{best})
		}
	})
	if err != nil {
		m.finish(fmt.Errorf("%w: %w", ErrNoPeripheral, err))
	}
}

func (m *Machine) allocate() {
	s := m.s
	m.enter(Allocating)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAlloc = cancel
	gen := s.gen
	alloc := m.alloc
	go func() {
		id, err := alloc.Allocate(ctx)
		if err != nil {
			m.post(gen, failed{fmt.Errorf("%w: %w", ErrAllocator, err)})
			return
		}
		m.post(gen, allocated{id})
	}()
}

func (m *Machine) onAllocated(id beacon.Identity) {
	s := m.s
	s.cancelAlloc()
	s.cancelAlloc = nil
	if err := id.Validate(); err != nil {
		m.finish(fmt.Errorf("%w: %w", ErrAllocator, err))
		return
	}
	if id.IsSentinel() {
		m.finish(fmt.Errorf("%w: allocated the sentinel identity", ErrAllocator))
		return
	}
	s.target = id
	slog.Info("[PROVISION] identity allocated", "identity", id)

	m.enter(Scanning)
	m.resetDeadline(m.opts.BLETimeout)
	gen := s.gen
	err := m.radio.StartScan(m.tok, m.opts.ServiceUUID, func(dev ble.Device) {
		m.deliver(gen, peripheralFound{dev})
	})
	if err != nil {
		m.finish(fmt.Errorf("%w: %w", ErrNoPeripheral, err))
	}
}

func (m *Machine) connect(dev ble.Device) {
	m.enter(Connecting)
	slog.Info("[PROVISION] connecting", "address", dev.Address, "name", dev.Name)
	gen := m.s.gen
	m.radio.Connect(dev,
		func() { m.deliver(gen, disconnected{}) },
		func(link ble.Link, err error) {
			if !m.current(gen) {
				if link != nil {
					link.Disconnect()
				}
				return
			}
			m.handle(connected{link, err})
		})
}

// selectCharacteristics picks the write characteristic, preferring the
// well-known UUID, and the optional read-back characteristic.
func (m *Machine) selectCharacteristics(chars []ble.Characteristic) bool {
	s := m.s
	var fallback ble.Characteristic
	for _, c := range chars {
		switch {
		case strings.EqualFold(c.UUID(), m.opts.WriteCharUUID):
			s.writeChar = c
		case strings.EqualFold(c.UUID(), m.opts.ReadBackCharUUID) && c.Properties().Has(ble.PropRead):
			s.readChar = c
		case fallback == nil && c.Properties().Writable():
			fallback = c
		}
	}
	if s.writeChar == nil {
		s.writeChar = fallback
	}
	return s.writeChar != nil
}

func (m *Machine) write() {
	s := m.s
	m.enter(Writing)
	payload := beacon.EncodeIdentity(s.target)
	gen := s.gen
	props := s.writeChar.Properties()
	if props.Has(ble.PropWrite) {
		s.link.Write(s.writeChar, payload, func(err error) { m.deliver(gen, writeDone{err}) })
		return
	}
	slog.Debug("[PROVISION] unacknowledged write", "grace", m.opts.WriteGrace)
	s.link.WriteWithoutResponse(s.writeChar, payload)
	s.grace = m.loop.After(m.opts.WriteGrace, func() {
		m.deliver(gen, writeDone{})
	})
}

func (m *Machine) readBack() {
	s := m.s
	if s.readChar == nil || m.opts.SkipReadBack {
		m.verify()
		return
	}
	m.enter(ReadingBack)
	gen := s.gen
	s.link.Read(s.readChar, func(data []byte, err error) {
		m.deliver(gen, readBackDone{data, err})
	})
}

// verify releases the link so the beacon restarts advertising, then ranges
// for the new identity.
func (m *Machine) verify() {
	s := m.s
	if s.link != nil {
		s.link.Disconnect()
		s.link = nil
	}
	m.enter(Verifying)
	m.resetDeadline(m.opts.VerifyWindow)
	gen := s.gen
	want := beacon.Exactly(m.opts.RegionUUID, s.target)
	err := m.radio.StartRanging(m.tok, want, func(bs []ble.Beacon) {
		for _, b := range bs {
			if want.Matches(b.UUID, b.Identity) {
				m.deliver(gen, verifyHit{b})
				return
			}
		}
	})
	if err != nil {
		m.finish(fmt.Errorf("%w: %w", ErrVerifyFailed, err))
	}
}

// resetDeadline replaces the session's single deadline timer.
func (m *Machine) resetDeadline(d time.Duration) {
	s := m.s
	if s.deadline != nil {
		s.deadline.Stop()
	}
	gen := s.gen
	s.deadline = m.loop.After(d, func() { m.deliver(gen, timedOut{}) })
}

// finish releases every session resource and reports the result. The
// session is cleared before done runs, so racing failure signals find no
// session and are dropped.
func (m *Machine) finish(err error) {
	s := m.s
	if s == nil {
		return
	}
	m.s = nil
	from := s.state

	m.radio.StopRanging(m.tok)
	m.radio.StopScan(m.tok)
	m.radio.UnwatchPower(m.tok)
	if s.link != nil {
		s.link.Disconnect()
		s.link = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.grace != nil {
		s.grace.Stop()
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
	}
	if s.unwatchAuth != nil {
		s.unwatchAuth()
	}

	if err != nil {
		s.state = Failed
		slog.Warn("[PROVISION] failed", "reason", Reason(err), "state", from, "error", err)
		m.last = Failed
		s.done(beacon.Identity{}, err)
		return
	}
	s.state = Succeeded
	slog.Info("[PROVISION] succeeded", "identity", s.target)
	m.last = Succeeded
	s.done(s.target, nil)
}
