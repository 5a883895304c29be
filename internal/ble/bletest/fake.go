package bletest

import (
	"errors"
	"fmt"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

// FakeRadio mirrors the ble.Radio surface without hardware. Tests drive it
// with Range, Region, Discover and SetPower; every call must happen on the
// loop, exactly as with the real facade.
type FakeRadio struct {
	loop *dispatch.Loop

	State      ble.PowerState
	ConnectErr error
	RangingErr error
	MonitorErr error
	ScanErr    error
	// NewLink builds the link handed out by Connect. Defaults to an empty
	// FakeLink.
	NewLink func(ble.Device) *FakeLink

	nextToken Token
	power     map[ble.Token]func(ble.PowerState)

	rangingOwner ble.Token
	constraint   beacon.Constraint
	rangingFn    func([]ble.Beacon)

	monitorOwner ble.Token
	monitorUUID  string
	monitorFn    func(ble.RegionEvent)

	scanOwner ble.Token
	scanFn    func(ble.Device)

	Connects      []ble.Device
	Links         []*FakeLink
	StateRequests int
	RangingStarts int
}

// Token aliases ble.Token to keep the fake's fields readable.
type Token = ble.Token

// NewFakeRadio returns a powered-on fake radio posting on loop.
func NewFakeRadio(loop *dispatch.Loop) *FakeRadio {
	return &FakeRadio{
		loop:  loop,
		State: ble.PoweredOn,
		power: make(map[ble.Token]func(ble.PowerState)),
	}
}

func (r *FakeRadio) NewToken(string) ble.Token {
	r.nextToken++
	return r.nextToken
}

func (r *FakeRadio) PowerState() ble.PowerState { return r.State }

func (r *FakeRadio) WatchPower(tok ble.Token, fn func(ble.PowerState)) { r.power[tok] = fn }

func (r *FakeRadio) UnwatchPower(tok ble.Token) { delete(r.power, tok) }

// SetPower changes the power state and notifies watchers synchronously.
func (r *FakeRadio) SetPower(s ble.PowerState) {
	if s == r.State {
		return
	}
	r.State = s
	for _, fn := range r.power {
		fn(s)
	}
}

func (r *FakeRadio) StartRanging(tok ble.Token, c beacon.Constraint, fn func([]ble.Beacon)) error {
	if r.RangingErr != nil {
		return r.RangingErr
	}
	if r.rangingOwner != 0 && r.rangingOwner != tok {
		return ble.ErrBusy
	}
	r.rangingOwner, r.constraint, r.rangingFn = tok, c, fn
	r.RangingStarts++
	return nil
}

func (r *FakeRadio) StopRanging(tok ble.Token) {
	if r.rangingOwner == tok {
		r.rangingOwner, r.rangingFn = 0, nil
	}
}

// Ranging reports whether ranging is active and under which constraint.
func (r *FakeRadio) Ranging() (beacon.Constraint, bool) {
	return r.constraint, r.rangingOwner != 0
}

// Range delivers a ranging batch, filtered by the active constraint. It
// reports false when ranging is off.
func (r *FakeRadio) Range(bs ...ble.Beacon) bool {
	if r.rangingFn == nil {
		return false
	}
	var out []ble.Beacon
	for _, b := range bs {
		if r.constraint.Matches(b.UUID, b.Identity) {
			out = append(out, b)
		}
	}
	ble.SortStrongest(out)
	r.rangingFn(out)
	return true
}

func (r *FakeRadio) StartMonitoring(tok ble.Token, uuid string, fn func(ble.RegionEvent)) error {
	if r.MonitorErr != nil {
		return r.MonitorErr
	}
	if r.monitorOwner != 0 && r.monitorOwner != tok {
		return ble.ErrBusy
	}
	r.monitorOwner, r.monitorUUID, r.monitorFn = tok, uuid, fn
	return nil
}

func (r *FakeRadio) StopMonitoring(tok ble.Token) {
	if r.monitorOwner == tok {
		r.monitorOwner, r.monitorFn = 0, nil
	}
}

// Monitoring reports whether region monitoring is active.
func (r *FakeRadio) Monitoring() bool { return r.monitorOwner != 0 }

func (r *FakeRadio) RequestState(tok ble.Token) {
	if r.monitorOwner == tok {
		r.StateRequests++
	}
}

// Region delivers a region event. It reports false when monitoring is off.
func (r *FakeRadio) Region(kind ble.RegionEventKind, state ble.RegionState) bool {
	if r.monitorFn == nil {
		return false
	}
	r.monitorFn(ble.RegionEvent{Kind: kind, UUID: r.monitorUUID, State: state})
	return true
}

func (r *FakeRadio) StartScan(tok ble.Token, _ string, fn func(ble.Device)) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if r.scanOwner != 0 && r.scanOwner != tok {
		return ble.ErrBusy
	}
	r.scanOwner, r.scanFn = tok, fn
	return nil
}

func (r *FakeRadio) StopScan(tok ble.Token) {
	if r.scanOwner == tok {
		r.scanOwner, r.scanFn = 0, nil
	}
}

func (r *FakeRadio) Scanning(tok ble.Token) bool { return r.scanOwner == tok && tok != 0 }

// ScanActive reports whether anyone holds the peripheral scan.
func (r *FakeRadio) ScanActive() bool { return r.scanOwner != 0 }

// Discover reports dev to the scan owner. It reports false when no scan is
// running.
func (r *FakeRadio) Discover(dev ble.Device) bool {
	if r.scanFn == nil {
		return false
	}
	r.scanFn(dev)
	return true
}

func (r *FakeRadio) Connect(dev ble.Device, onDisconnect func(), done func(ble.Link, error)) {
	r.Connects = append(r.Connects, dev)
	if r.State != ble.PoweredOn {
		r.loop.Post(func() { done(nil, ble.ErrPoweredOff) })
		return
	}
	if r.ConnectErr != nil {
		err := r.ConnectErr
		r.loop.Post(func() { done(nil, fmt.Errorf("fake connect: %w", err)) })
		return
	}
	var link *FakeLink
	if r.NewLink != nil {
		link = r.NewLink(dev)
	} else {
		link = &FakeLink{}
	}
	link.loop = r.loop
	link.dev = dev
	link.onDisconnect = onDisconnect
	r.Links = append(r.Links, link)
	r.loop.Post(func() { done(link, nil) })
}

// LastLink returns the most recently connected link, or nil.
func (r *FakeRadio) LastLink() *FakeLink {
	if len(r.Links) == 0 {
		return nil
	}
	return r.Links[len(r.Links)-1]
}

// Idle reports whether the fake holds no activity at all.
func (r *FakeRadio) Idle() bool {
	return r.rangingOwner == 0 && r.monitorOwner == 0 && r.scanOwner == 0
}

// ErrNoService is returned by FakeLink when Service is nil.
var ErrNoService = errors.New("fake: service not found")

// FakeLink completes every operation on the loop with its configured result.
// When Hold is set, acknowledged writes stay pending until Complete.
type FakeLink struct {
	loop         *dispatch.Loop
	dev          ble.Device
	onDisconnect func()

	Service  *Service
	ReadData []byte
	ReadErr  error
	WriteErr error
	Hold     bool

	Writes        [][]byte
	UnackedWrites [][]byte
	Reads         int
	Disconnected  bool
	held          []func(error)
}

func (l *FakeLink) Device() ble.Device { return l.dev }

func (l *FakeLink) post(fn func()) {
	l.loop.Post(func() {
		if !l.Disconnected {
			fn()
		}
	})
}

func (l *FakeLink) DiscoverService(uuid string, done func(ble.Service, error)) {
	l.post(func() {
		if l.Service == nil {
			done(nil, ErrNoService)
			return
		}
		done(l.Service, nil)
	})
}

func (l *FakeLink) DiscoverCharacteristics(svc ble.Service, uuids []string, done func([]ble.Characteristic, error)) {
	l.post(func() { done(svc.DiscoverCharacteristics(uuids)) })
}

func (l *FakeLink) Write(_ ble.Characteristic, data []byte, done func(error)) {
	l.Writes = append(l.Writes, append([]byte(nil), data...))
	if l.Hold {
		l.held = append(l.held, done)
		return
	}
	err := l.WriteErr
	l.post(func() { done(err) })
}

// Complete finishes every held write with err.
func (l *FakeLink) Complete(err error) {
	held := l.held
	l.held = nil
	for _, done := range held {
		d := done
		l.post(func() { d(err) })
	}
}

func (l *FakeLink) WriteWithoutResponse(_ ble.Characteristic, data []byte) {
	if l.Disconnected {
		return
	}
	l.UnackedWrites = append(l.UnackedWrites, append([]byte(nil), data...))
}

func (l *FakeLink) Read(_ ble.Characteristic, done func([]byte, error)) {
	l.Reads++
	data, err := l.ReadData, l.ReadErr
	l.post(func() { done(data, err) })
}

func (l *FakeLink) Disconnect() { l.Disconnected = true }

// Drop simulates the peripheral dropping the connection.
func (l *FakeLink) Drop() {
	if l.Disconnected {
		return
	}
	l.Disconnected = true
	if l.onDisconnect != nil {
		l.loop.Post(l.onDisconnect)
	}
}

var _ ble.Link = (*FakeLink)(nil)
