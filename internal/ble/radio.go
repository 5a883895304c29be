package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

var (
	// ErrBusy is returned when another owner holds the requested activity.
	ErrBusy = errors.New("ble: radio activity held by another owner")
	// ErrPoweredOff is returned for operations that need a powered radio.
	ErrPoweredOff = errors.New("ble: radio is powered off")
	// ErrLinkClosed is returned for operations on a disconnected link.
	ErrLinkClosed = errors.New("ble: link closed")
)

// Token identifies the owner of a radio activity.
type Token uint64

// RegionState is the result of region state determination.
type RegionState int

const (
	RegionUnknown RegionState = iota
	RegionInside
	RegionOutside
)

func (s RegionState) String() string {
	switch s {
	case RegionInside:
		return "inside"
	case RegionOutside:
		return "outside"
	default:
		return "unknown"
	}
}

// RegionEventKind distinguishes region monitoring callbacks.
type RegionEventKind int

const (
	RegionEnter RegionEventKind = iota
	RegionExit
	RegionDetermined
)

// RegionEvent is delivered to the monitoring owner.
type RegionEvent struct {
	Kind  RegionEventKind
	UUID  string
	State RegionState
}

// RadioOptions configures the facade.
type RadioOptions struct {
	RangingInterval   time.Duration // cadence of ranging callbacks
	RegionExitTimeout time.Duration // silence before a region exit is reported
	ConnectTimeout    time.Duration // bound on a single hardware connect
}

// DefaultRadioOptions returns sensible defaults.
func DefaultRadioOptions() RadioOptions {
	return RadioOptions{
		RangingInterval:   time.Second,
		RegionExitTimeout: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}
}

type rangingSlot struct {
	owner      Token
	constraint beacon.Constraint
	handler    func([]Beacon)
	window     map[string]Beacon
}

type monitorSlot struct {
	owner    Token
	uuid     string
	handler  func(RegionEvent)
	inside   bool
	lastSeen time.Time
}

type scanSlot struct {
	owner   Token
	service string
	handler func(Device)
}

// Radio is the process-wide owner of the BLE adapter. Apart from Enable and
// SetPowerState, its methods must be called on the loop, and every callback
// it invokes runs on the loop.
type Radio struct {
	adapter Adapter
	loop    *dispatch.Loop
	opts    RadioOptions

	state     PowerState
	nextToken Token
	owners    map[Token]string
	powerSubs map[Token]func(PowerState)

	ranging *rangingSlot
	monitor *monitorSlot
	scan    *scanSlot

	hwScanning    bool
	scanGen       uint64
	tick          dispatch.Timer
	closed        bool
	workerStarted bool

	// Shared with the scan worker goroutine.
	wantGen atomic.Uint64
	hwKick  chan struct{}
}

// NewRadio creates the facade. The adapter is not enabled until Enable.
func NewRadio(adapter Adapter, loop *dispatch.Loop, opts RadioOptions) *Radio {
	def := DefaultRadioOptions()
	if opts.RangingInterval <= 0 {
		opts.RangingInterval = def.RangingInterval
	}
	if opts.RegionExitTimeout <= 0 {
		opts.RegionExitTimeout = def.RegionExitTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	return &Radio{
		adapter:   adapter,
		loop:      loop,
		opts:      opts,
		owners:    make(map[Token]string),
		powerSubs: make(map[Token]func(PowerState)),
		hwKick:    make(chan struct{}, 1),
	}
}

// NewToken registers an owner. name is only used in logs.
func (r *Radio) NewToken(name string) Token {
	r.nextToken++
	r.owners[r.nextToken] = name
	return r.nextToken
}

// Enable powers on the adapter and publishes the resulting power state on
// the loop. Safe for concurrent use.
func (r *Radio) Enable() error {
	err := r.adapter.Enable()
	state := PoweredOn
	if err != nil {
		state = PoweredOff
	}
	r.loop.Post(func() { r.setPower(state) })
	if err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	return nil
}

// SetPowerState publishes a power change observed outside the facade.
// Safe for concurrent use.
func (r *Radio) SetPowerState(s PowerState) {
	r.loop.Post(func() { r.setPower(s) })
}

// PowerState returns the last published power state.
func (r *Radio) PowerState() PowerState { return r.state }

// WatchPower registers fn for power changes, replacing any previous
// registration for tok.
func (r *Radio) WatchPower(tok Token, fn func(PowerState)) {
	r.powerSubs[tok] = fn
}

// UnwatchPower drops tok's power registration.
func (r *Radio) UnwatchPower(tok Token) {
	delete(r.powerSubs, tok)
}

func (r *Radio) setPower(s PowerState) {
	if s == r.state {
		return
	}
	slog.Info("[BLE] power state", "from", r.state, "to", s)
	r.state = s
	r.syncScan()

	subs := make([]func(PowerState), 0, len(r.powerSubs))
	for _, fn := range r.powerSubs {
		subs = append(subs, fn)
	}
	for _, fn := range subs {
		fn(s)
	}
}

// StartRanging begins delivering sightings matching c to handler, strongest
// first, once per ranging interval. The owner may replace its own
// constraint by calling StartRanging again.
func (r *Radio) StartRanging(tok Token, c beacon.Constraint, handler func([]Beacon)) error {
	if r.ranging != nil && r.ranging.owner != tok {
		return fmt.Errorf("%w: ranging held by %s", ErrBusy, r.owners[r.ranging.owner])
	}
	slog.Debug("[BLE] start ranging", "owner", r.owners[tok], "constraint", c)
	r.ranging = &rangingSlot{
		owner:      tok,
		constraint: c,
		handler:    handler,
		window:     make(map[string]Beacon),
	}
	r.syncScan()
	return nil
}

// StopRanging ends tok's ranging. It is a no-op for non-owners.
func (r *Radio) StopRanging(tok Token) {
	if r.ranging == nil || r.ranging.owner != tok {
		return
	}
	slog.Debug("[BLE] stop ranging", "owner", r.owners[tok])
	r.ranging = nil
	r.syncScan()
}

// StartMonitoring begins region monitoring for the beacon family uuid.
func (r *Radio) StartMonitoring(tok Token, uuid string, handler func(RegionEvent)) error {
	if r.monitor != nil && r.monitor.owner != tok {
		return fmt.Errorf("%w: monitoring held by %s", ErrBusy, r.owners[r.monitor.owner])
	}
	if r.monitor != nil && strings.EqualFold(r.monitor.uuid, uuid) {
		r.monitor.handler = handler
		return nil
	}
	r.monitor = &monitorSlot{owner: tok, uuid: uuid, handler: handler}
	r.syncScan()
	return nil
}

// StopMonitoring ends tok's region monitoring.
func (r *Radio) StopMonitoring(tok Token) {
	if r.monitor == nil || r.monitor.owner != tok {
		return
	}
	r.monitor = nil
	r.syncScan()
}

// RequestState asks for a RegionDetermined event for tok's monitored region.
// The answer arrives after one ranging interval so that a fresh scan has a
// chance to observe the region.
func (r *Radio) RequestState(tok Token) {
	if r.monitor == nil || r.monitor.owner != tok {
		return
	}
	m := r.monitor
	r.loop.After(r.opts.RangingInterval, func() {
		if r.monitor != m {
			return
		}
		state := RegionOutside
		if m.inside {
			state = RegionInside
		}
		m.handler(RegionEvent{Kind: RegionDetermined, UUID: m.uuid, State: state})
	})
}

// StartScan delivers every peripheral advertising service to handler until
// StopScan. Duplicate advertisements are delivered.
func (r *Radio) StartScan(tok Token, service string, handler func(Device)) error {
	if r.scan != nil && r.scan.owner != tok {
		return fmt.Errorf("%w: scan held by %s", ErrBusy, r.owners[r.scan.owner])
	}
	slog.Debug("[BLE] start scan", "owner", r.owners[tok], "service", service)
	r.scan = &scanSlot{owner: tok, service: service, handler: handler}
	r.syncScan()
	return nil
}

// StopScan ends tok's peripheral scan.
func (r *Radio) StopScan(tok Token) {
	if r.scan == nil || r.scan.owner != tok {
		return
	}
	r.scan = nil
	r.syncScan()
}

// Scanning reports whether tok holds the peripheral scan.
func (r *Radio) Scanning(tok Token) bool {
	return r.scan != nil && r.scan.owner == tok
}

// Connect connects to dev off-loop and delivers the link to done on the
// loop. onDisconnect runs on the loop if the peripheral drops the link
// before Disconnect is called.
func (r *Radio) Connect(dev Device, onDisconnect func(), done func(Link, error)) {
	if r.state != PoweredOn {
		r.loop.Post(func() { done(nil, ErrPoweredOff) })
		return
	}
	slog.Debug("[BLE] connecting", "address", dev.Address)
	timeout := r.opts.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err := r.adapter.Connect(ctx, dev.Address)
		r.loop.Post(func() {
			if err != nil {
				done(nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, err))
				return
			}
			done(newGATTLink(r.loop, conn, dev, onDisconnect), nil)
		})
	}()
}

// Close releases every activity and stops the hardware scan.
func (r *Radio) Close() {
	r.ranging = nil
	r.monitor = nil
	r.scan = nil
	r.powerSubs = make(map[Token]func(PowerState))
	r.syncScan()
	if !r.closed {
		r.closed = true
		close(r.hwKick)
	}
}

// syncScan runs the hardware scan exactly while some activity needs it and
// the radio is powered.
func (r *Radio) syncScan() {
	if r.closed {
		return
	}
	want := r.state == PoweredOn && (r.ranging != nil || r.monitor != nil || r.scan != nil)
	switch {
	case want && !r.hwScanning:
		r.startHardwareScan()
	case !want && r.hwScanning:
		r.stopHardwareScan()
	}
}

func (r *Radio) startHardwareScan() {
	r.hwScanning = true
	r.scanGen++
	r.wantGen.Store(r.scanGen)
	if !r.workerStarted {
		r.workerStarted = true
		go r.scanWorker()
	}
	select {
	case r.hwKick <- struct{}{}:
	default:
	}
	slog.Debug("[BLE] hardware scan started")
	r.armTick()
}

func (r *Radio) stopHardwareScan() {
	r.hwScanning = false
	r.scanGen++
	r.wantGen.Store(0)
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	if err := r.adapter.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan", "error", err)
	}
	slog.Debug("[BLE] hardware scan stopped")
}

// scanWorker runs hardware scans one at a time. A scan whose generation is
// no longer wanted stops itself on its next advertisement, which covers a
// StopScan issued before the adapter had started scanning.
func (r *Radio) scanWorker() {
	for range r.hwKick {
		gen := r.wantGen.Load()
		if gen == 0 {
			continue
		}
		err := r.adapter.Scan(func(adv Advertisement) {
			if r.wantGen.Load() != gen {
				_ = r.adapter.StopScan()
				return
			}
			r.loop.Post(func() {
				if gen == r.scanGen {
					r.handleAdvertisement(adv)
				}
			})
		})
		r.loop.Post(func() { r.scanEnded(gen, err) })
	}
}

func (r *Radio) scanEnded(gen uint64, err error) {
	if gen != r.scanGen {
		return
	}
	r.hwScanning = false
	r.scanGen++
	r.wantGen.Store(0)
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	if err != nil {
		slog.Warn("[BLE] scan ended unexpectedly", "error", err)
		r.setPower(PoweredOff)
		return
	}
	r.syncScan()
}

func (r *Radio) armTick() {
	r.tick = r.loop.After(r.opts.RangingInterval, func() {
		r.tick = nil
		r.onTick()
		if r.hwScanning {
			r.armTick()
		}
	})
}

func (r *Radio) handleAdvertisement(adv Advertisement) {
	if s := r.scan; s != nil && adv.HasService(s.service) {
		s.handler(Device{Name: adv.Name, Address: adv.Address, RSSI: adv.RSSI})
	}

	data, ok := adv.ManufacturerData[beacon.AppleCompanyID]
	if !ok {
		return
	}
	frame, err := beacon.ParseFrame(data)
	if err != nil {
		return
	}
	now := r.loop.Now()

	if m := r.monitor; m != nil && strings.EqualFold(m.uuid, frame.UUID) {
		m.lastSeen = now
		if !m.inside {
			m.inside = true
			m.handler(RegionEvent{Kind: RegionEnter, UUID: m.uuid, State: RegionInside})
		}
	}

	if rg := r.ranging; rg != nil && rg.constraint.Matches(frame.UUID, frame.Identity) {
		accuracy := EstimateAccuracy(adv.RSSI, frame.MeasuredPower)
		b := Beacon{
			UUID:          frame.UUID,
			Address:       adv.Address,
			Identity:      frame.Identity,
			RSSI:          adv.RSSI,
			MeasuredPower: frame.MeasuredPower,
			Accuracy:      accuracy,
			Proximity:     ClassifyAccuracy(accuracy),
			Timestamp:     now,
		}
		rg.window[adv.Address+"/"+frame.Identity.Numeric().Key()] = b
	}
}

func (r *Radio) onTick() {
	if m := r.monitor; m != nil && m.inside && r.loop.Now().Sub(m.lastSeen) >= r.opts.RegionExitTimeout {
		m.inside = false
		m.handler(RegionEvent{Kind: RegionExit, UUID: m.uuid, State: RegionOutside})
	}

	rg := r.ranging
	if rg == nil {
		return
	}
	sightings := make([]Beacon, 0, len(rg.window))
	for _, b := range rg.window {
		sightings = append(sightings, b)
	}
	rg.window = make(map[string]Beacon)
	SortStrongest(sightings)
	rg.handler(sightings)
}

// SortStrongest orders sightings by RSSI, strongest first; readings without
// an RSSI go last.
func SortStrongest(bs []Beacon) {
	sort.SliceStable(bs, func(i, j int) bool { return strongerThan(bs[i], bs[j]) })
}

// Strongest returns the strongest sighting.
func Strongest(bs []Beacon) (Beacon, bool) {
	if len(bs) == 0 {
		return Beacon{}, false
	}
	best := bs[0]
	for _, b := range bs[1:] {
		if strongerThan(b, best) {
			best = b
		}
	}
	return best, true
}
