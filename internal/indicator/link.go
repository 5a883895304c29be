// Package indicator drives the remote near/far indicator characteristic on
// the beacon's companion peripheral.
package indicator

import (
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

// Indicator values written to the characteristic.
const (
	ValueNear byte = 0
	ValueFar  byte = 1
)

// Radio is the part of the radio facade the link needs.
type Radio interface {
	NewToken(name string) ble.Token
	PowerState() ble.PowerState
	WatchPower(tok ble.Token, fn func(ble.PowerState))
	UnwatchPower(tok ble.Token)
	StartScan(tok ble.Token, service string, handler func(ble.Device)) error
	StopScan(tok ble.Token)
	Connect(dev ble.Device, onDisconnect func(), done func(ble.Link, error))
}

// Options configures the indicator link.
type Options struct {
	ServiceUUID  string
	CharUUID     string
	ReconnectMax time.Duration // cap on the retry backoff after failed attempts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:  beacon.ServiceUUID,
		CharUUID:     beacon.IndicatorCharUUID,
		ReconnectMax: 30 * time.Second,
	}
}

type linkState int

const (
	stateIdle linkState = iota
	stateScanning
	stateConnecting
	stateDiscovering
	stateReady
)

// Link keeps a connection to the indicator peripheral alive and writes the
// latest proximity class to it. All methods must be called on the loop.
// Errors are logged and never surfaced.
type Link struct {
	radio Radio
	loop  *dispatch.Loop
	tok   ble.Token
	opts  Options

	state linkState
	gen   uint64
	link  ble.Link
	char  ble.Characteristic

	pending    byte
	hasPending bool
	written    int

	attempt int
	retry   dispatch.Timer
	closed  bool
}

// New creates an indicator link. It stays idle until the first
// SetProximity or a power-on transition.
func New(radio Radio, loop *dispatch.Loop, opts Options) *Link {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = def.CharUUID
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	l := &Link{radio: radio, loop: loop, opts: opts}
	l.tok = radio.NewToken("indicator")
	radio.WatchPower(l.tok, l.onPower)
	return l
}

// SetProximity writes 1 for far and 0 for near. Without a write path the
// value is buffered, replacing any older one, and a scan is started.
func (l *Link) SetProximity(isFar bool) {
	if l.closed {
		return
	}
	v := ValueNear
	if isFar {
		v = ValueFar
	}
	if l.state == stateReady {
		l.write(v)
		return
	}
	l.pending = v
	l.hasPending = true
	l.ensureScan()
}

// Ready reports whether the indicator characteristic is available.
func (l *Link) Ready() bool { return l.state == stateReady }

// Pending returns the buffered value, if any.
func (l *Link) Pending() (byte, bool) { return l.pending, l.hasPending }

// Writes returns how many values have been written to the peripheral.
func (l *Link) Writes() int { return l.written }

// Close drops the connection and stops scanning for good.
func (l *Link) Close() {
	if l.closed {
		return
	}
	if l.hasPending {
		slog.Warn("[INDICATOR] closing with unsent value", "value", l.pending)
	}
	l.reset()
	l.closed = true
	l.radio.UnwatchPower(l.tok)
}

func (l *Link) write(v byte) {
	l.link.WriteWithoutResponse(l.char, []byte{v})
	l.written++
	slog.Debug("[INDICATOR] wrote", "value", v)
}

func (l *Link) ensureScan() {
	if l.closed || l.state != stateIdle || l.retry != nil {
		return
	}
	if l.radio.PowerState() != ble.PoweredOn {
		slog.Debug("[INDICATOR] waiting for radio power")
		return
	}
	gen := l.gen
	err := l.radio.StartScan(l.tok, l.opts.ServiceUUID, func(dev ble.Device) {
		l.onFound(gen, dev)
	})
	if err != nil {
		slog.Warn("[INDICATOR] scan failed", "error", err)
		l.retryLater()
		return
	}
	l.state = stateScanning
	slog.Info("[INDICATOR] scanning", "service", l.opts.ServiceUUID)
}

func (l *Link) onFound(gen uint64, dev ble.Device) {
	if gen != l.gen || l.state != stateScanning {
		return
	}
	l.radio.StopScan(l.tok)
	l.state = stateConnecting
	l.gen++
	g := l.gen
	slog.Info("[INDICATOR] connecting", "address", dev.Address, "rssi", dev.RSSI)
	l.radio.Connect(dev, func() { l.onDrop(g) }, func(link ble.Link, err error) {
		l.onConnected(g, link, err)
	})
}

func (l *Link) onConnected(gen uint64, link ble.Link, err error) {
	if gen != l.gen {
		if link != nil {
			link.Disconnect()
		}
		return
	}
	if err != nil {
		l.fail("connect", err)
		return
	}
	l.link = link
	l.state = stateDiscovering
	link.DiscoverService(l.opts.ServiceUUID, func(svc ble.Service, err error) {
		if gen != l.gen {
			return
		}
		if err != nil {
			l.fail("discover service", err)
			return
		}
		link.DiscoverCharacteristics(svc, []string{l.opts.CharUUID}, func(chars []ble.Characteristic, err error) {
			if gen != l.gen {
				return
			}
			if err != nil {
				l.fail("discover characteristics", err)
				return
			}
			l.setConnected(chars)
		})
	})
}

// setConnected selects the indicator characteristic and flushes the buffer.
func (l *Link) setConnected(chars []ble.Characteristic) {
	for _, c := range chars {
		if strings.EqualFold(c.UUID(), l.opts.CharUUID) {
			l.char = c
			break
		}
	}
	if l.char == nil {
		l.fail("discover characteristics", nil)
		return
	}
	l.state = stateReady
	l.attempt = 0
	slog.Info("[INDICATOR] connected", "address", l.link.Device().Address)
	l.flush()
}

func (l *Link) flush() {
	if !l.hasPending {
		return
	}
	v := l.pending
	l.hasPending = false
	l.write(v)
}

func (l *Link) fail(step string, err error) {
	slog.Warn("[INDICATOR] "+step+" failed", "error", err, "attempt", l.attempt+1)
	l.reset()
	l.retryLater()
}

// onDrop handles an unexpected disconnect by rescanning right away.
func (l *Link) onDrop(gen uint64) {
	if gen != l.gen {
		return
	}
	slog.Warn("[INDICATOR] disconnected, rescanning")
	l.link = nil
	l.char = nil
	l.state = stateIdle
	l.gen++
	l.ensureScan()
}

func (l *Link) onPower(s ble.PowerState) {
	switch s {
	case ble.PoweredOff:
		slog.Info("[INDICATOR] radio off, dropping connection")
		l.reset()
	case ble.PoweredOn:
		l.ensureScan()
	}
}

// reset tears down whatever the link currently holds.
func (l *Link) reset() {
	l.gen++
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.radio.StopScan(l.tok)
	if l.link != nil {
		l.link.Disconnect()
		l.link = nil
	}
	l.char = nil
	l.state = stateIdle
}

func (l *Link) retryLater() {
	delay := backoffDelay(l.attempt, l.opts.ReconnectMax)
	l.attempt++
	slog.Info("[INDICATOR] reconnect backoff", "attempt", l.attempt, "delay", delay)
	l.retry = l.loop.After(delay, func() {
		l.retry = nil
		l.ensureScan()
	})
}

// backoffDelay returns the retry delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 16 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
