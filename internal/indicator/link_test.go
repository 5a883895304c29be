package indicator

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/ble/bletest"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

var errTest = errors.New("test: connect refused")

var testDevice = ble.Device{Name: "tag", Address: "AA:BB:CC:DD:EE:FF", RSSI: -45}

type harness struct {
	link  *Link
	radio *bletest.FakeRadio
	loop  *dispatch.Loop
	clock *dispatch.ManualClock
}

func indicatorService() *bletest.Service {
	return &bletest.Service{
		ID: beacon.ServiceUUID,
		Chars: []ble.Characteristic{
			bletest.NewCharacteristic(beacon.WriteCharUUID, ble.PropWrite),
			bletest.NewCharacteristic(beacon.IndicatorCharUUID, ble.PropWriteWithoutResponse),
		},
	}
}

func newHarness(t *testing.T, svc *bletest.Service) *harness {
	t.Helper()
	clock := dispatch.NewManualClock()
	loop := dispatch.New(clock)
	radio := bletest.NewFakeRadio(loop)
	radio.NewLink = func(ble.Device) *bletest.FakeLink { return &bletest.FakeLink{Service: svc} }
	return &harness{
		link:  New(radio, loop, DefaultOptions()),
		radio: radio,
		loop:  loop,
		clock: clock,
	}
}

// connect discovers the test device and runs the GATT walk.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if !h.radio.Discover(testDevice) {
		t.Fatal("link is not scanning")
	}
	h.loop.RunPending()
}

func TestSetProximityBuffersUntilConnected(t *testing.T) {
	h := newHarness(t, indicatorService())

	h.link.SetProximity(true)
	if v, ok := h.link.Pending(); !ok || v != ValueFar {
		t.Fatalf("Pending() = %d, %v; want far buffered", v, ok)
	}
	if !h.radio.ScanActive() {
		t.Fatal("SetProximity without a link should start a scan")
	}

	h.connect(t)
	if !h.link.Ready() {
		t.Fatal("link should be ready after the GATT walk")
	}
	if h.radio.ScanActive() {
		t.Error("scan should stop once a peripheral is found")
	}
	got := h.radio.LastLink().UnackedWrites
	if len(got) != 1 || !bytes.Equal(got[0], []byte{ValueFar}) {
		t.Errorf("writes = %v, want [[1]]", got)
	}
	if _, ok := h.link.Pending(); ok {
		t.Error("buffer should be empty after flush")
	}
}

func TestPendingKeepsLatestValue(t *testing.T) {
	h := newHarness(t, indicatorService())

	h.link.SetProximity(true)
	h.link.SetProximity(false)
	h.connect(t)

	got := h.radio.LastLink().UnackedWrites
	if len(got) != 1 || got[0][0] != ValueNear {
		t.Errorf("writes = %v, want only the latest value", got)
	}
}

func TestSetProximityWritesWhenReady(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.link.SetProximity(false)
	h.connect(t)

	h.link.SetProximity(true)
	h.link.SetProximity(false)

	got := h.radio.LastLink().UnackedWrites
	want := [][]byte{{0}, {1}, {0}}
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("write %d = %v, want %v", i, got[i], want[i])
		}
	}
	if h.link.Writes() != 3 {
		t.Errorf("Writes() = %d, want 3", h.link.Writes())
	}
}

func TestRescanAfterDisconnect(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.link.SetProximity(true)
	h.connect(t)

	h.radio.LastLink().Drop()
	h.loop.RunPending()

	if h.link.Ready() {
		t.Fatal("link should not be ready after a drop")
	}
	if !h.radio.ScanActive() {
		t.Fatal("link should rescan immediately after a drop")
	}

	// Values set while disconnected are delivered on reconnect.
	h.link.SetProximity(false)
	h.connect(t)
	if len(h.radio.Connects) != 2 {
		t.Errorf("connects = %d, want 2", len(h.radio.Connects))
	}
	got := h.radio.LastLink().UnackedWrites
	if len(got) != 1 || got[0][0] != ValueNear {
		t.Errorf("writes after reconnect = %v", got)
	}
}

func TestConnectFailureBacksOff(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.radio.ConnectErr = errTest

	h.link.SetProximity(true)
	h.connect(t)
	if h.radio.ScanActive() {
		t.Fatal("scan should wait for the backoff after a failed connect")
	}

	h.clock.Advance(999 * time.Millisecond)
	h.loop.RunPending()
	if h.radio.ScanActive() {
		t.Fatal("rescanned before the first backoff elapsed")
	}
	h.clock.Advance(time.Millisecond)
	h.loop.RunPending()
	if !h.radio.ScanActive() {
		t.Fatal("should rescan once the backoff elapses")
	}

	// Second failure doubles the delay.
	h.connect(t)
	h.clock.Advance(time.Second)
	h.loop.RunPending()
	if h.radio.ScanActive() {
		t.Fatal("second backoff should be longer than one second")
	}
	h.clock.Advance(time.Second)
	h.loop.RunPending()
	if !h.radio.ScanActive() {
		t.Fatal("should rescan after the second backoff")
	}

	h.radio.ConnectErr = nil
	h.connect(t)
	if !h.link.Ready() {
		t.Fatal("link should recover once connecting succeeds")
	}
}

func TestMissingCharacteristicRetries(t *testing.T) {
	svc := &bletest.Service{
		ID:    beacon.ServiceUUID,
		Chars: []ble.Characteristic{bletest.NewCharacteristic(beacon.WriteCharUUID, ble.PropWrite)},
	}
	h := newHarness(t, svc)

	h.link.SetProximity(true)
	h.connect(t)

	if h.link.Ready() {
		t.Fatal("link must not be ready without the indicator characteristic")
	}
	if !h.radio.LastLink().Disconnected {
		t.Error("link should disconnect after a failed walk")
	}
	if v, ok := h.link.Pending(); !ok || v != ValueFar {
		t.Error("buffered value must survive a failed walk")
	}
}

func TestPowerCycle(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.link.SetProximity(true)
	h.connect(t)
	first := h.radio.LastLink()

	h.radio.SetPower(ble.PoweredOff)
	if !first.Disconnected {
		t.Error("power off should drop the connection")
	}
	if h.radio.ScanActive() {
		t.Error("power off should stop scanning")
	}

	h.link.SetProximity(false)
	if h.radio.ScanActive() {
		t.Error("must not scan while powered off")
	}

	h.radio.SetPower(ble.PoweredOn)
	if !h.radio.ScanActive() {
		t.Fatal("power on should start a scan")
	}
	h.connect(t)
	got := h.radio.LastLink().UnackedWrites
	if len(got) != 1 || got[0][0] != ValueNear {
		t.Errorf("writes after power cycle = %v", got)
	}
}

func TestStaleConnectIsDropped(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.link.SetProximity(true)
	h.radio.Discover(testDevice)

	// Power drops while the connect is in flight.
	h.radio.SetPower(ble.PoweredOff)
	h.loop.RunPending()

	if h.link.Ready() {
		t.Fatal("a connect completing after reset must not make the link ready")
	}
	if l := h.radio.LastLink(); l != nil && !l.Disconnected {
		t.Error("late link should be disconnected")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t, indicatorService())
	h.link.SetProximity(true)
	h.connect(t)

	h.link.Close()
	h.link.Close()
	if !h.radio.LastLink().Disconnected {
		t.Error("Close should disconnect")
	}

	h.link.SetProximity(false)
	h.radio.SetPower(ble.PoweredOn)
	if h.radio.ScanActive() {
		t.Error("closed link must stay idle")
	}
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d, 30s) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(80, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoffDelay(80, 30s) = %v, want cap", got)
	}
}
