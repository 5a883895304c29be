package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/ble/bletest"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

type fakeIndicator struct {
	values []bool
}

func (f *fakeIndicator) SetProximity(isFar bool) { f.values = append(f.values, isFar) }

type fakeUploader struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, rec Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	return u.err
}

func (u *fakeUploader) records() []Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Record(nil), u.recs...)
}

type harness struct {
	s         *Service
	radio     *bletest.FakeRadio
	loop      *dispatch.Loop
	clock     *dispatch.ManualClock
	location  *platform.StaticLocation
	host      *platform.Daemon
	uploader  *fakeUploader
	indicator *fakeIndicator
	pickups   []beacon.Identity
}

func newHarness(t *testing.T, foreground bool, auth platform.Authorization, opts Options) *harness {
	t.Helper()
	clock := dispatch.NewManualClock()
	loop := dispatch.New(clock)
	h := &harness{
		radio:     bletest.NewFakeRadio(loop),
		loop:      loop,
		clock:     clock,
		location:  platform.NewStaticLocation(loop, auth, platform.AuthWhenInUse, 40.7128, -74.006),
		host:      platform.NewDaemon(foreground),
		uploader:  &fakeUploader{},
		indicator: &fakeIndicator{},
	}
	if opts.UID == "" {
		opts.UID = "user-1"
	}
	notifier := platform.NotifierFunc(func(id beacon.Identity) { h.pickups = append(h.pickups, id) })
	h.s = New(h.radio, loop, h.location, h.host, h.uploader, h.indicator, notifier, opts)
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.RunPending()
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.loop.RunPending()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitUploads(t *testing.T, n int) []Record {
	t.Helper()
	h.waitFor(t, "uploads", func() bool { return len(h.uploader.records()) >= n })
	return h.uploader.records()
}

// settle gives any stray fix goroutine time to post back.
func (h *harness) settle() {
	for i := 0; i < 10; i++ {
		time.Sleep(5 * time.Millisecond)
		h.loop.RunPending()
	}
}

func sighting(major, minor uint16, rssi int, p ble.Proximity) ble.Beacon {
	return ble.Beacon{
		UUID:      beacon.RegionUUID,
		Identity:  beacon.Identity{Major: major, Minor: minor},
		RSSI:      rssi,
		Proximity: p,
	}
}

func TestStartRangesWhenForegrounded(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()

	if !h.s.Running() {
		t.Fatal("service not running")
	}
	if !h.radio.Monitoring() {
		t.Error("region monitoring not started")
	}
	c, ok := h.radio.Ranging()
	if !ok {
		t.Fatal("ranging not started")
	}
	if c.Exact {
		t.Errorf("constraint = %s, want any beacon of the family", c)
	}
	if h.radio.StateRequests != 1 {
		t.Errorf("state requests = %d, want 1", h.radio.StateRequests)
	}
}

func TestStartBackgroundedMonitorsOnly(t *testing.T) {
	h := newHarness(t, false, platform.AuthAlways, Options{})
	h.s.Start()

	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging started in the background")
	}
	if !h.radio.Monitoring() {
		t.Fatal("region monitoring not started")
	}

	h.radio.Region(ble.RegionDetermined, ble.RegionOutside)
	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging started while outside the region")
	}
	h.radio.Region(ble.RegionDetermined, ble.RegionInside)
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging not started when inside the region")
	}
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.s.Start()
	if h.radio.StateRequests != 1 {
		t.Errorf("state requests = %d after double start, want 1", h.radio.StateRequests)
	}

	h.s.Stop()
	h.s.Stop()
	if h.s.Running() {
		t.Fatal("still running after stop")
	}
	if !h.radio.Idle() {
		t.Error("radio activities left after stop")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers pending after stop", n)
	}
}

func TestRefusedAtStart(t *testing.T) {
	h := newHarness(t, true, platform.AuthDenied, Options{})
	h.s.Start()
	if h.s.Running() {
		t.Fatal("started with location access denied")
	}
	if h.radio.Monitoring() {
		t.Error("monitoring started with location access denied")
	}
}

func TestRequestsAuthorizationThenConfigures(t *testing.T) {
	h := newHarness(t, true, platform.AuthNotDetermined, Options{})
	h.s.Start()
	if h.radio.Monitoring() {
		t.Fatal("monitoring started before authorization")
	}

	h.loop.RunPending()
	if !h.radio.Monitoring() {
		t.Fatal("monitoring not started after grant")
	}
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging not started after grant")
	}
}

func TestAuthorizationRevokedStops(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()

	h.location.SetAuthorization(platform.AuthDenied)
	h.loop.RunPending()

	if h.s.Running() {
		t.Fatal("still running after revocation")
	}
	if !h.radio.Idle() {
		t.Error("radio activities left after revocation")
	}
}

func TestHysteresisDrivesIndicatorOnChange(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()

	batches := []ble.Beacon{
		sighting(1, 1, -60, ble.ProximityNear),
		sighting(1, 1, -62, ble.ProximityNear),
		sighting(1, 1, -90, ble.ProximityNear), // weak signal
		sighting(1, 1, -70, ble.ProximityFar),
		sighting(1, 1, -60, ble.ProximityUnknown),
		sighting(1, 1, -50, ble.ProximityImmediate),
		sighting(1, 1, -55, ble.ProximityNear),
	}
	for _, b := range batches {
		h.radio.Range(b)
	}

	want := []bool{false, true, false}
	if len(h.indicator.values) != len(want) {
		t.Fatalf("indicator driven %v, want %v", h.indicator.values, want)
	}
	for i := range want {
		if h.indicator.values[i] != want[i] {
			t.Fatalf("indicator driven %v, want %v", h.indicator.values, want)
		}
	}
}

func TestPickupUploadsAndNotifies(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()

	h.radio.Range(sighting(3, 0x8007, -50, ble.ProximityImmediate), sighting(3, 9, -80, ble.ProximityFar))
	n, ok := h.s.Nearest()
	if !ok {
		t.Fatal("no nearest sample")
	}
	if n.Identity != (beacon.Identity{Major: 3, Minor: 7}) || !n.Pickup || n.RawMinor != 0x8007 {
		t.Errorf("nearest = %+v", n)
	}
	if len(h.pickups) != 1 || h.pickups[0] != (beacon.Identity{Major: 3, Minor: 7}) {
		t.Fatalf("pickups = %v, want one for 3/7", h.pickups)
	}

	h.radio.Range(sighting(3, 0x8007, -51, ble.ProximityImmediate))
	if len(h.pickups) != 1 {
		t.Errorf("pickups = %d after a repeated flag, want 1", len(h.pickups))
	}

	h.advance(30 * time.Second)
	recs := h.waitUploads(t, 1)
	want := Record{
		UID:       "user-1",
		Major:     3,
		Minor:     7,
		SendHome:  true,
		Lat:       40.7128,
		Lng:       -74.006,
		Timestamp: "2025-10-31T18:00:30Z",
		LastRSSI:  PickupRequested,
	}
	if recs[0] != want {
		t.Errorf("record = %+v, want %+v", recs[0], want)
	}

	h.radio.Range(sighting(3, 7, -51, ble.ProximityImmediate))
	h.radio.Range(sighting(3, 0x8007, -51, ble.ProximityImmediate))
	if len(h.pickups) != 2 {
		t.Errorf("pickups = %d after the flag was raised again, want 2", len(h.pickups))
	}
}

func TestUploadGating(t *testing.T) {
	tests := []struct {
		name   string
		rssi   int
		prox   ble.Proximity
		upload bool
	}{
		{"immediate weak signal", -80, ble.ProximityImmediate, true},
		{"near strong signal", -65, ble.ProximityNear, true},
		{"far strong signal", -65, ble.ProximityFar, true},
		{"near at threshold", -70, ble.ProximityNear, false},
		{"near weak signal", -75, ble.ProximityNear, false},
		{"unknown strong signal", -60, ble.ProximityUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, platform.AuthWhenInUse, Options{})
			h.s.Start()
			h.radio.Range(sighting(1, 2, tt.rssi, tt.prox))
			h.advance(30 * time.Second)

			if tt.upload {
				recs := h.waitUploads(t, 1)
				if recs[0].LastRSSI != PickupClear || recs[0].SendHome {
					t.Errorf("record = %+v", recs[0])
				}
				return
			}
			h.settle()
			if h.location.Fixes() != 0 || h.s.Uploads() != 0 {
				t.Errorf("fixes = %d uploads = %d, want none", h.location.Fixes(), h.s.Uploads())
			}
		})
	}
}

func TestPeriodicTickRepeats(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))

	h.advance(29 * time.Second)
	h.settle()
	if h.s.Uploads() != 0 {
		t.Fatal("uploaded before the first tick")
	}
	h.advance(time.Second)
	h.waitUploads(t, 1)
	h.advance(30 * time.Second)
	h.waitUploads(t, 2)
}

func TestTickSkippedInBackground(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))

	h.host.SetForeground(false)
	h.advance(30 * time.Second)
	h.settle()
	if h.s.Uploads() != 0 {
		t.Fatal("tick uploaded in the background")
	}
	h.host.SetForeground(true)
	h.advance(30 * time.Second)
	h.waitUploads(t, 1)
}

func TestRegionEntryOneShotInBackground(t *testing.T) {
	h := newHarness(t, false, platform.AuthAlways, Options{})
	h.s.Start()

	h.radio.Region(ble.RegionEnter, ble.RegionInside)
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging not started on region entry")
	}
	h.radio.Range(sighting(2, 5, -55, ble.ProximityNear))

	h.advance(2 * time.Second)
	recs := h.waitUploads(t, 1)
	if recs[0].Major != 2 || recs[0].Minor != 5 {
		t.Errorf("record = %+v", recs[0])
	}
	h.waitFor(t, "background grant released", func() bool { return h.host.ActiveTasks() == 0 })
	if h.host.GrantedTasks() != 1 {
		t.Errorf("background grants = %d, want 1", h.host.GrantedTasks())
	}

	h.advance(3 * time.Second)
	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging still running in the background after the one-shot")
	}
	if !h.radio.Monitoring() {
		t.Error("region monitoring stopped")
	}
}

func TestRegionEntryKeepsRangingInForeground(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Region(ble.RegionEnter, ble.RegionInside)
	h.advance(5 * time.Second)
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging stopped in the foreground")
	}
	if h.host.GrantedTasks() != 0 {
		t.Errorf("background grants = %d in the foreground", h.host.GrantedTasks())
	}
}

func TestAllowListRestrictsNearest(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{
		AllowList: []beacon.Identity{{Major: 1, Minor: 1}, {Major: 1, Minor: 2}},
	})
	h.s.Start()

	h.radio.Range(sighting(9, 9, -40, ble.ProximityImmediate), sighting(1, 0x8002, -60, ble.ProximityNear))
	n, ok := h.s.Nearest()
	if !ok {
		t.Fatal("no nearest sample")
	}
	if n.Identity != (beacon.Identity{Major: 1, Minor: 2}) {
		t.Errorf("nearest = %v, want 1/2", n.Identity)
	}
	if len(h.s.Snapshot()) != 2 {
		t.Errorf("snapshot has %d beacons, want 2", len(h.s.Snapshot()))
	}

	h.radio.Range(sighting(9, 9, -40, ble.ProximityImmediate))
	if _, ok := h.s.Nearest(); ok {
		t.Error("nearest kept for a batch with no allowed beacon")
	}
}

func TestEmptyBatchClearsNearest(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))
	h.radio.Range()
	if _, ok := h.s.Nearest(); ok {
		t.Fatal("nearest kept after an empty batch")
	}
	h.advance(30 * time.Second)
	h.settle()
	if h.location.Fixes() != 0 {
		t.Error("fix requested with no beacon in range")
	}
	if len(h.indicator.values) != 1 {
		t.Errorf("indicator driven %v, want one update", h.indicator.values)
	}
}

func TestFixFailureSkipsUpload(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.location.SetFix(0, 0, errors.New("gps: no signal"))
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))

	h.advance(30 * time.Second)
	h.waitFor(t, "fix attempt", func() bool { return h.location.Fixes() == 1 })
	h.settle()
	if h.s.Uploads() != 0 {
		t.Fatal("uploaded without a fix")
	}

	h.location.SetFix(1, 2, nil)
	h.advance(30 * time.Second)
	recs := h.waitUploads(t, 1)
	if recs[0].Lat != 1 || recs[0].Lng != 2 {
		t.Errorf("record position = %v,%v", recs[0].Lat, recs[0].Lng)
	}
}

func TestStopDropsPendingFix(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))

	h.clock.Advance(30 * time.Second)
	h.loop.RunPending()
	h.s.Stop()
	h.waitFor(t, "fix attempt", func() bool { return h.location.Fixes() == 1 })
	h.settle()
	if h.s.Uploads() != 0 {
		t.Fatal("uploaded after stop")
	}
}

func TestUploadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.uploader.err = errors.New("backend: 503")
	h.s.Start()
	h.radio.Range(sighting(1, 2, -50, ble.ProximityImmediate))

	h.advance(30 * time.Second)
	h.waitUploads(t, 1)
	h.advance(30 * time.Second)
	h.waitUploads(t, 2)
	if !h.s.Running() {
		t.Fatal("service stopped after an upload failure")
	}
}

func TestSampleClassification(t *testing.T) {
	tests := []struct {
		rssi      int
		prox      ble.Proximity
		far, near bool
	}{
		{-50, ble.ProximityImmediate, false, true},
		{-90, ble.ProximityImmediate, true, true},
		{-69, ble.ProximityNear, false, true},
		{-85, ble.ProximityNear, false, false},
		{-86, ble.ProximityNear, true, false},
		{-60, ble.ProximityFar, true, true},
		{-60, ble.ProximityUnknown, true, false},
	}
	for _, tt := range tests {
		s := Sample{RSSI: tt.rssi, Proximity: tt.prox}
		if got := s.Far(-85); got != tt.far {
			t.Errorf("Far(%d, %s) = %v, want %v", tt.rssi, tt.prox, got, tt.far)
		}
		if got := s.Close(-70); got != tt.near {
			t.Errorf("Close(%d, %s) = %v, want %v", tt.rssi, tt.prox, got, tt.near)
		}
	}
}

func TestRangingHeldByAnotherOwner(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	other := h.radio.NewToken("provision")
	if err := h.radio.StartRanging(other, beacon.AnyIn(beacon.RegionUUID), func([]ble.Beacon) {}); err != nil {
		t.Fatal(err)
	}

	h.s.Start()
	if !h.s.Running() {
		t.Fatal("service did not start while ranging was busy")
	}
	if !h.radio.Monitoring() {
		t.Error("region monitoring not started")
	}

	h.radio.StopRanging(other)
	h.radio.Region(ble.RegionDetermined, ble.RegionInside)
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging not picked up once released")
	}
}

func TestForegroundResumesRangingAndTick(t *testing.T) {
	h := newHarness(t, false, platform.AuthAlways, Options{})
	h.s.Start()
	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging started in the background")
	}

	h.host.SetForeground(true)
	h.loop.RunPending()
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging not resumed when foregrounded")
	}

	h.radio.Range(sighting(4, 2, -50, ble.ProximityImmediate))
	h.advance(30 * time.Second)
	h.waitUploads(t, 1)
	h.advance(30 * time.Second)
	recs := h.waitUploads(t, 2)
	if recs[1].Major != 4 || recs[1].Minor != 2 {
		t.Errorf("second upload = %+v", recs[1])
	}
}

func TestBackgroundStopsRanging(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()

	h.host.SetForeground(false)
	h.loop.RunPending()
	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging kept running in the background")
	}
	if !h.radio.Monitoring() {
		t.Error("region monitoring stopped with the foreground")
	}
}

func TestBackgroundKeepsRangingWhileRegionCheckSettles(t *testing.T) {
	h := newHarness(t, true, platform.AuthAlways, Options{})
	h.s.Start()
	h.radio.Region(ble.RegionEnter, ble.RegionInside)

	h.host.SetForeground(false)
	h.loop.RunPending()
	if _, ok := h.radio.Ranging(); !ok {
		t.Fatal("ranging stopped before the region check ran")
	}

	h.advance(2 * time.Second)
	h.advance(3 * time.Second)
	if _, ok := h.radio.Ranging(); ok {
		t.Fatal("ranging not stopped after the region check in the background")
	}
}

func TestRestartClearsProximityState(t *testing.T) {
	h := newHarness(t, true, platform.AuthWhenInUse, Options{})
	h.s.Start()
	h.radio.Range(sighting(5, 0x8001, -50, ble.ProximityImmediate))
	if len(h.indicator.values) != 1 || len(h.pickups) != 1 {
		t.Fatalf("indicator=%v pickups=%v before restart", h.indicator.values, h.pickups)
	}

	h.s.Stop()
	if _, ok := h.s.Nearest(); ok {
		t.Error("nearest sample survived Stop")
	}
	if len(h.s.Snapshot()) != 0 {
		t.Error("snapshot survived Stop")
	}

	h.s.Start()
	h.advance(30 * time.Second)
	h.settle()
	if h.s.Uploads() != 0 {
		t.Fatal("tick uploaded a sample from before the restart")
	}

	h.radio.Range(sighting(5, 0x8001, -50, ble.ProximityImmediate))
	if len(h.indicator.values) != 2 {
		t.Errorf("indicator = %v, want a fresh drive after restart", h.indicator.values)
	}
	if len(h.pickups) != 2 {
		t.Errorf("pickups = %d, want the flag reported again after restart", len(h.pickups))
	}
}
