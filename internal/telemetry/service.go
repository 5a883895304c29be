package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

// Radio is the part of the radio facade telemetry needs.
type Radio interface {
	NewToken(name string) ble.Token
	StartRanging(tok ble.Token, c beacon.Constraint, handler func([]ble.Beacon)) error
	StopRanging(tok ble.Token)
	StartMonitoring(tok ble.Token, uuid string, handler func(ble.RegionEvent)) error
	StopMonitoring(tok ble.Token)
	RequestState(tok ble.Token)
}

// Indicator shows the near/far classification on the wearable.
type Indicator interface {
	SetProximity(isFar bool)
}

// Options configures the service. Zero fields take their defaults.
type Options struct {
	RegionUUID string
	UID        string

	FarRSSI  int // weaker than this counts as far for the indicator
	NearRSSI int // stronger than this allows an upload

	UploadInterval time.Duration // periodic upload check while foregrounded
	SettleDelay    time.Duration // from region entry to the one-shot upload check
	BackgroundStop time.Duration // from the one-shot to stopping ranging in the background
	FixTimeout     time.Duration
	UploadTimeout  time.Duration

	// AllowList restricts the identities that can become the nearest
	// sample. Empty allows every beacon of the family.
	AllowList []beacon.Identity
}

// DefaultOptions returns the standard thresholds and cadences.
func DefaultOptions() Options {
	return Options{
		RegionUUID:     beacon.RegionUUID,
		FarRSSI:        -85,
		NearRSSI:       -70,
		UploadInterval: 30 * time.Second,
		SettleDelay:    2 * time.Second,
		BackgroundStop: 3 * time.Second,
		FixTimeout:     5 * time.Second,
		UploadTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RegionUUID == "" {
		o.RegionUUID = def.RegionUUID
	}
	if o.FarRSSI == 0 {
		o.FarRSSI = def.FarRSSI
	}
	if o.NearRSSI == 0 {
		o.NearRSSI = def.NearRSSI
	}
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&o.UploadInterval, def.UploadInterval},
		{&o.SettleDelay, def.SettleDelay},
		{&o.BackgroundStop, def.BackgroundStop},
		{&o.FixTimeout, def.FixTimeout},
		{&o.UploadTimeout, def.UploadTimeout},
	} {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
	return o
}

// Service is the proximity telemetry pipeline. All methods must be called
// on the loop.
type Service struct {
	radio     Radio
	loop      *dispatch.Loop
	location  platform.Location
	host      platform.Host
	uploader  Uploader
	indicator Indicator
	notifier  platform.PickupNotifier
	opts      Options
	tok       ble.Token
	allow     map[beacon.Identity]bool

	running     bool
	gen         uint64
	unwatchAuth func()
	unwatchHost func()
	ranging     bool
	ticker      dispatch.Timer
	oneShot     dispatch.Timer
	bgStop      dispatch.Timer

	snapshot   []ble.Beacon
	nearest    *Sample
	driven     bool
	hasDriven  bool
	lastPickup bool
	fixing     bool
	uploads    int
}

// New creates the service. notifier may be nil.
func New(radio Radio, loop *dispatch.Loop, location platform.Location, host platform.Host,
	uploader Uploader, indicator Indicator, notifier platform.PickupNotifier, opts Options) *Service {
	opts = opts.withDefaults()
	s := &Service{
		radio:     radio,
		loop:      loop,
		location:  location,
		host:      host,
		uploader:  uploader,
		indicator: indicator,
		notifier:  notifier,
		opts:      opts,
		tok:       radio.NewToken("telemetry"),
	}
	if len(opts.AllowList) > 0 {
		s.allow = make(map[beacon.Identity]bool, len(opts.AllowList))
		for _, id := range opts.AllowList {
			s.allow[id.Numeric()] = true
		}
	}
	return s
}

// Running reports whether the service is started.
func (s *Service) Running() bool { return s.running }

// Nearest returns the current nearest sample.
func (s *Service) Nearest() (Sample, bool) {
	if s.nearest == nil {
		return Sample{}, false
	}
	return *s.nearest, true
}

// Snapshot returns the last ranging batch.
func (s *Service) Snapshot() []ble.Beacon { return s.snapshot }

// Uploads returns how many uploads have been started.
func (s *Service) Uploads() int { return s.uploads }

// Start begins monitoring. It does nothing when already running or when
// location access was refused.
func (s *Service) Start() {
	if s.running {
		return
	}
	auth := s.location.Authorization()
	if auth.Refused() {
		slog.Warn("[TELEMETRY] location access refused, not starting", "authorization", auth)
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.unwatchAuth = s.location.WatchAuthorization(func(a platform.Authorization) {
		if gen == s.gen {
			s.onAuthorization(a)
		}
	})
	s.unwatchHost = s.host.WatchForeground(func(fg bool) {
		s.loop.Post(func() {
			if gen == s.gen {
				s.onForeground(fg)
			}
		})
	})
	slog.Info("[TELEMETRY] started", "region", s.opts.RegionUUID, "foreground", s.host.Foreground())

	if !auth.Granted() {
		s.location.RequestAuthorization()
		return
	}
	s.configure()
	if s.host.Foreground() {
		s.armTicker()
	}
}

// Stop halts monitoring and ranging and drops every pending callback.
func (s *Service) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	s.radio.StopRanging(s.tok)
	s.radio.StopMonitoring(s.tok)
	s.ranging = false
	for _, t := range []dispatch.Timer{s.ticker, s.oneShot, s.bgStop} {
		if t != nil {
			t.Stop()
		}
	}
	s.ticker, s.oneShot, s.bgStop = nil, nil, nil
	for _, unwatch := range []*func(){&s.unwatchAuth, &s.unwatchHost} {
		if *unwatch != nil {
			(*unwatch)()
			*unwatch = nil
		}
	}
	s.fixing = false
	s.snapshot = nil
	s.nearest = nil
	s.driven, s.hasDriven = false, false
	s.lastPickup = false
	slog.Info("[TELEMETRY] stopped")
}

func (s *Service) onAuthorization(a platform.Authorization) {
	switch {
	case a.Refused():
		slog.Warn("[TELEMETRY] location access revoked", "authorization", a)
		s.Stop()
	case a.Granted():
		slog.Info("[TELEMETRY] location access granted, reconfiguring", "authorization", a)
		s.configure()
		if s.host.Foreground() && s.ticker == nil {
			s.armTicker()
		}
	}
}

// onForeground resumes ranging and the periodic tick when the host comes to
// the foreground. Going to the background stops ranging unless a region
// entry check is still settling.
func (s *Service) onForeground(fg bool) {
	if !s.location.Authorization().Granted() {
		return
	}
	if fg {
		slog.Info("[TELEMETRY] host foregrounded, resuming ranging")
		s.startRanging()
		if s.ticker == nil {
			s.armTicker()
		}
		return
	}
	if s.ranging && s.oneShot == nil && s.bgStop == nil {
		slog.Info("[TELEMETRY] host backgrounded, stopping ranging")
		s.stopRanging()
	}
}

// configure (re)starts region monitoring, plus ranging when foregrounded,
// and asks for the current region state.
func (s *Service) configure() {
	gen := s.gen
	err := s.radio.StartMonitoring(s.tok, s.opts.RegionUUID, func(ev ble.RegionEvent) {
		if gen == s.gen {
			s.onRegion(ev)
		}
	})
	if err != nil {
		slog.Warn("[TELEMETRY] region monitoring unavailable", "error", err)
	}
	if s.host.Foreground() {
		s.startRanging()
	}
	s.radio.RequestState(s.tok)
}

func (s *Service) startRanging() {
	gen := s.gen
	err := s.radio.StartRanging(s.tok, beacon.AnyIn(s.opts.RegionUUID), func(bs []ble.Beacon) {
		if gen == s.gen {
			s.onRanging(bs)
		}
	})
	if err != nil {
		slog.Warn("[TELEMETRY] ranging unavailable", "error", err)
		return
	}
	if !s.ranging {
		slog.Debug("[TELEMETRY] ranging started")
	}
	s.ranging = true
}

func (s *Service) stopRanging() {
	s.radio.StopRanging(s.tok)
	s.ranging = false
	slog.Debug("[TELEMETRY] ranging stopped")
}

func (s *Service) onRegion(ev ble.RegionEvent) {
	switch ev.Kind {
	case ble.RegionEnter:
		slog.Info("[TELEMETRY] region entered")
		s.startRanging()
		s.scheduleOneShot()
	case ble.RegionDetermined:
		slog.Debug("[TELEMETRY] region state", "state", ev.State)
		if ev.State == ble.RegionInside {
			s.startRanging()
		}
	case ble.RegionExit:
		slog.Info("[TELEMETRY] region exited")
	}
}

// scheduleOneShot runs an upload check once ranging had time to settle, and
// stops ranging again shortly after if the host is in the background.
func (s *Service) scheduleOneShot() {
	if s.oneShot != nil {
		s.oneShot.Stop()
	}
	gen := s.gen
	s.oneShot = s.loop.After(s.opts.SettleDelay, func() {
		if gen != s.gen {
			return
		}
		s.oneShot = nil
		s.scanAndMaybeUpload()
		if s.bgStop != nil {
			s.bgStop.Stop()
		}
		s.bgStop = s.loop.After(s.opts.BackgroundStop, func() {
			if gen != s.gen {
				return
			}
			s.bgStop = nil
			if !s.host.Foreground() {
				s.stopRanging()
			}
		})
	})
}

func (s *Service) armTicker() {
	gen := s.gen
	s.ticker = s.loop.After(s.opts.UploadInterval, func() {
		if gen != s.gen {
			return
		}
		s.ticker = nil
		if s.host.Foreground() {
			s.scanAndMaybeUpload()
		}
		s.armTicker()
	})
}

func (s *Service) onRanging(bs []ble.Beacon) {
	s.snapshot = bs
	best, ok := s.strongest(bs)
	if !ok {
		s.nearest = nil
		return
	}
	sample := SampleFrom(best)
	s.nearest = &sample

	if sample.Pickup && !s.lastPickup && s.notifier != nil {
		s.notifier.NotifyPickup(sample.Identity)
	}
	s.lastPickup = sample.Pickup

	far := sample.Far(s.opts.FarRSSI)
	if s.hasDriven && far == s.driven {
		return
	}
	slog.Info("[TELEMETRY] proximity changed", "far", far, "rssi", sample.RSSI, "proximity", sample.Proximity)
	s.driven = far
	s.hasDriven = true
	s.indicator.SetProximity(far)
}

func (s *Service) strongest(bs []ble.Beacon) (ble.Beacon, bool) {
	if s.allow == nil {
		return ble.Strongest(bs)
	}
	allowed := make([]ble.Beacon, 0, len(bs))
	for _, b := range bs {
		if s.allow[b.Identity.Numeric()] {
			allowed = append(allowed, b)
		}
	}
	return ble.Strongest(allowed)
}

// scanAndMaybeUpload requests a location fix and uploads the nearest sample
// when it is close enough. Only one fix is outstanding at a time.
func (s *Service) scanAndMaybeUpload() {
	n := s.nearest
	if n == nil {
		slog.Debug("[TELEMETRY] no beacon in range, skipping upload")
		return
	}
	if !n.Close(s.opts.NearRSSI) {
		slog.Debug("[TELEMETRY] beacon not close enough to upload", "rssi", n.RSSI, "proximity", n.Proximity)
		return
	}
	if s.fixing {
		return
	}
	s.fixing = true
	gen := s.gen
	location := s.location
	timeout := s.opts.FixTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fix, err := location.Fix(ctx)
		s.loop.Post(func() {
			if gen == s.gen {
				s.onFix(fix, err)
			}
		})
	}()
}

func (s *Service) onFix(fix platform.Fix, err error) {
	s.fixing = false
	if err != nil {
		slog.Warn("[TELEMETRY] location fix failed", "error", err)
		return
	}
	if s.nearest == nil {
		return
	}
	s.upload(NewRecord(s.opts.UID, *s.nearest, fix, s.loop.Now()))
}

// upload posts rec without waiting for the result. In the background the
// call runs inside a background-execution grant.
func (s *Service) upload(rec Record) {
	var end func()
	if !s.host.Foreground() {
		end = s.host.BeginBackgroundTask("telemetry-upload")
	}
	s.uploads++
	uploader := s.uploader
	timeout := s.opts.UploadTimeout
	go func() {
		if end != nil {
			defer end()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := uploader.Upload(ctx, rec); err != nil {
			slog.Warn("[TELEMETRY] upload failed", "error", err)
			return
		}
		slog.Info("[TELEMETRY] uploaded", "major", rec.Major, "minor", rec.Minor, "sendHome", rec.SendHome)
	}()
}
