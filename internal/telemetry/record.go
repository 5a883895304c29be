// Package telemetry keeps track of the nearest beacon, drives the near/far
// indicator and uploads location pings to the backend.
package telemetry

import (
	"context"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

// Sample is the decoded nearest sighting.
type Sample struct {
	Identity  beacon.Identity // numeric, pickup flag stripped
	RawMinor  uint16
	RSSI      int
	Proximity ble.Proximity
	Pickup    bool
	Timestamp time.Time
}

// SampleFrom decodes a ranged sighting.
func SampleFrom(b ble.Beacon) Sample {
	minor, pickup := beacon.UnpackMinor(b.Identity.Minor)
	return Sample{
		Identity:  beacon.Identity{Major: b.Identity.Major, Minor: minor},
		RawMinor:  b.Identity.Minor,
		RSSI:      b.RSSI,
		Proximity: b.Proximity,
		Pickup:    pickup,
		Timestamp: b.Timestamp,
	}
}

// Far reports whether the sample counts as far for the indicator: the
// proximity is far or unknown, or the signal is weaker than farRSSI.
func (s Sample) Far(farRSSI int) bool {
	return s.Proximity == ble.ProximityFar ||
		s.Proximity == ble.ProximityUnknown ||
		s.RSSI < farRSSI
}

// Close reports whether the sample is close enough to upload: immediate, or
// stronger than nearRSSI with a known proximity.
func (s Sample) Close(nearRSSI int) bool {
	if s.Proximity == ble.ProximityImmediate {
		return true
	}
	return s.RSSI > nearRSSI && s.Proximity != ble.ProximityUnknown
}

// Pickup states reported in Record.LastRSSI.
const (
	PickupRequested = 0
	PickupClear     = 1
)

// Record is the telemetry upload body.
type Record struct {
	UID       string  `json:"uid"`
	Major     int     `json:"major"`
	Minor     int     `json:"minor"`
	SendHome  bool    `json:"sendHome"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp string  `json:"timestamp"`
	// LastRSSI carries the pickup state, not a signal strength.
	LastRSSI int `json:"last_RSSI"`
}

// NewRecord builds the upload for s at fix.
func NewRecord(uid string, s Sample, fix platform.Fix, at time.Time) Record {
	state := PickupClear
	if s.Pickup {
		state = PickupRequested
	}
	return Record{
		UID:       uid,
		Major:     int(s.Identity.Major),
		Minor:     int(s.Identity.Minor),
		SendHome:  s.Pickup,
		Lat:       fix.Lat,
		Lng:       fix.Lng,
		Timestamp: at.UTC().Format(time.RFC3339),
		LastRSSI:  state,
	}
}

// Uploader delivers records to the backend. Upload is called off the loop.
type Uploader interface {
	Upload(ctx context.Context, rec Record) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, rec Record) error

func (f UploaderFunc) Upload(ctx context.Context, rec Record) error { return f(ctx, rec) }
