package ble

import (
	"math"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

// Proximity is the qualitative distance class of a ranged beacon.
type Proximity int

const (
	ProximityUnknown Proximity = iota
	ProximityImmediate
	ProximityNear
	ProximityFar
)

func (p Proximity) String() string {
	switch p {
	case ProximityImmediate:
		return "immediate"
	case ProximityNear:
		return "near"
	case ProximityFar:
		return "far"
	default:
		return "unknown"
	}
}

// Distance class boundaries in metres.
const (
	immediateRange = 0.5
	nearRange      = 4.0
)

// defaultMeasuredPower is used when a frame carries no calibration value.
const defaultMeasuredPower = -59

// Beacon is one ranged sighting.
type Beacon struct {
	UUID          string
	Address       string
	Identity      beacon.Identity // raw minor, pickup flag included
	RSSI          int
	MeasuredPower int8
	// Accuracy is the estimated distance in metres, negative when unknown.
	Accuracy  float64
	Proximity Proximity
	Timestamp time.Time
}

// EstimateAccuracy returns a log-distance path loss estimate of the distance
// in metres. An RSSI of 0 means no reading and yields -1.
func EstimateAccuracy(rssi int, measuredPower int8) float64 {
	if rssi == 0 {
		return -1
	}
	power := int(measuredPower)
	if power == 0 {
		power = defaultMeasuredPower
	}
	return math.Pow(10, float64(power-rssi)/20)
}

// ClassifyAccuracy maps an accuracy estimate to a proximity class.
func ClassifyAccuracy(accuracy float64) Proximity {
	switch {
	case accuracy < 0:
		return ProximityUnknown
	case accuracy < immediateRange:
		return ProximityImmediate
	case accuracy < nearRange:
		return ProximityNear
	default:
		return ProximityFar
	}
}

// strongerThan orders sightings strongest first. Readings without an RSSI
// sort last.
func strongerThan(a, b Beacon) bool {
	if (a.RSSI == 0) != (b.RSSI == 0) {
		return b.RSSI == 0
	}
	return a.RSSI > b.RSSI
}
