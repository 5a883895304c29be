package backend

import (
	"strings"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/registry"
)

// deviceJSON is the backend's device shape. Timestamps are kept as strings
// because the server does not always emit RFC 3339.
type deviceJSON struct {
	BLEID              string   `json:"bleId"`
	Name               string   `json:"name"`
	OwnerUID           string   `json:"ownerUID"`
	PairedAt           string   `json:"pairedAt,omitempty"`
	IsActive           bool     `json:"isActive"`
	LastSeenAt         *string  `json:"lastSeenAt"`
	LastRSSI           *int     `json:"lastRSSI"`
	LastBatteryPercent *int     `json:"lastBatteryPercent"`
	BeaconMajor        int      `json:"beaconMajor"`
	BeaconMinor        int      `json:"beaconMinor"`
	Lat                *float64 `json:"lat,omitempty"`
	Lng                *float64 `json:"lng,omitempty"`
}

func newDeviceJSON(d registry.Device) deviceJSON {
	w := deviceJSON{
		BLEID:              d.BLEID,
		Name:               d.Name,
		OwnerUID:           d.OwnerUID,
		IsActive:           d.IsActive,
		LastRSSI:           d.LastRSSI,
		LastBatteryPercent: d.LastBatteryPercent,
		BeaconMajor:        int(d.BeaconMajor),
		BeaconMinor:        int(d.BeaconMinor),
		Lat:                d.Lat,
		Lng:                d.Lng,
	}
	if !d.PairedAt.IsZero() {
		w.PairedAt = d.PairedAt.UTC().Format(time.RFC3339Nano)
	}
	if d.LastSeenAt != nil {
		s := d.LastSeenAt.UTC().Format(time.RFC3339Nano)
		w.LastSeenAt = &s
	}
	return w
}

func (w deviceJSON) device() registry.Device {
	d := registry.Device{
		BLEID:              w.BLEID,
		Name:               w.Name,
		OwnerUID:           w.OwnerUID,
		IsActive:           w.IsActive,
		LastRSSI:           w.LastRSSI,
		LastBatteryPercent: w.LastBatteryPercent,
		BeaconMajor:        uint16(w.BeaconMajor),
		BeaconMinor:        uint16(w.BeaconMinor),
		Lat:                w.Lat,
		Lng:                w.Lng,
	}
	if t, ok := parseTime(w.PairedAt); ok {
		d.PairedAt = t
	}
	if w.LastSeenAt != nil {
		if t, ok := parseTime(*w.LastSeenAt); ok {
			d.LastSeenAt = &t
		}
	}
	return d
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
}

// parseTime accepts RFC 3339 with or without fractional seconds, naive
// timestamps (taken as UTC) and a doubled trailing Z.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, "ZZ") {
		s = strings.TrimSuffix(s, "Z")
	}
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
