// Package registry keeps the records of provisioned beacons and syncs them
// with the backend.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

// ErrNotFound is returned when no device matches.
var ErrNotFound = errors.New("registry: device not found")

// Pickup states stored in Device.LastRSSI by the backend.
const (
	PickupRequested = 0
	PickupClear     = 1
)

// Device is one provisioned beacon.
type Device struct {
	BLEID              string     `json:"bleId" yaml:"ble_id"`
	Name               string     `json:"name" yaml:"name"`
	OwnerUID           string     `json:"ownerUID" yaml:"owner_uid"`
	PairedAt           time.Time  `json:"pairedAt" yaml:"paired_at"`
	IsActive           bool       `json:"isActive" yaml:"is_active"`
	LastSeenAt         *time.Time `json:"lastSeenAt,omitempty" yaml:"last_seen_at,omitempty"`
	LastRSSI           *int       `json:"lastRSSI,omitempty" yaml:"last_rssi,omitempty"`
	LastBatteryPercent *int       `json:"lastBatteryPercent,omitempty" yaml:"last_battery_percent,omitempty"`
	BeaconMajor        uint16     `json:"beaconMajor" yaml:"beacon_major"`
	BeaconMinor        uint16     `json:"beaconMinor" yaml:"beacon_minor"`
	Lat                *float64   `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lng                *float64   `json:"lng,omitempty" yaml:"lng,omitempty"`
}

// NewDevice returns an active record for a freshly provisioned identity with
// a new bleId.
func NewDevice(name, ownerUID string, id beacon.Identity, pairedAt time.Time) Device {
	id = id.Numeric()
	return Device{
		BLEID:       uuid.NewString(),
		Name:        name,
		OwnerUID:    ownerUID,
		PairedAt:    pairedAt.UTC(),
		IsActive:    true,
		BeaconMajor: id.Major,
		BeaconMinor: id.Minor,
	}
}

// Identity returns the numeric beacon identity.
func (d Device) Identity() beacon.Identity {
	return beacon.Identity{Major: d.BeaconMajor, Minor: d.BeaconMinor}.Numeric()
}

// Constraint returns an exact ranging constraint for the device in family
// regionUUID.
func (d Device) Constraint(regionUUID string) beacon.Constraint {
	return beacon.Exactly(regionUUID, d.Identity())
}

// PickupRequested reports whether the backend last saw the pickup flag.
func (d Device) PickupRequested() bool {
	return d.LastRSSI != nil && *d.LastRSSI == PickupRequested
}

// Validate checks the bleId and identity.
func (d Device) Validate() error {
	if _, err := uuid.Parse(d.BLEID); err != nil {
		return fmt.Errorf("registry: bleId %q: %w", d.BLEID, err)
	}
	if err := d.Identity().Validate(); err != nil {
		return fmt.Errorf("registry: device %s: %w", d.BLEID, err)
	}
	return nil
}

func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%s %s %s", name, d.Identity(), d.BLEID)
}

func key(bleID string) string {
	return strings.ToLower(bleID)
}
