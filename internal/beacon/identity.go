// Package beacon implements the wire formats shared by the provisioning and
// telemetry paths: the (major, minor) identity payloads written to and read
// from the beacon's GATT service, the pickup flag packed into the minor, and
// the iBeacon advertisement frame the beacon broadcasts.
package beacon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Well-known identifiers of the beacon family and its GATT service.
const (
	RegionUUID = "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0"

	ServiceUUID       = "8E400001-7786-43CA-8000-000000000001"
	ReadBackCharUUID  = "8E400002-7786-43CA-8000-000000000002"
	WriteCharUUID     = "8E400003-7786-43CA-8000-000000000003"
	IndicatorCharUUID = "8E400004-7786-43CA-8000-000000000004"
)

// Payload sizes.
const (
	IdentityPayloadLen = 4
	ReadBackPayloadLen = 5
)

// PickupFlag is bit 15 of the advertised minor. It is never part of the
// numeric identity.
const PickupFlag uint16 = 0x8000

// MaxMinor is the largest numeric minor a provisioned beacon may carry.
const MaxMinor uint16 = 0x7FFF

// ErrMinorRange is returned when a numeric minor would collide with PickupFlag.
var ErrMinorRange = errors.New("beacon: minor exceeds 32767")

// Identity is a (major, minor) pair.
type Identity struct {
	Major uint16
	Minor uint16
}

// Sentinel is the identity advertised by a factory-reset beacon.
var Sentinel = Identity{}

// IsSentinel reports whether id is the unconfigured identity.
func (id Identity) IsSentinel() bool {
	return id.Numeric() == Sentinel
}

// Numeric returns id with the pickup flag cleared from the minor.
func (id Identity) Numeric() Identity {
	return Identity{Major: id.Major, Minor: id.Minor &^ PickupFlag}
}

// Pickup reports whether the pickup flag is set in the raw minor.
func (id Identity) Pickup() bool {
	return id.Minor&PickupFlag != 0
}

// Validate checks that id can be assigned to a beacon.
func (id Identity) Validate() error {
	if id.Minor > MaxMinor {
		return fmt.Errorf("%w: %d", ErrMinorRange, id.Minor)
	}
	return nil
}

// Key is the "major-minor" string used as a registry key.
func (id Identity) Key() string {
	return fmt.Sprintf("%d-%d", id.Major, id.Minor)
}

func (id Identity) String() string {
	return fmt.Sprintf("(%d,%d)", id.Major, id.Minor)
}

// EncodeIdentity returns the 4-byte big-endian write payload
// [majorHi, majorLo, minorHi, minorLo].
func EncodeIdentity(id Identity) []byte {
	buf := make([]byte, IdentityPayloadLen)
	binary.BigEndian.PutUint16(buf[0:2], id.Major)
	binary.BigEndian.PutUint16(buf[2:4], id.Minor)
	return buf
}

// DecodeIdentity parses a 4-byte write payload.
func DecodeIdentity(data []byte) (Identity, error) {
	if len(data) != IdentityPayloadLen {
		return Identity{}, fmt.Errorf("beacon: identity payload must be %d bytes, got %d", IdentityPayloadLen, len(data))
	}
	return Identity{
		Major: binary.BigEndian.Uint16(data[0:2]),
		Minor: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// DecodeReadBack parses the 5-byte read-back payload
// [majorHi, majorLo, minorHi, minorLo, txPower].
func DecodeReadBack(data []byte) (Identity, int8, error) {
	if len(data) != ReadBackPayloadLen {
		return Identity{}, 0, fmt.Errorf("beacon: read-back payload must be %d bytes, got %d", ReadBackPayloadLen, len(data))
	}
	id, err := DecodeIdentity(data[:IdentityPayloadLen])
	if err != nil {
		return Identity{}, 0, err
	}
	return id, int8(data[4]), nil
}

// PackMinor combines a numeric minor and the pickup flag into the raw
// advertised minor.
func PackMinor(minor uint16, pickup bool) (uint16, error) {
	if minor > MaxMinor {
		return 0, fmt.Errorf("%w: %d", ErrMinorRange, minor)
	}
	if pickup {
		minor |= PickupFlag
	}
	return minor, nil
}

// UnpackMinor splits a raw advertised minor into its numeric value and the
// pickup flag.
func UnpackMinor(raw uint16) (minor uint16, pickup bool) {
	return raw & MaxMinor, raw&PickupFlag != 0
}

// Constraint selects which sightings a ranging request reports.
type Constraint struct {
	UUID     string
	Identity Identity
	// Exact restricts matches to Identity. Minors are compared with the
	// pickup flag stripped.
	Exact bool
}

// AnyIn matches every beacon of the family uuid.
func AnyIn(uuid string) Constraint {
	return Constraint{UUID: uuid}
}

// Exactly matches only id within the family uuid.
func Exactly(uuid string, id Identity) Constraint {
	return Constraint{UUID: uuid, Identity: id, Exact: true}
}

// Matches reports whether a sighting of id in family uuid satisfies c.
func (c Constraint) Matches(uuid string, id Identity) bool {
	if !strings.EqualFold(c.UUID, uuid) {
		return false
	}
	if !c.Exact {
		return true
	}
	return id.Numeric() == c.Identity.Numeric()
}

func (c Constraint) String() string {
	if !c.Exact {
		return c.UUID
	}
	return c.UUID + " " + c.Identity.String()
}
