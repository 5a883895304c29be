package provision

import (
	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

// State is a provisioning session phase.
type State int

const (
	Idle State = iota
	AwaitingPermissions
	RangingForSentinel
	Allocating
	Scanning
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	Writing
	ReadingBack
	Verifying
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:                       "idle",
	AwaitingPermissions:        "awaiting-permissions",
	RangingForSentinel:         "ranging-for-sentinel",
	Allocating:                 "allocating",
	Scanning:                   "scanning",
	Connecting:                 "connecting",
	DiscoveringServices:        "discovering-services",
	DiscoveringCharacteristics: "discovering-characteristics",
	Writing:                    "writing",
	ReadingBack:                "reading-back",
	Verifying:                  "verifying",
	Succeeded:                  "succeeded",
	Failed:                     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// linked reports whether the session holds a peripheral link whose loss
// means the identity was never written.
func (s State) linked() bool {
	return s >= Connecting && s <= Writing
}

// event is the tagged input to Machine.handle.
type event interface {
	eventName() string
}

type (
	permissionsReady     struct{}
	authorizationChanged struct{ auth platform.Authorization }
	powerChanged         struct{ state ble.PowerState }
	sentinelFound        struct{ sighting ble.Beacon }
	allocated            struct{ id beacon.Identity }
	peripheralFound      struct{ dev ble.Device }
	connected            struct {
		link ble.Link
		err  error
	}
	servicesFound struct {
		svc ble.Service
		err error
	}
	charsFound struct {
		chars []ble.Characteristic
		err   error
	}
	writeDone    struct{ err error }
	readBackDone struct {
		data []byte
		err  error
	}
	verifyHit    struct{ sighting ble.Beacon }
	timedOut     struct{}
	disconnected struct{}
	failed       struct{ err error }
)

func (permissionsReady) eventName() string     { return "PermissionsReady" }
func (authorizationChanged) eventName() string { return "AuthorizationChanged" }
func (powerChanged) eventName() string         { return "PowerChanged" }
func (sentinelFound) eventName() string        { return "SentinelFound" }
func (allocated) eventName() string            { return "Allocated" }
func (peripheralFound) eventName() string      { return "PeripheralFound" }
func (connected) eventName() string            { return "Connected" }
func (servicesFound) eventName() string        { return "ServicesFound" }
func (charsFound) eventName() string           { return "CharsFound" }
func (writeDone) eventName() string            { return "WriteDone" }
func (readBackDone) eventName() string         { return "ReadBackDone" }
func (verifyHit) eventName() string            { return "VerifyHit" }
func (timedOut) eventName() string             { return "TimedOut" }
func (disconnected) eventName() string         { return "Disconnected" }
func (failed) eventName() string               { return "Failed" }
