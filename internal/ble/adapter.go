// Package ble is the shared radio facade. A single Radio owns the hardware
// adapter and multiplexes one hardware scan into beacon ranging, region
// monitoring and peripheral scanning, with an owner token per activity so
// only one ranging constraint and one peripheral scan exist at a time.
// Connected peripherals are driven through asynchronous Links whose
// completions run on the shared dispatch loop.
package ble

import (
	"context"
	"strings"
)

// PowerState is the radio's power state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOn
	PoweredOff
)

func (s PowerState) String() string {
	switch s {
	case PoweredOn:
		return "poweredOn"
	case PoweredOff:
		return "poweredOff"
	default:
		return "unknown"
	}
}

// Properties is the GATT characteristic property bitmask.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
)

// Has reports whether all bits of q are set.
func (p Properties) Has(q Properties) bool { return p&q == q }

// Writable reports whether either write mode is supported.
func (p Properties) Writable() bool {
	return p.Has(PropWrite) || p.Has(PropWriteWithoutResponse)
}

func (p Properties) String() string {
	var parts []string
	if p.Has(PropRead) {
		parts = append(parts, "read")
	}
	if p.Has(PropWrite) {
		parts = append(parts, "write")
	}
	if p.Has(PropWriteWithoutResponse) {
		parts = append(parts, "writeWithoutResponse")
	}
	if p.Has(PropNotify) {
		parts = append(parts, "notify")
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Advertisement is one received advertising packet.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	Services         []string
	ManufacturerData map[uint16][]byte
}

// HasService reports whether the packet advertises the service uuid.
func (a Advertisement) HasService(uuid string) bool {
	for _, s := range a.Services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic. Calls block.
type Characteristic interface {
	UUID() string
	Properties() Properties
	// Write performs an acknowledged write.
	Write(data []byte) error
	// WriteWithoutResponse performs an unacknowledged write.
	WriteWithoutResponse(data []byte) error
	Read() ([]byte, error)
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	// DiscoverCharacteristics returns the characteristics matching uuids,
	// or all of them when uuids is empty.
	DiscoverCharacteristics(uuids []string) ([]Characteristic, error)
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices returns the services matching uuids, or all of them
	// when uuids is empty.
	DiscoverServices(uuids []string) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan delivers every received advertisement to callback until
	// StopScan is called. It blocks for the duration of the scan.
	Scan(callback func(Advertisement)) error
	// StopScan ends a running Scan.
	StopScan() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
